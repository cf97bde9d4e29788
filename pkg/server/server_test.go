package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/config"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/orchestrator"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/quota"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/server"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
)

const testModel = "test-model"

type fakeProvider struct {
	mu      sync.Mutex
	scripts [][]llms.StreamChunk
	calls   int
}

func (p *fakeProvider) Stream(ctx context.Context, req llms.StreamRequest) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var script []llms.StreamChunk
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++

	ch := make(chan llms.StreamChunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Models() []string { return []string{testModel} }
func (p *fakeProvider) Name() string     { return "fake" }

type testServer struct {
	http     *httptest.Server
	store    *store.Store
	provider *fakeProvider
	counter  *quota.MemoryCounter
	user     *store.User
	tenant   *store.Tenant
}

func newTestServer(t *testing.T, tenantCfg store.TenantConfig) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, "sqlite3")
	require.NoError(t, err)

	tenant := &store.Tenant{ID: uuid.NewString(), Name: "acme", Config: tenantCfg}
	require.NoError(t, st.CreateTenant(ctx, tenant))

	user := &store.User{TenantID: tenant.ID, Username: "kiki", APIToken: uuid.NewString()}
	require.NoError(t, st.CreateUser(ctx, user))

	providers := llms.NewProviderRegistry()
	provider := &fakeProvider{}
	require.NoError(t, providers.Add(provider))

	counter := quota.NewMemoryCounter()
	orch := orchestrator.New(orchestrator.Deps{
		Providers: providers,
		Store:     st,
		Guard:     quota.NewGuard(counter),
	}, orchestrator.Config{})

	srv := server.New(config.ServerConfig{}, st, orch, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{
		http:     ts,
		store:    st,
		provider: provider,
		counter:  counter,
		user:     user,
		tenant:   tenant,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.user.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func chatBody(content string) map[string]interface{} {
	return map[string]interface{}{
		"model":    testModel,
		"messages": []map[string]string{{"role": "user", "content": content}},
	}
}

// readEvents decodes every data: frame of an SSE body.
func readEvents(t *testing.T, body io.Reader) []map[string]interface{} {
	t.Helper()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)

	var events []map[string]interface{}
	for _, frame := range strings.Split(string(raw), "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		payload, ok := strings.CutPrefix(frame, "data: ")
		require.True(t, ok, "unexpected frame %q", frame)

		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		events = append(events, event)
	}
	return events
}

func TestChatStreamHappyPath(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{})
	ts.provider.scripts = [][]llms.StreamChunk{{
		{Type: llms.ChunkTypeContent, Text: "hello"},
		{Type: llms.ChunkTypeDone, Done: &llms.DoneChunk{
			FinishReason: "stop",
			Model:        testModel,
			Usage:        &llms.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}},
	}}

	resp := ts.request(t, http.MethodPost, "/api/v1/chat/stream", chatBody("hi"))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "meta", events[0]["type"])
	assert.NotEmpty(t, events[0]["conversation_id"])
	assert.Equal(t, "content", events[1]["type"])
	assert.Equal(t, "hello", events[1]["data"])
	assert.Equal(t, "done", events[len(events)-1]["type"])

	// The turn is fully persisted by the time the stream closes.
	conversationID := events[0]["conversation_id"].(string)
	deadline := time.Now().Add(2 * time.Second)
	for {
		messages, err := ts.store.ListMessages(context.Background(), conversationID)
		require.NoError(t, err)
		if len(messages) == 2 {
			assert.Equal(t, "hello", messages[1].Content)
			break
		}
		require.True(t, time.Now().Before(deadline), "assistant message never persisted")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatStreamValidation(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{})

	resp := ts.request(t, http.MethodPost, "/api/v1/chat/stream", map[string]interface{}{
		"model":    testModel,
		"messages": []map[string]string{},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, http.MethodPost, "/api/v1/chat/stream", map[string]interface{}{
		"model":    "nope",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := chatBody("hi")
	body["conversation_id"] = uuid.NewString()
	resp = ts.request(t, http.MethodPost, "/api/v1/chat/stream", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStreamQuotaExhausted(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{TokenQuota: 100})

	_, err := ts.counter.Add(context.Background(), quota.Key(ts.tenant.ID, time.Now()), 100, time.Hour)
	require.NoError(t, err)

	resp := ts.request(t, http.MethodPost, "/api/v1/chat/stream", chatBody("hi"))
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload["detail"], "月度 Token 额度已用完 (100/100)")
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{})

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/v1/conversations", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationAPI(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{})
	ctx := context.Background()

	conversation := &store.Conversation{UserID: ts.user.ID, Title: "sales", Model: testModel}
	require.NoError(t, ts.store.CreateConversation(ctx, conversation))
	require.NoError(t, ts.store.AppendMessage(ctx, &store.Message{
		ConversationID: conversation.ID, Role: "user", Content: "hello",
	}))

	resp := ts.request(t, http.MethodGet, "/api/v1/conversations", nil)
	var conversations []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conversations))
	resp.Body.Close()
	require.Len(t, conversations, 1)
	assert.Equal(t, "sales", conversations[0]["title"])

	resp = ts.request(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s/messages", conversation.ID), nil)
	var messages []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&messages))
	resp.Body.Close()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0]["content"])

	// A foreign conversation is indistinguishable from a missing one.
	other := &store.User{Username: "other", APIToken: uuid.NewString()}
	require.NoError(t, ts.store.CreateUser(ctx, other))
	foreign := &store.Conversation{UserID: other.ID, Model: testModel}
	require.NoError(t, ts.store.CreateConversation(ctx, foreign))

	resp = ts.request(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s/messages", foreign.ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.request(t, http.MethodDelete, "/api/v1/conversations/"+foreign.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.request(t, http.MethodDelete, "/api/v1/conversations/"+conversation.ID, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	remaining, err := ts.store.ListConversations(ctx, ts.user.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, store.TenantConfig{})

	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
