package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection keeps every query on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "sqlite3")
	require.NoError(t, err)
	return s
}

func TestNewRejectsUnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "oracle")
	assert.Error(t, err)
}

func TestBindRewritesForPostgres(t *testing.T) {
	s := &Store{dialect: "postgres"}
	assert.Equal(t, "SELECT $1, $2", s.bind("SELECT ?, ?"))

	s.dialect = "sqlite3"
	assert.Equal(t, "SELECT ?, ?", s.bind("SELECT ?, ?"))
}

func TestUserLookupByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "alice", APIToken: "tok-1", TenantID: "acme"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NotEmpty(t, u.ID)

	got, err := s.GetUserByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)

	_, err = s.GetUserByToken(ctx, "wrong")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &Tenant{
		Name: "acme",
		Config: TenantConfig{
			TokenQuota:    100000,
			AllowedModels: []string{"deepseek-chat"},
		},
	}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), got.Config.TokenQuota)
	assert.Equal(t, []string{"deepseek-chat"}, got.Config.AllowedModels)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversationDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Conversation{UserID: "u1"}
	require.NoError(t, s.CreateConversation(ctx, c))

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultConversationTitle, got.Title)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, got.CreatedAt.Unix(), got.UpdatedAt.Unix())
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	older := &Conversation{UserID: "u1", Title: "older",
		CreatedAt: base, UpdatedAt: base}
	newer := &Conversation{UserID: "u1", Title: "newer",
		CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)}
	foreign := &Conversation{UserID: "u2", Title: "foreign"}

	require.NoError(t, s.CreateConversation(ctx, older))
	require.NoError(t, s.CreateConversation(ctx, newer))
	require.NoError(t, s.CreateConversation(ctx, foreign))

	list, err := s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Title)
	assert.Equal(t, "older", list[1].Title)

	// Renaming the older one bumps it to the front.
	require.NoError(t, s.UpdateConversationTitle(ctx, older.ID, "renamed"))
	list, err = s.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", list[0].Title)
}

func TestAppendMessageSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Conversation{UserID: "u1"}
	require.NoError(t, s.CreateConversation(ctx, c))

	first := &Message{ConversationID: c.ID, Role: "user", Content: "hello"}
	second := &Message{ConversationID: c.ID, Role: "assistant", Content: "hi",
		ReasoningContent: "thinking",
		Usage:            &llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Metadata: &MessageMetadata{
			ToolCalls: []ToolCallMeta{{ID: "call_1", Name: "execute_sql", Status: "success"}},
		},
	}

	require.NoError(t, s.AppendMessage(ctx, first))
	require.NoError(t, s.AppendMessage(ctx, second))
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	messages, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)

	got := messages[1]
	assert.Equal(t, "thinking", got.ReasoningContent)
	require.NotNil(t, got.Usage)
	assert.Equal(t, 15, got.Usage.TotalTokens)
	require.NotNil(t, got.Metadata)
	require.Len(t, got.Metadata.ToolCalls, 1)
	assert.Equal(t, "execute_sql", got.Metadata.ToolCalls[0].Name)
}

func TestRecentMessagesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Conversation{UserID: "u1"}
	require.NoError(t, s.CreateConversation(ctx, c))

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ConversationID: c.ID, Role: "user", Content: content,
		}))
	}

	recent, err := s.RecentMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// The window holds the newest messages in chronological order.
	assert.Equal(t, "three", recent[0].Content)
	assert.Equal(t, "four", recent[1].Content)

	none, err := s.RecentMessages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Conversation{UserID: "u1"}
	require.NoError(t, s.CreateConversation(ctx, c))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ConversationID: c.ID, Role: "user", Content: "hello",
	}))

	// A foreign user cannot delete it.
	assert.ErrorIs(t, s.DeleteConversation(ctx, c.ID, "u2"), ErrNotFound)

	require.NoError(t, s.DeleteConversation(ctx, c.ID, "u1"))
	_, err := s.GetConversation(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	messages, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestUsageLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertUsageRecord(ctx, &UsageRecord{
		UserID: "u1", TenantID: "acme", Model: "deepseek-chat",
		InputTokens: 100, OutputTokens: 50, TotalTokens: 150,
		Cost: 0.0004, TriggerType: "chat",
	}))

	records, err := s.ListUsageRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 150, records[0].TotalTokens)
	assert.Equal(t, "chat", records[0].TriggerType)
	assert.InDelta(t, 0.0004, records[0].Cost, 1e-9)
}

func TestMCPServerCatalogue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := &tools.MCPServerRecord{
		UserID:    "u1",
		Name:      "weather",
		Transport: "stdio",
		Command:   "weather-server",
		Args:      []string{"--verbose"},
		Env:       map[string]string{"API_KEY": "k"},
		Enabled:   true,
	}
	disabled := &tools.MCPServerRecord{
		UserID: "u1", Name: "off", Transport: "http",
		Command: "http://localhost", Enabled: false,
	}
	require.NoError(t, s.CreateMCPServer(ctx, enabled))
	require.NoError(t, s.CreateMCPServer(ctx, disabled))

	list, err := s.ListEnabledMCPServers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "weather", list[0].Name)
	assert.Equal(t, []string{"--verbose"}, list[0].Args)
	assert.Equal(t, "k", list[0].Env["API_KEY"])

	// Ownership is enforced on point lookups.
	_, err = s.GetMCPServer(ctx, enabled.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	descriptors := []tools.Descriptor{{Name: "get_weather", Source: "mcp:" + enabled.ID}}
	require.NoError(t, s.UpdateMCPToolsCache(ctx, enabled.ID, descriptors))

	got, err := s.GetMCPServer(ctx, enabled.ID, "u1")
	require.NoError(t, err)
	require.Len(t, got.ToolsCache, 1)
	assert.Equal(t, "get_weather", got.ToolsCache[0].Name)
}

func TestSearchableKnowledgeBases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ready := &KnowledgeBase{UserID: "u1", Name: "reports"}
	empty := &KnowledgeBase{UserID: "u1", Name: "empty"}
	pending := &KnowledgeBase{UserID: "u1", Name: "pending"}
	foreign := &KnowledgeBase{UserID: "u2", Name: "foreign"}
	for _, kb := range []*KnowledgeBase{ready, empty, pending, foreign} {
		require.NoError(t, s.CreateKnowledgeBase(ctx, kb))
	}
	require.NoError(t, s.CreateDocument(ctx, &Document{KBID: ready.ID, Filename: "a.pdf", Status: "ready"}))
	require.NoError(t, s.CreateDocument(ctx, &Document{KBID: pending.ID, Filename: "b.pdf", Status: "processing"}))
	require.NoError(t, s.CreateDocument(ctx, &Document{KBID: foreign.ID, Filename: "c.pdf", Status: "ready"}))

	ids, err := s.SearchableKnowledgeBases(ctx, "u1",
		[]string{ready.ID, empty.ID, pending.ID, foreign.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{ready.ID}, ids)
}

func TestCustomToolCatalogue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := &tools.CustomToolRecord{
		UserID:       "u1",
		Name:         "hook",
		Description:  "calls a webhook",
		Parameters:   map[string]interface{}{"type": "object"},
		HTTPURL:      "http://example.com/{{q}}",
		Method:       "GET",
		Headers:      map[string]string{"Authorization": "Bearer x"},
		BodyTemplate: `{"q":"{{q}}"}`,
		Enabled:      true,
	}
	require.NoError(t, s.CreateCustomTool(ctx, record))

	list, err := s.ListEnabledCustomTools(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hook", list[0].Name)
	assert.Equal(t, "object", list[0].Parameters["type"])
	assert.Equal(t, "Bearer x", list[0].Headers["Authorization"])

	got, err := s.GetCustomTool(ctx, record.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, `{"q":"{{q}}"}`, got.BodyTemplate)

	_, err = s.GetCustomTool(ctx, record.ID, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}
