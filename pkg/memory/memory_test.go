package memory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	mu      sync.Mutex
	result  *SearchResult
	err     error
	delay   time.Duration
	added   [][]TurnMessage
	addedWg sync.WaitGroup
}

func (f *fakeSearcher) Search(ctx context.Context, _, _, _ string) (*SearchResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSearcher) Add(_ context.Context, _, _ string, messages []TurnMessage) (string, error) {
	f.mu.Lock()
	f.added = append(f.added, messages)
	f.mu.Unlock()
	f.addedWg.Done()
	return "task-1", nil
}

func TestRecallFiltersByRelativity(t *testing.T) {
	searcher := &fakeSearcher{result: &SearchResult{
		Memories: []Item{
			{ID: "m1", MemoryKey: "城市", MemoryValue: "上海", Relativity: 0.9},
			{ID: "m2", MemoryKey: "噪声", MemoryValue: "x", Relativity: 0.1},
		},
		Preferences: []Preference{{ID: "p1", Preference: "简洁回答"}},
	}}

	m := NewManager(searcher, ManagerOptions{RecallEnabled: true})
	result := m.Recall(context.Background(), "u1", "query", "c1")

	require.Len(t, result.Memories, 1)
	assert.Equal(t, "m1", result.Memories[0].ID)
	assert.Len(t, result.Preferences, 1)
}

func TestRecallDegradesOnTimeout(t *testing.T) {
	searcher := &fakeSearcher{delay: time.Second}
	m := NewManager(searcher, ManagerOptions{
		RecallEnabled: true,
		RecallTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	result := m.Recall(context.Background(), "u1", "query", "")
	assert.True(t, result.Empty())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRecallDegradesOnError(t *testing.T) {
	searcher := &fakeSearcher{err: fmt.Errorf("service down")}
	m := NewManager(searcher, ManagerOptions{RecallEnabled: true})

	result := m.Recall(context.Background(), "u1", "query", "")
	assert.True(t, result.Empty())
}

func TestRecallDisabled(t *testing.T) {
	m := NewManager(&fakeSearcher{err: fmt.Errorf("must not be called")},
		ManagerOptions{RecallEnabled: false})
	assert.True(t, m.Recall(context.Background(), "u1", "q", "").Empty())
}

func TestWriteBackIsDetached(t *testing.T) {
	searcher := &fakeSearcher{}
	searcher.addedWg.Add(1)
	m := NewManager(searcher, ManagerOptions{SaveEnabled: true})

	m.WriteBack("u1", "c1", []TurnMessage{
		{Role: "user", Content: "你好"},
		{Role: "assistant", Content: "你好！"},
	})

	searcher.addedWg.Wait()
	searcher.mu.Lock()
	defer searcher.mu.Unlock()
	require.Len(t, searcher.added, 1)
	assert.Len(t, searcher.added[0], 2)
}

func TestWriteBackSkipsWhenDisabledOrEmpty(t *testing.T) {
	searcher := &fakeSearcher{}
	NewManager(searcher, ManagerOptions{SaveEnabled: false}).
		WriteBack("u1", "c1", []TurnMessage{{Role: "user", Content: "x"}})
	NewManager(searcher, ManagerOptions{SaveEnabled: true}).
		WriteBack("u1", "c1", nil)

	time.Sleep(50 * time.Millisecond)
	searcher.mu.Lock()
	defer searcher.mu.Unlock()
	assert.Empty(t, searcher.added)
}

func TestPromptBlock(t *testing.T) {
	block := PromptBlock(&SearchResult{
		Memories: []Item{{MemoryKey: "城市", MemoryValue: "上海"}},
		Preferences: []Preference{
			{PreferenceType: "explicit_preference", Preference: "简洁回答"},
			{PreferenceType: "implicit_preference", Preference: "偏好表格"},
		},
		PreferenceNote: "注意用户的语言习惯。",
	})

	assert.Contains(t, block, "## 用户相关记忆")
	assert.Contains(t, block, "- 城市: 上海")
	assert.Contains(t, block, "- [显式] 简洁回答")
	assert.Contains(t, block, "- [隐式] 偏好表格")
	assert.Contains(t, block, "注意用户的语言习惯。")

	assert.Empty(t, PromptBlock(&SearchResult{}))
	assert.Empty(t, PromptBlock(nil))
}

func TestStreamPayload(t *testing.T) {
	payload := StreamPayload(&SearchResult{
		Memories: []Item{
			{ID: "m1", MemoryKey: "城市", MemoryValue: "上海",
				Relativity: 0.87654, Tags: []string{"a", "b", "c", "d"}},
			{ID: "m2", MemoryKey: "k", MemoryValue: "v"},
		},
		Preferences: []Preference{
			{ID: "p1", PreferenceType: "explicit_preference", Preference: "简洁"},
		},
	})

	require.Len(t, payload.Memories, 2)
	assert.Equal(t, "城市: 上海", payload.Memories[0].Content)
	assert.Equal(t, 0.877, payload.Memories[0].Relevance)
	assert.Equal(t, "a, b, c", payload.Memories[0].Source)
	assert.Equal(t, "记忆", payload.Memories[1].Source)

	require.Len(t, payload.Preferences, 1)
	assert.Equal(t, "explicit_preference", payload.Preferences[0].Type)

	// Empty results still serialize with both arrays present.
	empty := StreamPayload(nil)
	assert.NotNil(t, empty.Memories)
	assert.NotNil(t, empty.Preferences)
}

func TestClientSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/memory", r.URL.Path)
		assert.Equal(t, "Token key-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"code": 0,
			"data": {
				"memory_detail_list": [
					{"id":"m1","memory_key":"城市","memory_value":"上海","relativity":0.9}
				],
				"preference_detail_list": [
					{"id":"p1","preference_type":"explicit_preference","preference":"简洁"}
				],
				"preference_note": "note"
			}
		}`)
	}))
	defer server.Close()

	c := NewClient("key-1", server.URL)
	result, err := c.Search(context.Background(), "u1", "query", "c1")
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	assert.Equal(t, "上海", result.Memories[0].MemoryValue)
	assert.Len(t, result.Preferences, 1)
	assert.Equal(t, "note", result.PreferenceNote)
}

func TestClientSearchServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code": 42, "message": "bad key"}`)
	}))
	defer server.Close()

	c := NewClient("key-1", server.URL)
	_, err := c.Search(context.Background(), "u1", "query", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestClientAdd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/add/message", r.URL.Path)
		fmt.Fprint(w, `{"code": 0, "data": {"task_id": "task-9"}}`)
	}))
	defer server.Close()

	c := NewClient("key-1", server.URL)
	taskID, err := c.Add(context.Background(), "u1", "c1", []TurnMessage{
		{Role: "user", Content: "你好"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-9", taskID)
}
