// Package orchestrator drives one chat turn: context assembly, the bounded
// tool-calling loop over the LLM stream, event emission, and the post-stream
// persistence and accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/memory"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/observability"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/quota"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/rag"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/tools"
)

const defaultSystemPrompt = `你是 KK 智能数据分析助手。你可以:
1. 查询数据库中的表 (使用 inspect_tables / inspect_table_schema)
2. 执行 SQL 查询并返回结果 (使用 execute_sql)
3. 推荐合适的可视化图表 (使用 recommend_chart)
4. 搜索互联网获取实时信息 (使用 web_search)

工作流程:
- 先理解用户意图
- 如果用户询问数据相关问题，先用 inspect_tables 查看可用表
- 再用 inspect_table_schema 了解表结构
- 生成并执行 SQL (使用 execute_sql)
- 根据结果推荐可视化 (使用 recommend_chart)
- 用清晰的中文向用户展示结果

注意事项:
- 只允许 SELECT / WITH 查询，写操作会被拒绝
- 查询结果行数会被自动限制`

// Display and context caps for tool outcomes.
const (
	toolMessageCap   = 4000
	resultDisplayCap = 2000
	errorDisplayCap  = 500
	titleCap         = 50
)

// Config bounds the loop and the assembled context.
type Config struct {
	MaxToolRounds      int
	MaxContextMessages int
	SystemPrompt       string
	EnabledBuiltins    []string
	RAGTopK            int
}

func (c *Config) setDefaults() {
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 10
	}
	if c.MaxContextMessages == 0 {
		c.MaxContextMessages = 20
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.RAGTopK == 0 {
		c.RAGTopK = 5
	}
}

// Deps wires the orchestrator's collaborators. Memory, Retriever and Guard
// are optional; a nil value disables the corresponding stage.
type Deps struct {
	Providers  *llms.ProviderRegistry
	Store      *store.Store
	Builtins   *tools.BuiltinSet
	MCPFactory tools.MCPClientFactory
	Memory     *memory.Manager
	Retriever  *rag.Retriever
	Guard      *quota.Guard
	Prices     quota.PriceTable
	Logger     *slog.Logger
}

// Orchestrator prepares and runs chat turns.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: deps.Logger}
}

// Request is one incoming chat turn.
type Request struct {
	ConversationID  string
	Model           string
	Content         string
	ThinkingEnabled bool
	KBIDs           []string
}

// Turn is a prepared chat turn, ready to stream.
type Turn struct {
	o            *Orchestrator
	user         *store.User
	conversation *store.Conversation
	provider     llms.Provider
	model        string
	thinking     bool
	userContent  string

	registry     *tools.ToolRegistry
	toolDefs     []llms.ToolDefinition
	memoryResult *memory.SearchResult
	ragChunks    []rag.Chunk
	messages     []llms.Message
}

// ConversationID identifies the turn's conversation, for transports that
// need it before streaming.
func (t *Turn) ConversationID() string { return t.conversation.ID }

// Prepare validates the request, enforces the quota gate, assembles the
// auxiliary context concurrently and records the user message. Validation
// failures map to the package's sentinel errors.
func (o *Orchestrator) Prepare(ctx context.Context, user *store.User, req Request) (*Turn, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	provider, err := o.deps.Providers.Resolve(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}

	conversation, err := o.resolveConversation(ctx, user, req)
	if err != nil {
		return nil, err
	}

	if err := o.quotaGate(ctx, user, req.Model); err != nil {
		return nil, err
	}

	t := &Turn{
		o:            o,
		user:         user,
		conversation: conversation,
		provider:     provider,
		model:        req.Model,
		thinking:     req.ThinkingEnabled,
		userContent:  req.Content,
		registry:     tools.NewToolRegistry(o.deps.Builtins),
		memoryResult: &memory.SearchResult{},
	}

	var history []store.Message

	// The four context sources are independent; each degrades to empty on
	// its own failure.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.memoryResult = o.deps.Memory.Recall(gctx, user.ID, content, conversation.ID)
		return nil
	})
	g.Go(func() error {
		t.ragChunks = o.retrievePassages(gctx, user.ID, content, req.KBIDs)
		return nil
	})
	g.Go(func() error {
		loader := tools.NewCatalogueLoader(o.deps.Store, o.deps.MCPFactory)
		loader.Load(gctx, user.ID, t.registry)
		return nil
	})
	g.Go(func() error {
		var err error
		history, err = o.deps.Store.RecentMessages(gctx, conversation.ID, o.cfg.MaxContextMessages)
		if err != nil {
			o.logger.Warn("history load degraded to empty", "error", err)
			history = nil
		}
		return nil
	})
	_ = g.Wait()

	t.toolDefs = t.registry.ToolDefinitions(o.cfg.EnabledBuiltins)
	t.messages = o.buildMessages(t, history)

	if err := o.deps.Store.AppendMessage(ctx, &store.Message{
		ConversationID: conversation.ID,
		Role:           "user",
		Content:        req.Content,
	}); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	return t, nil
}

func (o *Orchestrator) resolveConversation(ctx context.Context, user *store.User, req Request) (*store.Conversation, error) {
	if req.ConversationID == "" {
		conversation := &store.Conversation{
			UserID:   user.ID,
			TenantID: user.TenantID,
			Model:    req.Model,
		}
		if err := o.deps.Store.CreateConversation(ctx, conversation); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		return conversation, nil
	}

	if _, err := uuid.Parse(req.ConversationID); err != nil {
		return nil, ErrInvalidConversation
	}

	conversation, err := o.deps.Store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conversation.UserID != user.ID {
		return nil, ErrConversationNotFound
	}
	return conversation, nil
}

func (o *Orchestrator) quotaGate(ctx context.Context, user *store.User, model string) error {
	if user.TenantID == "" {
		return nil
	}

	tenant, err := o.deps.Store.GetTenant(ctx, user.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if allowed := tenant.Config.AllowedModels; len(allowed) > 0 {
		found := false
		for _, m := range allowed {
			if m == model {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrModelNotAllowed, model)
		}
	}

	if o.deps.Guard == nil {
		return nil
	}
	if err := o.deps.Guard.Check(ctx, tenant.ID, tenant.Config.TokenQuota); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			observability.GetGlobalMetrics().RecordQuotaRejection(ctx, tenant.ID)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) retrievePassages(ctx context.Context, userID, query string, kbIDs []string) []rag.Chunk {
	if o.deps.Retriever == nil || len(kbIDs) == 0 {
		return nil
	}

	kbs, err := o.deps.Store.SearchableKnowledgeBases(ctx, userID, kbIDs)
	if err != nil {
		o.logger.Warn("knowledge-base resolution degraded to empty", "error", err)
		return nil
	}
	if len(kbs) == 0 {
		return nil
	}

	collections := make([]string, len(kbs))
	for i, id := range kbs {
		collections[i] = rag.CollectionName(id)
	}

	chunks, err := o.deps.Retriever.Retrieve(ctx, query, collections, o.cfg.RAGTopK)
	if err != nil {
		o.logger.Warn("passage retrieval degraded to empty", "error", err)
		return nil
	}
	return chunks
}

func (o *Orchestrator) buildMessages(t *Turn, history []store.Message) []llms.Message {
	system := o.cfg.SystemPrompt
	if block := memory.PromptBlock(t.memoryResult); block != "" {
		system += "\n\n" + block
	}
	if block := rag.PromptBlock(t.ragChunks); block != "" {
		system += "\n\n" + block
	}

	messages := make([]llms.Message, 0, len(history)+2)
	messages = append(messages, llms.Message{Role: "system", Content: system})
	for _, msg := range history {
		messages = append(messages, llms.Message{Role: msg.Role, Content: msg.Content})
	}
	return append(messages, llms.Message{Role: "user", Content: t.userContent})
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
