package store

import (
	"time"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
)

// DefaultConversationTitle is assigned until the first user message names the
// conversation.
const DefaultConversationTitle = "New Chat"

// User is an authenticated account, optionally attached to a tenant.
type User struct {
	ID        string
	TenantID  string
	Username  string
	APIToken  string
	CreatedAt time.Time
}

// TenantConfig is the JSON-encoded per-tenant policy blob.
type TenantConfig struct {
	// TokenQuota is the monthly token budget. Zero means unlimited.
	TokenQuota int64 `json:"token_quota"`
	// AllowedModels restricts which models the tenant may call. Empty means
	// any configured model.
	AllowedModels []string `json:"allowed_models"`
}

// Tenant groups users under a shared quota and model policy.
type Tenant struct {
	ID     string
	Name   string
	Config TenantConfig
}

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        string
	UserID    string
	TenantID  string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCallMeta records one tool invocation inside an assistant turn.
type ToolCallMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MessageMetadata is the JSON sidecar persisted with assistant messages.
type MessageMetadata struct {
	ToolCalls  []ToolCallMeta `json:"tool_calls,omitempty"`
	Memories   interface{}    `json:"memories,omitempty"`
	RAGSources interface{}    `json:"rag_sources,omitempty"`
}

// Message is one turn in a conversation. Seq is assigned on insert and is
// strictly increasing per conversation.
type Message struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	ReasoningContent string
	Usage            *llms.Usage
	Metadata         *MessageMetadata
	Seq              int64
	CreatedAt        time.Time
}

// UsageRecord is one billed LLM exchange.
type UsageRecord struct {
	ID             string
	UserID         string
	TenantID       string
	ConversationID string
	Model          string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	Cost           float64
	TriggerType    string
	CreatedAt      time.Time
}
