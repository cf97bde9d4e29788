// Package tools implements the tool catalogue: a three-partition registry
// (built-in, remote-process, HTTP-webhook), the JSON-RPC remote-tool adapter,
// the webhook executor and the per-request dispatcher.
package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Source tags identifying the dispatch backend of a descriptor.
const (
	SourceBuiltin      = "builtin"
	SourceMCPPrefix    = "mcp:"
	SourceCustomPrefix = "custom:"
)

// Default timeouts for remote dispatch.
const (
	DiscoveryTimeout = 15 * time.Second
	CallTimeout      = 30 * time.Second
)

// Descriptor describes one callable tool exposed to the LLM.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	// Source is "builtin", "mcp:{server_id}" or "custom:{tool_id}".
	Source string `json:"source"`
}

// ExecContext carries the caller identity and shared handles into
// context-aware builtins.
type ExecContext struct {
	UserID   string
	TenantID string
	DB       *sql.DB
	// Dialect is the SQL dialect of DB: "postgres", "mysql" or "sqlite3".
	Dialect string
}

// Result is the outcome of one tool dispatch.
type Result struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BuiltinFunc is the simple builtin signature.
type BuiltinFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// BuiltinCtxFunc is the context-aware builtin signature.
type BuiltinCtxFunc func(ctx context.Context, args map[string]interface{}, ec *ExecContext) (string, error)

// BuiltinTool is one process-wide builtin.
type BuiltinTool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Fn          BuiltinFunc
	CtxFn       BuiltinCtxFunc
}

// Descriptor renders the builtin as a catalogue descriptor.
func (t *BuiltinTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Source:      SourceBuiltin,
	}
}

// Execute runs the builtin with whichever signature it registered.
func (t *BuiltinTool) Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (string, error) {
	if t.CtxFn != nil {
		return t.CtxFn(ctx, args, ec)
	}
	return t.Fn(ctx, args)
}

// MCPServerRecord is a user-owned remote-process server registration.
type MCPServerRecord struct {
	ID     string
	UserID string
	Name   string
	// Transport is "stdio", "http" or "sse".
	Transport string
	// Command holds the command line for stdio, or the endpoint URL otherwise.
	Command string
	Args    []string
	Env     map[string]string
	Headers map[string]string
	Enabled bool
	// ToolsCache holds descriptors from the last successful listing.
	ToolsCache []Descriptor
}

// CustomToolRecord is a user-owned HTTP-webhook tool registration.
type CustomToolRecord struct {
	ID           string
	UserID       string
	Name         string
	Description  string
	Parameters   map[string]interface{}
	HTTPURL      string
	Method       string
	Headers      map[string]string
	BodyTemplate string
	Enabled      bool
}

// ParseArguments parses an accumulated arguments JSON text. Malformed
// arguments yield an empty object so the failure surfaces from the tool, not
// the parser.
func ParseArguments(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}
