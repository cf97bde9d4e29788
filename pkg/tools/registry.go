package tools

import (
	"sync"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
)

// BuiltinSet is the process-wide builtin partition. It is read-mostly and
// shared across all request registries.
type BuiltinSet struct {
	mu    sync.RWMutex
	tools map[string]*BuiltinTool
	order []string
}

// NewBuiltinSet creates an empty builtin set.
func NewBuiltinSet() *BuiltinSet {
	return &BuiltinSet{tools: make(map[string]*BuiltinTool)}
}

// Register adds a builtin. Re-registering a name replaces it in place.
func (s *BuiltinSet) Register(t *BuiltinTool) error {
	if t.Name == "" {
		return NewToolError("builtins", "register", "tool name cannot be empty", nil)
	}
	if t.Fn == nil && t.CtxFn == nil {
		return NewToolError("builtins", "register", "tool function cannot be nil", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[t.Name]; !ok {
		s.order = append(s.order, t.Name)
	}
	s.tools[t.Name] = t
	return nil
}

// Get looks up a builtin by name.
func (s *BuiltinSet) Get(name string) (*BuiltinTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// List returns builtins in registration order.
func (s *BuiltinSet) List() []*BuiltinTool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BuiltinTool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// ToolRegistry is the per-request catalogue: the shared builtin partition
// plus user-scoped remote-process and webhook partitions.
type ToolRegistry struct {
	builtins *BuiltinSet

	mu sync.RWMutex
	// mcpTools maps server id to the descriptors listed from that server.
	mcpTools map[string][]Descriptor
	// customTools maps tool name to its webhook descriptor.
	customTools map[string]Descriptor
	// customOrder preserves registration order for schema rendering.
	customOrder []string
	// mcpOrder preserves server registration order.
	mcpOrder []string
}

// NewToolRegistry creates a registry over the shared builtin partition.
func NewToolRegistry(builtins *BuiltinSet) *ToolRegistry {
	if builtins == nil {
		builtins = NewBuiltinSet()
	}
	return &ToolRegistry{
		builtins:    builtins,
		mcpTools:    make(map[string][]Descriptor),
		customTools: make(map[string]Descriptor),
	}
}

// Builtins exposes the shared builtin partition.
func (r *ToolRegistry) Builtins() *BuiltinSet {
	return r.builtins
}

// SetMCPTools atomically replaces the descriptor set for a server id.
func (r *ToolRegistry) SetMCPTools(serverID string, descriptors []Descriptor) {
	tagged := make([]Descriptor, len(descriptors))
	for i, d := range descriptors {
		d.Source = SourceMCPPrefix + serverID
		tagged[i] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mcpTools[serverID]; !ok {
		r.mcpOrder = append(r.mcpOrder, serverID)
	}
	r.mcpTools[serverID] = tagged
}

// AddCustomTool registers a webhook tool descriptor.
func (r *ToolRegistry) AddCustomTool(toolID string, d Descriptor) {
	d.Source = SourceCustomPrefix + toolID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.customTools[d.Name]; !ok {
		r.customOrder = append(r.customOrder, d.Name)
	}
	r.customTools[d.Name] = d
}

// ClearUserTools removes all remote-process and webhook descriptors without
// touching builtins.
func (r *ToolRegistry) ClearUserTools() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mcpTools = make(map[string][]Descriptor)
	r.customTools = make(map[string]Descriptor)
	r.mcpOrder = nil
	r.customOrder = nil
}

// Origin resolves a tool name to its source tag. Collisions resolve as
// builtin > remote-process > webhook.
func (r *ToolRegistry) Origin(name string) (string, bool) {
	if _, ok := r.builtins.Get(name); ok {
		return SourceBuiltin, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, serverID := range r.mcpOrder {
		for _, d := range r.mcpTools[serverID] {
			if d.Name == name {
				return d.Source, true
			}
		}
	}
	if d, ok := r.customTools[name]; ok {
		return d.Source, true
	}
	return "", false
}

// Descriptors returns the active set: builtins (optionally filtered by the
// enabled allowlist), then remote-process tools, then webhook tools.
func (r *ToolRegistry) Descriptors(enabledBuiltins []string) []Descriptor {
	var allowed map[string]bool
	if len(enabledBuiltins) > 0 {
		allowed = make(map[string]bool, len(enabledBuiltins))
		for _, name := range enabledBuiltins {
			allowed[name] = true
		}
	}

	var out []Descriptor
	for _, t := range r.builtins.List() {
		if allowed != nil && !allowed[t.Name] {
			continue
		}
		out = append(out, t.Descriptor())
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, serverID := range r.mcpOrder {
		out = append(out, r.mcpTools[serverID]...)
	}
	for _, name := range r.customOrder {
		out = append(out, r.customTools[name])
	}
	return out
}

// ToolDefinitions renders the active set to the LLM function-calling schema.
func (r *ToolRegistry) ToolDefinitions(enabledBuiltins []string) []llms.ToolDefinition {
	descriptors := r.Descriptors(enabledBuiltins)
	defs := make([]llms.ToolDefinition, 0, len(descriptors))
	for _, d := range descriptors {
		params := d.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return defs
}
