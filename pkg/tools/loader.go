package tools

import (
	"context"
	"log/slog"
)

// MCPCaller is the adapter surface the loader and dispatcher need.
type MCPCaller interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// MCPClientFactory builds a connected adapter for a server record.
type MCPClientFactory func(ctx context.Context, record MCPServerRecord) (MCPCaller, error)

// DefaultMCPClientFactory connects a real MCPClient.
func DefaultMCPClientFactory(ctx context.Context, record MCPServerRecord) (MCPCaller, error) {
	return NewMCPClient(ctx, record)
}

// CatalogueStore is the persistence surface behind the catalogue loader and
// the dispatcher.
type CatalogueStore interface {
	ListEnabledMCPServers(ctx context.Context, userID string) ([]MCPServerRecord, error)
	ListEnabledCustomTools(ctx context.Context, userID string) ([]CustomToolRecord, error)
	GetMCPServer(ctx context.Context, serverID, userID string) (*MCPServerRecord, error)
	GetCustomTool(ctx context.Context, toolID, userID string) (*CustomToolRecord, error)
	UpdateMCPToolsCache(ctx context.Context, serverID string, descriptors []Descriptor) error
}

// CatalogueLoader fills the user-scoped registry partitions per request.
type CatalogueLoader struct {
	store   CatalogueStore
	factory MCPClientFactory
}

// NewCatalogueLoader creates a loader. A nil factory uses the real adapter.
func NewCatalogueLoader(store CatalogueStore, factory MCPClientFactory) *CatalogueLoader {
	if factory == nil {
		factory = DefaultMCPClientFactory
	}
	return &CatalogueLoader{store: store, factory: factory}
}

// Load clears the user scope and loads the user's enabled remote-process and
// webhook tools. Failures degrade per server: the turn proceeds with
// whatever loaded.
func (l *CatalogueLoader) Load(ctx context.Context, userID string, reg *ToolRegistry) {
	reg.ClearUserTools()

	servers, err := l.store.ListEnabledMCPServers(ctx, userID)
	if err != nil {
		slog.Warn("failed to list MCP servers", "user", userID, "error", err)
	}
	for _, server := range servers {
		l.loadServer(ctx, server, reg)
	}

	customs, err := l.store.ListEnabledCustomTools(ctx, userID)
	if err != nil {
		slog.Warn("failed to list custom tools", "user", userID, "error", err)
	}
	for _, tool := range customs {
		reg.AddCustomTool(tool.ID, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
}

// loadServer registers a server's tools, preferring the cached descriptor
// list and refreshing the cache after a live discovery.
func (l *CatalogueLoader) loadServer(ctx context.Context, server MCPServerRecord, reg *ToolRegistry) {
	if len(server.ToolsCache) > 0 {
		reg.SetMCPTools(server.ID, server.ToolsCache)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	client, err := l.factory(ctx, server)
	if err != nil {
		slog.Warn("failed to connect MCP server", "server", server.ID, "error", err)
		return
	}
	defer client.Close()

	descriptors, err := client.ListTools(ctx)
	if err != nil {
		slog.Warn("failed to list MCP tools", "server", server.ID, "error", err)
		return
	}

	reg.SetMCPTools(server.ID, descriptors)

	if err := l.store.UpdateMCPToolsCache(ctx, server.ID, descriptors); err != nil {
		slog.Warn("failed to refresh tools cache", "server", server.ID, "error", err)
	}
}
