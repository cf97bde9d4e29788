package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/tools"
)

// The store is the catalogue backend for the per-request tool loader.
var _ tools.CatalogueStore = (*Store)(nil)

// CreateMCPServer registers a remote-process tool server for a user.
func (s *Store) CreateMCPServer(ctx context.Context, r *tools.MCPServerRecord) error {
	if r == nil {
		return fmt.Errorf("server record is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	args, err := marshalNullable(r.Args)
	if err != nil {
		return err
	}
	env, err := marshalNullable(r.Env)
	if err != nil {
		return err
	}
	headers, err := marshalNullable(r.Headers)
	if err != nil {
		return err
	}
	cache, err := marshalNullable(r.ToolsCache)
	if err != nil {
		return err
	}

	query := s.bind(`
INSERT INTO mcp_servers (id, user_id, name, transport, command, args_json, env_json, headers_json, enabled, tools_cache)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.Name, r.Transport, r.Command, args, env, headers,
		r.Enabled, cache)
	if err != nil {
		return fmt.Errorf("failed to insert mcp server: %w", err)
	}
	return nil
}

// ListEnabledMCPServers returns the user's enabled server registrations.
func (s *Store) ListEnabledMCPServers(ctx context.Context, userID string) ([]tools.MCPServerRecord, error) {
	query := s.bind(mcpServerColumns + `
FROM mcp_servers WHERE user_id = ? AND enabled = ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []tools.MCPServerRecord
	for rows.Next() {
		r, err := scanMCPServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetMCPServer loads one server registration, scoped to its owner.
func (s *Store) GetMCPServer(ctx context.Context, serverID, userID string) (*tools.MCPServerRecord, error) {
	query := s.bind(mcpServerColumns + `
FROM mcp_servers WHERE id = ? AND user_id = ?`)

	row := s.db.QueryRowContext(ctx, query, serverID, userID)
	r, err := scanMCPServer(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateMCPToolsCache replaces the cached tool listing of a server.
func (s *Store) UpdateMCPToolsCache(ctx context.Context, serverID string, descriptors []tools.Descriptor) error {
	cache, err := marshalNullable(descriptors)
	if err != nil {
		return err
	}

	query := s.bind(`UPDATE mcp_servers SET tools_cache = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, cache, serverID); err != nil {
		return fmt.Errorf("failed to update tools cache: %w", err)
	}
	return nil
}

const mcpServerColumns = `
SELECT id, user_id, name, transport, command, args_json, env_json, headers_json, enabled, tools_cache`

func scanMCPServer(scan func(...interface{}) error) (*tools.MCPServerRecord, error) {
	var r tools.MCPServerRecord
	var args, env, headers, cache sql.NullString
	err := scan(&r.ID, &r.UserID, &r.Name, &r.Transport, &r.Command,
		&args, &env, &headers, &r.Enabled, &cache)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan mcp server: %w", err)
	}

	if err := unmarshalNullable(args, &r.Args); err != nil {
		return nil, fmt.Errorf("failed to decode server args: %w", err)
	}
	if err := unmarshalNullable(env, &r.Env); err != nil {
		return nil, fmt.Errorf("failed to decode server env: %w", err)
	}
	if err := unmarshalNullable(headers, &r.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode server headers: %w", err)
	}
	if err := unmarshalNullable(cache, &r.ToolsCache); err != nil {
		return nil, fmt.Errorf("failed to decode tools cache: %w", err)
	}
	return &r, nil
}

// CreateCustomTool registers an HTTP-webhook tool for a user.
func (s *Store) CreateCustomTool(ctx context.Context, r *tools.CustomToolRecord) error {
	if r == nil {
		return fmt.Errorf("tool record is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	params, err := marshalNullable(r.Parameters)
	if err != nil {
		return err
	}
	headers, err := marshalNullable(r.Headers)
	if err != nil {
		return err
	}

	query := s.bind(`
INSERT INTO custom_tools (id, user_id, name, description, parameters_json, http_url, method, headers_json, body_template, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.UserID, r.Name, nullString(r.Description), params,
		r.HTTPURL, r.Method, headers, nullString(r.BodyTemplate), r.Enabled)
	if err != nil {
		return fmt.Errorf("failed to insert custom tool: %w", err)
	}
	return nil
}

// ListEnabledCustomTools returns the user's enabled webhook tools.
func (s *Store) ListEnabledCustomTools(ctx context.Context, userID string) ([]tools.CustomToolRecord, error) {
	query := s.bind(customToolColumns + `
FROM custom_tools WHERE user_id = ? AND enabled = ?`)

	rows, err := s.db.QueryContext(ctx, query, userID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom tools: %w", err)
	}
	defer rows.Close()

	var out []tools.CustomToolRecord
	for rows.Next() {
		r, err := scanCustomTool(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetCustomTool loads one webhook tool, scoped to its owner.
func (s *Store) GetCustomTool(ctx context.Context, toolID, userID string) (*tools.CustomToolRecord, error) {
	query := s.bind(customToolColumns + `
FROM custom_tools WHERE id = ? AND user_id = ?`)

	row := s.db.QueryRowContext(ctx, query, toolID, userID)
	r, err := scanCustomTool(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

const customToolColumns = `
SELECT id, user_id, name, description, parameters_json, http_url, method, headers_json, body_template, enabled`

func scanCustomTool(scan func(...interface{}) error) (*tools.CustomToolRecord, error) {
	var r tools.CustomToolRecord
	var description, params, headers, bodyTemplate sql.NullString
	err := scan(&r.ID, &r.UserID, &r.Name, &description, &params,
		&r.HTTPURL, &r.Method, &headers, &bodyTemplate, &r.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan custom tool: %w", err)
	}
	r.Description = description.String
	r.BodyTemplate = bodyTemplate.String

	if err := unmarshalNullable(params, &r.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode tool parameters: %w", err)
	}
	if err := unmarshalNullable(headers, &r.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode tool headers: %w", err)
	}
	return &r, nil
}
