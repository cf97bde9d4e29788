package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant with its policy blob.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	config, err := marshalNullable(t.Config)
	if err != nil {
		return err
	}

	query := s.bind(`INSERT INTO tenants (id, name, config) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, t.ID, t.Name, config); err != nil {
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

// GetTenant loads a tenant and decodes its policy.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := s.bind(`SELECT id, name, config FROM tenants WHERE id = ?`)

	var t Tenant
	var config sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	if err := unmarshalNullable(config, &t.Config); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}
	return &t, nil
}
