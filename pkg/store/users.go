package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a user, assigning an ID and timestamp when absent.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	query := s.bind(`
INSERT INTO users (id, tenant_id, username, api_token, created_at)
VALUES (?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		u.ID, nullString(u.TenantID), u.Username, u.APIToken, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser looks a user up by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	query := s.bind(`
SELECT id, tenant_id, username, api_token, created_at
FROM users WHERE id = ?`)

	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

// GetUserByToken resolves the bearer token presented on a request.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*User, error) {
	query := s.bind(`
SELECT id, tenant_id, username, api_token, created_at
FROM users WHERE api_token = ?`)

	return s.scanUser(s.db.QueryRowContext(ctx, query, token))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var tenantID sql.NullString
	err := row.Scan(&u.ID, &tenantID, &u.Username, &u.APIToken, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.TenantID = tenantID.String
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
