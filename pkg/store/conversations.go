package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation inserts a conversation, defaulting the ID, title and
// timestamps when absent.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c == nil {
		return fmt.Errorf("conversation is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = DefaultConversationTitle
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	query := s.bind(`
INSERT INTO conversations (id, user_id, tenant_id, title, model, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.UserID, nullString(c.TenantID), c.Title, nullString(c.Model),
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by ID. Ownership checks belong to the
// caller, which knows whether a foreign row is a 404 or a policy violation.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := s.bind(`
SELECT id, user_id, tenant_id, title, model, created_at, updated_at
FROM conversations WHERE id = ?`)

	var c Conversation
	var tenantID, model sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.UserID, &tenantID, &c.Title, &model, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.TenantID = tenantID.String
	c.Model = model.String
	return &c, nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	query := s.bind(`
SELECT id, user_id, tenant_id, title, model, created_at, updated_at
FROM conversations WHERE user_id = ?
ORDER BY updated_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var tenantID, model sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &tenantID, &c.Title, &model,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.TenantID = tenantID.String
		c.Model = model.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationTitle renames a conversation and bumps its activity
// timestamp.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	query := s.bind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, title, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	return nil
}

// TouchConversation bumps the activity timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	query := s.bind(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages. The user filter
// keeps one user from deleting another's thread.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var result sql.Result
	result, err = tx.ExecContext(ctx,
		s.bind(`DELETE FROM conversations WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		err = ErrNotFound
		return err
	}

	if _, err = tx.ExecContext(ctx,
		s.bind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
