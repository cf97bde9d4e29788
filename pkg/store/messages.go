package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
)

// AppendMessage inserts a message at the next sequence number of its
// conversation. The assigned sequence is written back into m.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m == nil {
		return fmt.Errorf("message is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	usage, err := marshalNullable(m.Usage)
	if err != nil {
		return err
	}
	metadata, err := marshalNullable(m.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	seqQuery := s.bind(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`)
	if err = tx.QueryRowContext(ctx, seqQuery, m.ConversationID).Scan(&m.Seq); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}
	m.Seq++

	insertQuery := s.bind(`
INSERT INTO messages (id, conversation_id, role, content, reasoning_content, usage_json, metadata_json, seq, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, insertQuery,
		m.ID, m.ConversationID, m.Role, m.Content, nullString(m.ReasoningContent),
		usage, metadata, m.Seq, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListMessages returns every message of a conversation in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	query := s.bind(messageColumns + `
FROM messages WHERE conversation_id = ?
ORDER BY seq ASC`)

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in chronological order, the
// shape the LLM context window wants.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := s.bind(messageColumns + `
FROM messages WHERE conversation_id = ?
ORDER BY seq DESC LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// The query walks newest-first; flip back to chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

const messageColumns = `
SELECT id, conversation_id, role, content, reasoning_content, usage_json, metadata_json, seq, created_at`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var reasoning, usage, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&reasoning, &usage, &metadata, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ReasoningContent = reasoning.String

		if usage.Valid {
			m.Usage = &llms.Usage{}
			if err := unmarshalNullable(usage, m.Usage); err != nil {
				return nil, fmt.Errorf("failed to decode message usage: %w", err)
			}
		}
		if metadata.Valid {
			m.Metadata = &MessageMetadata{}
			if err := unmarshalNullable(metadata, m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
