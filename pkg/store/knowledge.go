package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeBase is a user-owned document collection backed by one vector
// collection.
type KnowledgeBase struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// Document is one uploaded file of a knowledge base. Only "ready" documents
// are searchable.
type Document struct {
	ID        string
	KBID      string
	Filename  string
	Status    string
	CreatedAt time.Time
}

// CreateKnowledgeBase inserts a knowledge base.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if kb == nil {
		return fmt.Errorf("knowledge base is required")
	}
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	if kb.CreatedAt.IsZero() {
		kb.CreatedAt = time.Now().UTC()
	}

	query := s.bind(`
INSERT INTO knowledge_bases (id, user_id, name, created_at)
VALUES (?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, kb.ID, kb.UserID, kb.Name, kb.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

// CreateDocument inserts a document row.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if d == nil {
		return fmt.Errorf("document is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := s.bind(`
INSERT INTO documents (id, kb_id, filename, status, created_at)
VALUES (?, ?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, d.ID, d.KBID, nullString(d.Filename), d.Status, d.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// SearchableKnowledgeBases filters the requested knowledge-base ids down to
// those the user owns that hold at least one ready document. Input order is
// preserved; unknown and foreign ids are silently dropped.
func (s *Store) SearchableKnowledgeBases(ctx context.Context, userID string, kbIDs []string) ([]string, error) {
	var out []string
	query := s.bind(`
SELECT COUNT(1) FROM knowledge_bases kb
JOIN documents d ON d.kb_id = kb.id
WHERE kb.id = ? AND kb.user_id = ? AND d.status = 'ready'`)

	for _, id := range kbIDs {
		var ready int
		if err := s.db.QueryRowContext(ctx, query, id, userID).Scan(&ready); err != nil {
			return nil, fmt.Errorf("failed to check knowledge base %s: %w", id, err)
		}
		if ready > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}
