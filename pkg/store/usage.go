package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertUsageRecord appends one billed exchange to the ledger.
func (s *Store) InsertUsageRecord(ctx context.Context, r *UsageRecord) error {
	if r == nil {
		return fmt.Errorf("usage record is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query := s.bind(`
INSERT INTO usage_records (id, user_id, tenant_id, conversation_id, model, input_tokens, output_tokens, total_tokens, cost, trigger_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.UserID, nullString(r.TenantID), nullString(r.ConversationID),
		r.Model, r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost,
		r.TriggerType, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// ListUsageRecords returns a user's ledger entries, newest first.
func (s *Store) ListUsageRecords(ctx context.Context, userID string) ([]UsageRecord, error) {
	query := s.bind(`
SELECT id, user_id, tenant_id, conversation_id, model, input_tokens, output_tokens, total_tokens, cost, trigger_type, created_at
FROM usage_records WHERE user_id = ?
ORDER BY created_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var tenantID, conversationID sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &tenantID, &conversationID,
			&r.Model, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.Cost, &r.TriggerType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.TenantID = tenantID.String
		r.ConversationID = conversationID.String
		out = append(out, r)
	}
	return out, rows.Err()
}
