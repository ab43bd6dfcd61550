package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

// Insert persists one message. A replayed inbound message (same tenant and
// provider id) hits the partial unique index and inserts nothing.
func (s *PGMessageStore) Insert(ctx context.Context, m *store.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, lead_id, direction, body, status,
		                       provider_message_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		 ON CONFLICT DO NOTHING`,
		m.ID, m.TenantID, m.LeadID, m.Direction, m.Body, m.Status,
		m.ProviderMessageID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return &store.StorageError{Op: "message insert", Err: err}
	}
	return nil
}

// UpdateStatusByProviderID applies a delivery receipt. Statuses only move
// forward (sent < delivered < read); a late "delivered" after a "read" is a
// no-op, which keeps out-of-order webhook deliveries commutative. "failed" is
// always applied.
func (s *PGMessageStore) UpdateStatusByProviderID(ctx context.Context, tenantID, providerMessageID string, status store.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $3, updated_at = now()
		 WHERE tenant_id = $1 AND provider_message_id = $2
		   AND (status_rank($3) > status_rank(status) OR $3 = 'failed')`,
		tenantID, providerMessageID, status)
	if err != nil {
		return false, &store.StorageError{Op: "message status", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &store.StorageError{Op: "message status", Err: err}
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "unknown id" from "already further along".
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE tenant_id = $1 AND provider_message_id = $2)`,
		tenantID, providerMessageID).Scan(&exists)
	if err != nil {
		return false, &store.StorageError{Op: "message status", Err: err}
	}
	return exists, nil
}

func (s *PGMessageStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, provider_message_id = $3, updated_at = now()
		 WHERE id = $1`,
		id, store.MessageSent, providerMessageID)
	if err != nil {
		return &store.StorageError{Op: "message sent", Err: err}
	}
	return nil
}

func (s *PGMessageStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1`,
		id, store.MessageFailed, reason)
	if err != nil {
		return &store.StorageError{Op: "message failed", Err: err}
	}
	return nil
}
