package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// PGAlertStore appends system alerts. Insert-only.
type PGAlertStore struct {
	db *sql.DB
}

func NewPGAlertStore(db *sql.DB) *PGAlertStore {
	return &PGAlertStore{db: db}
}

func (s *PGAlertStore) Insert(ctx context.Context, a *store.SystemAlert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV7())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_alerts (id, category, severity, tenant_id, correlation_id, message, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		a.ID, a.Category, a.Severity, a.TenantID, a.CorrelationID, a.Message, a.CreatedAt)
	if err != nil {
		return &store.StorageError{Op: "alert insert", Err: err}
	}
	return nil
}
