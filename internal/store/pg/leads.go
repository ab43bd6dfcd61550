package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// PGLeadStore implements store.LeadStore backed by Postgres.
type PGLeadStore struct {
	db *sql.DB
}

func NewPGLeadStore(db *sql.DB) *PGLeadStore {
	return &PGLeadStore{db: db}
}

const leadColumns = `id, tenant_id, phone_number, name, status, state,
	ai_enabled, processing_ai, unanswered_count, last_inbound_at,
	created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*store.Lead, error) {
	var l store.Lead
	var lastInbound sql.NullTime
	err := row.Scan(
		&l.ID, &l.TenantID, &l.PhoneNumber, &l.Name, &l.Status, &l.State,
		&l.AIEnabled, &l.ProcessingAI, &l.UnansweredCount, &lastInbound,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastInbound.Valid {
		t := lastInbound.Time
		l.LastInboundAt = &t
	}
	return &l, nil
}

func (s *PGLeadStore) GetByPhone(ctx context.Context, tenantID, phone string) (*store.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = $1 AND phone_number = $2`,
		tenantID, phone)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "lead get", Err: err}
	}
	return l, nil
}

func (s *PGLeadStore) GetOrCreate(ctx context.Context, tenantID, phone string) (*store.Lead, error) {
	now := time.Now().UTC()
	// ON CONFLICT DO NOTHING + reselect keeps the call safe under concurrent
	// inbound workers handling the same new contact.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, tenant_id, phone_number, status, state, ai_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		 ON CONFLICT (tenant_id, phone_number) DO NOTHING`,
		uuid.Must(uuid.NewV7()), tenantID, phone, store.LeadActive, store.StateCold, now)
	if err != nil {
		return nil, &store.StorageError{Op: "lead create", Err: err}
	}
	return s.GetByPhone(ctx, tenantID, phone)
}

func (s *PGLeadStore) UpdateState(ctx context.Context, id uuid.UUID, state store.LeadState) error {
	return s.exec(ctx, "lead state",
		`UPDATE leads SET state = $2, updated_at = now() WHERE id = $1`, id, state)
}

func (s *PGLeadStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.LeadStatus) error {
	return s.exec(ctx, "lead status",
		`UPDATE leads SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

// TryAcquireProcessing is the single cross-worker lock in the system. The
// conditional UPDATE is the compare-and-set; RowsAffected==0 means another
// worker (possibly on another instance) holds the flag.
func (s *PGLeadStore) TryAcquireProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET processing_ai = TRUE, updated_at = now()
		 WHERE id = $1 AND processing_ai = FALSE`, id)
	if err != nil {
		return false, &store.StorageError{Op: "lead acquire", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &store.StorageError{Op: "lead acquire", Err: err}
	}
	return n == 1, nil
}

func (s *PGLeadStore) ReleaseProcessing(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "lead release",
		`UPDATE leads SET processing_ai = FALSE, updated_at = now() WHERE id = $1`, id)
}

func (s *PGLeadStore) IncrementUnanswered(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "lead unanswered++",
		`UPDATE leads SET unanswered_count = unanswered_count + 1, updated_at = now() WHERE id = $1`, id)
}

func (s *PGLeadStore) ResetUnanswered(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "lead unanswered reset",
		`UPDATE leads SET unanswered_count = 0, updated_at = now() WHERE id = $1`, id)
}

func (s *PGLeadStore) TouchInbound(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.exec(ctx, "lead touch",
		`UPDATE leads SET last_inbound_at = $2, updated_at = now() WHERE id = $1`, id, at.UTC())
}

func (s *PGLeadStore) ListRecoveryDue(ctx context.Context, limit int) ([]store.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.tenant_id, l.phone_number, l.name, l.status, l.state,
		        l.ai_enabled, l.processing_ai, l.unanswered_count, l.last_inbound_at,
		        l.created_at, l.updated_at
		 FROM leads l
		 JOIN tenant_configs c ON c.tenant_id = l.tenant_id
		 WHERE l.status = $1
		   AND l.ai_enabled
		   AND NOT l.processing_ai
		   AND l.state = $2
		   AND c.recovery_timeout_minutes > 0
		   AND l.last_inbound_at IS NOT NULL
		   AND l.last_inbound_at < now() - make_interval(mins => c.recovery_timeout_minutes)
		   AND l.updated_at < now() - make_interval(mins => c.recovery_timeout_minutes)
		 ORDER BY l.last_inbound_at ASC
		 LIMIT $3`,
		store.LeadActive, store.StateNurturing, limit)
	if err != nil {
		return nil, &store.StorageError{Op: "lead recovery list", Err: err}
	}
	defer rows.Close()

	var out []store.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "lead recovery scan", Err: err}
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PGLeadStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &store.StorageError{Op: op, Err: err}
	}
	return nil
}
