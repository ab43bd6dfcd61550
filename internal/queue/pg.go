package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is the retry budget per job. The third failure of an
	// outbound send parks the job; there is never a fourth attempt.
	DefaultMaxAttempts = 3

	// retryBaseDelay seeds the exponential backoff (base, 2·base, 4·base…).
	retryBaseDelay = 30 * time.Second
)

// PGQueue implements Queue on a Postgres jobs table. Inbound and outbound
// queues are two instances over tables with identical schema.
type PGQueue struct {
	db          *sql.DB
	table       string
	maxAttempts int
	baseDelay   time.Duration
}

// Option tweaks a PGQueue.
type Option func(*PGQueue)

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(q *PGQueue) { q.maxAttempts = n }
}

// WithBaseDelay overrides the backoff base delay.
func WithBaseDelay(d time.Duration) Option {
	return func(q *PGQueue) { q.baseDelay = d }
}

// NewPGQueue creates a queue over the named jobs table. The table name comes
// from our own constants, never from input.
func NewPGQueue(db *sql.DB, table string, opts ...Option) *PGQueue {
	q := &PGQueue{
		db:          db,
		table:       table,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   retryBaseDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a job. A non-empty dedupeKey that already exists makes this
// a no-op returning ErrDuplicate, which is how a redelivered webhook becomes
// harmless.
func (q *PGQueue) Enqueue(ctx context.Context, dedupeKey string, payload any, correlationID string) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal job payload: %w", err)
	}

	id := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO `+q.table+` (id, dedupe_key, correlation_id, payload, attempts,
		                          max_attempts, next_attempt_at, status, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, 0, $5, $6, $7, $6, $6)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id, dedupeKey, correlationID, body, q.maxAttempts, now, StatusQueued)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", q.table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", q.table, err)
	}
	if n == 0 {
		return uuid.Nil, ErrDuplicate
	}
	return id, nil
}

// Claim marks up to n due jobs as claimed and returns them. SKIP LOCKED keeps
// concurrent workers (and instances) from claiming the same row.
func (q *PGQueue) Claim(ctx context.Context, n int) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`WITH due AS (
		     SELECT id FROM `+q.table+`
		     WHERE status = $1 AND next_attempt_at <= now()
		     ORDER BY next_attempt_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE `+q.table+` j
		 SET status = $3, claimed_at = now(), updated_at = now()
		 FROM due WHERE j.id = due.id
		 RETURNING j.id, COALESCE(j.dedupe_key, ''), j.correlation_id, j.payload,
		           j.attempts, j.max_attempts, j.next_attempt_at, j.status,
		           COALESCE(j.last_error, ''), j.claimed_at, j.created_at, j.updated_at`,
		StatusQueued, n, StatusClaimed)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", q.table, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var claimed sql.NullTime
		if err := rows.Scan(&j.ID, &j.DedupeKey, &j.CorrelationID, &j.Payload,
			&j.Attempts, &j.MaxAttempts, &j.NextAttemptAt, &j.Status,
			&j.LastError, &claimed, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("claim scan %s: %w", q.table, err)
		}
		if claimed.Valid {
			t := claimed.Time
			j.ClaimedAt = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *PGQueue) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+` SET status = $2, claimed_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id, StatusDone)
	if err != nil {
		return fmt.Errorf("ack %s: %w", q.table, err)
	}
	return nil
}

// Fail records the error and either schedules the next attempt with
// exponential backoff (±20% jitter so retries don't stampede) or moves the
// job to the dead set.
func (q *PGQueue) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+`
		 SET attempts = attempts + 1,
		     last_error = $2,
		     claimed_at = NULL,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE $4 END,
		     next_attempt_at = now() + make_interval(secs => $5 * power(2, attempts) * (0.8 + random() * 0.4)),
		     updated_at = now()
		 WHERE id = $1`,
		id, reason, StatusDead, StatusQueued, q.baseDelay.Seconds())
	if err != nil {
		return fmt.Errorf("fail %s: %w", q.table, err)
	}
	return nil
}

// FailPermanent moves the job straight to the dead set. Used for failures
// redelivery cannot fix (unparseable payloads, permanent provider rejections).
func (q *PGQueue) FailPermanent(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+`
		 SET attempts = attempts + 1,
		     last_error = $2,
		     claimed_at = NULL,
		     status = $3,
		     updated_at = now()
		 WHERE id = $1`,
		id, reason, StatusDead)
	if err != nil {
		return fmt.Errorf("fail permanent %s: %w", q.table, err)
	}
	return nil
}

// RequeueStale returns claimed jobs whose worker died back to the queue.
// Attempts are not incremented; the crash wasn't the job's fault.
func (q *PGQueue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+q.table+`
		 SET status = $2, claimed_at = NULL, updated_at = now()
		 WHERE status = $3 AND claimed_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(), StatusQueued, StatusClaimed)
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s: %w", q.table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *PGQueue) DeadCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+q.table+` WHERE status = $1`, StatusDead).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dead count %s: %w", q.table, err)
	}
	return n, nil
}
