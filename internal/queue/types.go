// Package queue provides the durable, at-least-once job queues between the
// webhook ingress and the workers. Jobs live in Postgres so any worker
// instance can claim them; a crashed worker leaves a claimed row behind for
// the janitor to requeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/event"
)

// ErrDuplicate reports that a job with the same dedupe key already exists.
var ErrDuplicate = errors.New("duplicate job")

// Status is the queue lifecycle of one job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusDead    Status = "dead" // retry budget exhausted, awaiting triage
)

// Job is one queue envelope. Identity is the queue-assigned id; DedupeKey is
// the idempotency key (the event's external id for inbound jobs).
type Job struct {
	ID            uuid.UUID
	DedupeKey     string
	CorrelationID string
	Payload       json.RawMessage
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        Status
	LastError     string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InboundJob wraps a normalized event for the inbound queue.
type InboundJob struct {
	Event         event.StandardMessageEvent `json:"event"`
	CorrelationID string                     `json:"correlation_id"`
}

// OutboundKind selects the provider send operation.
type OutboundKind string

const (
	OutboundText     OutboundKind = "text"
	OutboundTemplate OutboundKind = "template"
)

// OutboundJob is one send request for the outbound queue. MessageID points at
// the persisted Message record whose status the worker writes back.
type OutboundJob struct {
	TenantID         string       `json:"tenant_id"`
	CampaignID       string       `json:"campaign_id,omitempty"`
	PhoneNumber      string       `json:"phone_number"`
	Kind             OutboundKind `json:"kind"`
	Body             string       `json:"body,omitempty"`
	TemplateName     string       `json:"template_name,omitempty"`
	TemplateLanguage string       `json:"template_language,omitempty"`
	MessageID        uuid.UUID    `json:"message_id,omitempty"`
	LeadID           uuid.UUID    `json:"lead_id,omitempty"`
	CorrelationID    string       `json:"correlation_id"`
}

// Queue is the durable job queue contract. Enqueue is idempotent on the
// dedupe key; Fail schedules a bounded exponential retry and parks the job in
// the dead set once the budget is spent.
type Queue interface {
	Enqueue(ctx context.Context, dedupeKey string, payload any, correlationID string) (uuid.UUID, error)
	Claim(ctx context.Context, n int) ([]Job, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	// FailPermanent dead-sets the job immediately, skipping any remaining
	// retry budget. For failures no redelivery can fix.
	FailPermanent(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	DeadCount(ctx context.Context) (int, error)
}
