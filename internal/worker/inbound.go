// Package worker contains the queue consumers: the inbound worker feeding
// the buffer, the outbound worker driving provider sends, and the janitor
// that sweeps up after crashes and quiet leads.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/leadpulse/leadpulse/internal/buffer"
	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/queue"
	"github.com/leadpulse/leadpulse/internal/resilience"
	"github.com/leadpulse/leadpulse/internal/store"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	claimBatchSize      = 10
)

// Inbound consumes the inbound queue: message events go to the debounce
// buffer, status events update message delivery state directly.
type Inbound struct {
	queue       queue.Queue
	stores      *store.Stores
	buf         *buffer.Buffer
	runner      *resilience.Runner
	concurrency int
	poll        time.Duration
	tracer      trace.Tracer
}

func NewInbound(q queue.Queue, stores *store.Stores, buf *buffer.Buffer, runner *resilience.Runner, concurrency int) *Inbound {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Inbound{
		queue:       q,
		stores:      stores,
		buf:         buf,
		runner:      runner,
		concurrency: concurrency,
		poll:        defaultPollInterval,
		tracer:      otel.Tracer("leadpulse/worker"),
	}
}

// WithPollInterval overrides the idle poll interval.
func (w *Inbound) WithPollInterval(d time.Duration) *Inbound {
	if d > 0 {
		w.poll = d
	}
	return w
}

// Run claims and processes jobs until ctx is cancelled.
func (w *Inbound) Run(ctx context.Context) error {
	slog.Info("inbound worker started", "concurrency", w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *Inbound) loop(ctx context.Context) error {
	for {
		jobs, err := w.queue.Claim(ctx, claimBatchSize)
		if err != nil {
			slog.Error("inbound: claim failed", "error", err)
		}
		for _, job := range jobs {
			w.processJob(ctx, job)
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
		}
	}
}

// processJob runs one job. A failure goes back to the queue so its backoff
// owns redelivery; only the job's terminal failure raises an alert.
func (w *Inbound) processJob(ctx context.Context, job queue.Job) {
	var payload queue.InboundJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Unparseable payloads never become parseable; dead-set immediately.
		slog.Error("inbound: malformed job payload", "job", job.ID, "error", err)
		if failErr := w.queue.FailPermanent(ctx, job.ID, "malformed payload: "+err.Error()); failErr != nil {
			slog.Error("inbound: fail bookkeeping failed", "job", job.ID, "error", failErr)
		}
		return
	}

	ctx, span := w.tracer.Start(ctx, "worker.inbound_job",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.String("event_type", string(payload.Event.Type)),
		))
	defer span.End()

	err := w.handle(ctx, payload.Event)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			slog.Error("inbound: ack failed", "job", job.ID, "error", ackErr)
		}
		return
	}

	// Alert once per job: intermediate attempts only log, the queue's
	// backoff owns redelivery.
	if job.Attempts+1 >= job.MaxAttempts {
		w.runner.Report(ctx, resilience.OpContext{
			Category:      "inbound_job",
			Severity:      store.SeverityCritical,
			TenantID:      payload.Event.TenantID,
			CorrelationID: payload.CorrelationID,
		}, err)
	} else {
		slog.Warn("inbound: job failed, backoff retry",
			"job", job.ID, "attempt", job.Attempts+1,
			"correlation_id", payload.CorrelationID, "error", err)
	}
	if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
		slog.Error("inbound: fail bookkeeping failed", "job", job.ID, "error", failErr)
	}
}

func (w *Inbound) handle(ctx context.Context, ev event.StandardMessageEvent) error {
	switch ev.Type {
	case event.TypeMessage:
		return w.handleMessage(ctx, ev)
	case event.TypeStatus:
		return w.handleStatus(ctx, ev)
	default:
		slog.Warn("inbound: unknown event type, acking", "external_id", ev.ExternalID)
		return nil
	}
}

// handleMessage persists the inbound message and hands it to the buffer.
// Safe to re-run: the message insert is idempotent on the provider id and the
// buffer dedupes nothing (a rare double-submit just widens the burst).
func (w *Inbound) handleMessage(ctx context.Context, ev event.StandardMessageEvent) error {
	if ev.Direction == event.DirectionOutbound {
		// Echo of the tenant's own number; nothing to orchestrate.
		return nil
	}

	lead, err := w.stores.Leads.GetOrCreate(ctx, ev.TenantID, ev.From)
	if err != nil {
		return fmt.Errorf("resolve lead: %w", err)
	}

	msg := &store.Message{
		TenantID:          ev.TenantID,
		LeadID:            lead.ID,
		Direction:         store.MessageInbound,
		Body:              ev.Payload.Body(),
		Status:            store.MessageDelivered,
		ProviderMessageID: ev.ExternalID,
		CreatedAt:         ev.Timestamp,
	}
	if err := w.stores.Messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	// The contact answered: the anti-spam counter starts over and the
	// freeform window resets.
	if err := w.stores.Leads.ResetUnanswered(ctx, lead.ID); err != nil {
		return fmt.Errorf("reset unanswered: %w", err)
	}
	if err := w.stores.Leads.TouchInbound(ctx, lead.ID, ev.Timestamp); err != nil {
		return fmt.Errorf("touch inbound: %w", err)
	}

	w.buf.Submit(ev)
	return nil
}

// RequeueBurst returns a buffer give-up hook that puts a contended burst
// back on the inbound queue as fresh jobs, so the queue's backoff owns the
// next attempt at the lead. Dedupe keys are left empty: the original
// external ids already sit on done jobs, and reprocessing is safe because
// the message insert is idempotent on the provider id.
func RequeueBurst(q queue.Queue) func(tenantID, phone string, burst []event.StandardMessageEvent) {
	return func(tenantID, phone string, burst []event.StandardMessageEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, ev := range burst {
			job := queue.InboundJob{Event: ev, CorrelationID: uuid.NewString()}
			if _, err := q.Enqueue(ctx, "", job, job.CorrelationID); err != nil {
				slog.Error("inbound: burst requeue failed",
					"tenant", tenantID, "phone", phone,
					"external_id", ev.ExternalID, "error", err)
			}
		}
		slog.Warn("inbound: contended burst requeued",
			"tenant", tenantID, "phone", phone, "events", len(burst))
	}
}

var statusByProvider = map[string]store.MessageStatus{
	"sent":      store.MessageSent,
	"delivered": store.MessageDelivered,
	"read":      store.MessageRead,
	"failed":    store.MessageFailed,
}

// handleStatus applies a delivery receipt by provider message id. Receipts
// commute: unknown ids and stale transitions are logged and acked.
func (w *Inbound) handleStatus(ctx context.Context, ev event.StandardMessageEvent) error {
	sp := ev.Payload.Status
	if sp == nil {
		slog.Warn("inbound: status event without payload", "external_id", ev.ExternalID)
		return nil
	}
	status, ok := statusByProvider[sp.Status]
	if !ok {
		slog.Warn("inbound: unknown delivery status", "status", sp.Status)
		return nil
	}

	found, err := w.stores.Messages.UpdateStatusByProviderID(ctx, ev.TenantID, sp.ProviderMessageID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if !found {
		slog.Warn("inbound: status for unknown provider message id",
			"tenant", ev.TenantID, "provider_message_id", sp.ProviderMessageID)
	}
	return nil
}
