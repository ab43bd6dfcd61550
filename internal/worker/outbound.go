package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/leadpulse/leadpulse/internal/provider"
	"github.com/leadpulse/leadpulse/internal/queue"
	"github.com/leadpulse/leadpulse/internal/resilience"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Outbound consumes the outbound queue and drives provider sends. Transient
// send failures go back to the queue so its bounded backoff owns retries;
// permanent provider rejections dead-set immediately. Only the terminal
// failure of a job raises an alert. The Message record is marked failed on
// every attempt so the dashboard never shows a silent loss.
type Outbound struct {
	queue       queue.Queue
	stores      *store.Stores
	factory     *provider.Factory
	runner      *resilience.Runner
	concurrency int
	poll        time.Duration
	tracer      trace.Tracer
}

func NewOutbound(q queue.Queue, stores *store.Stores, factory *provider.Factory, runner *resilience.Runner, concurrency int) *Outbound {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Outbound{
		queue:       q,
		stores:      stores,
		factory:     factory,
		runner:      runner,
		concurrency: concurrency,
		poll:        defaultPollInterval,
		tracer:      otel.Tracer("leadpulse/worker"),
	}
}

// WithPollInterval overrides the idle poll interval.
func (w *Outbound) WithPollInterval(d time.Duration) *Outbound {
	if d > 0 {
		w.poll = d
	}
	return w
}

func (w *Outbound) Run(ctx context.Context) error {
	slog.Info("outbound worker started", "concurrency", w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *Outbound) loop(ctx context.Context) error {
	for {
		jobs, err := w.queue.Claim(ctx, claimBatchSize)
		if err != nil {
			slog.Error("outbound: claim failed", "error", err)
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

func (w *Outbound) processJob(ctx context.Context, job queue.Job) {
	var payload queue.OutboundJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// Unparseable payloads never become parseable.
		slog.Error("outbound: malformed job payload", "job", job.ID, "error", err)
		if failErr := w.queue.FailPermanent(ctx, job.ID, "malformed payload: "+err.Error()); failErr != nil {
			slog.Error("outbound: fail bookkeeping failed", "job", job.ID, "error", failErr)
		}
		return
	}

	ctx, span := w.tracer.Start(ctx, "worker.outbound_job",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.String("kind", string(payload.Kind)),
			attribute.Int("attempt", job.Attempts+1),
		))
	defer span.End()

	err := w.send(ctx, payload)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			slog.Error("outbound: ack failed", "job", job.ID, "error", ackErr)
		}
		return
	}

	// Best-effort failure mark; a later successful attempt overwrites it
	// with sent.
	w.markFailed(ctx, payload, err)

	var sendErr *provider.SendError
	permanent := errors.As(err, &sendErr) && !sendErr.Retryable
	terminal := permanent || job.Attempts+1 >= job.MaxAttempts

	if !terminal {
		slog.Warn("outbound: send failed, backoff retry",
			"job", job.ID, "attempt", job.Attempts+1,
			"correlation_id", payload.CorrelationID, "error", err)
		if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
			slog.Error("outbound: fail bookkeeping failed", "job", job.ID, "error", failErr)
		}
		return
	}

	// Terminal failure: exactly one alert for the whole job, whether the
	// budget ran out or the provider rejected it outright.
	w.runner.Report(ctx, resilience.OpContext{
		Category:      "outbound_send",
		Severity:      store.SeverityCritical,
		TenantID:      payload.TenantID,
		CorrelationID: payload.CorrelationID,
	}, err)

	var failErr error
	if permanent {
		failErr = w.queue.FailPermanent(ctx, job.ID, err.Error())
	} else {
		failErr = w.queue.Fail(ctx, job.ID, err.Error())
	}
	if failErr != nil {
		slog.Error("outbound: fail bookkeeping failed", "job", job.ID, "error", failErr)
	}
}

func (w *Outbound) send(ctx context.Context, job queue.OutboundJob) error {
	adapter, err := w.factory.Resolve(ctx, job.TenantID, job.CampaignID)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}

	var providerID string
	switch job.Kind {
	case queue.OutboundText:
		providerID, err = adapter.SendMessage(ctx, job.PhoneNumber, provider.KindText,
			provider.SendPayload{Body: job.Body})
	case queue.OutboundTemplate:
		providerID, err = adapter.SendTemplate(ctx, job.PhoneNumber,
			job.TemplateName, job.TemplateLanguage, nil)
	default:
		return fmt.Errorf("unknown outbound kind %q", job.Kind)
	}
	if err != nil {
		return err
	}

	if job.MessageID != uuid.Nil {
		if err := w.stores.Messages.MarkSent(ctx, job.MessageID, providerID); err != nil {
			// The send happened; losing the status write must not trigger a
			// duplicate send on retry.
			slog.Error("outbound: sent but status write failed",
				"message", job.MessageID, "provider_id", providerID, "error", err)
		}
	}
	slog.Info("outbound: message sent",
		"tenant", job.TenantID, "kind", job.Kind,
		"provider_id", providerID, "correlation_id", job.CorrelationID)
	return nil
}

func (w *Outbound) markFailed(ctx context.Context, job queue.OutboundJob, cause error) {
	if job.MessageID == uuid.Nil {
		return
	}
	if err := w.stores.Messages.MarkFailed(ctx, job.MessageID, cause.Error()); err != nil {
		slog.Warn("outbound: failure mark failed", "message", job.MessageID, "error", err)
	}
}
