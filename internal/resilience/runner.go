// Package resilience is the single place failure policy lives. Every
// fallible unit of work in the pipeline runs through Runner.Run instead of
// hand-rolling its own error handling.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/store"
)

// Notifier delivers critical-failure notifications out of band. Injected at
// construction so the runner never reaches for a sibling package at call
// time. Best-effort: a failing notifier is logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, alert store.SystemAlert) error
}

// LogNotifier is the default Notifier; it only logs.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a store.SystemAlert) error {
	slog.Error("ALERT", "category", a.Category, "severity", a.Severity,
		"tenant", a.TenantID, "correlation_id", a.CorrelationID, "message", a.Message)
	return nil
}

// OpContext describes the unit of work being wrapped.
type OpContext struct {
	Category      string
	Severity      store.AlertSeverity
	TenantID      string
	CorrelationID string
	// Rethrow surfaces the error to the caller so an outer retry mechanism
	// (the queue) takes over. False means graceful degradation: the error is
	// absorbed after alerting.
	Rethrow bool
}

const (
	alertQueueSize    = 256
	alertSendAttempts = 3
	alertRetryDelay   = time.Second
)

// Runner wraps operations with logging, alert persistence, and notification.
type Runner struct {
	alerts   store.AlertStore
	notifier Notifier

	queue chan store.SystemAlert
	done  chan struct{}
	once  sync.Once
}

// NewRunner creates a runner and starts its background alert dispatcher.
// A nil notifier falls back to LogNotifier.
func NewRunner(alerts store.AlertStore, notifier Notifier) *Runner {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	r := &Runner{
		alerts:   alerts,
		notifier: notifier,
		queue:    make(chan store.SystemAlert, alertQueueSize),
		done:     make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// Close drains and stops the alert dispatcher.
func (r *Runner) Close() {
	r.once.Do(func() { close(r.queue) })
	<-r.done
}

// Run executes fn under the failure policy described by op. On failure it
// logs with a correlation id, hands an alert to the background dispatcher,
// and either rethrows or absorbs per op.Rethrow.
func (r *Runner) Run(ctx context.Context, op OpContext, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	r.Report(ctx, op, err)

	if op.Rethrow {
		return err
	}
	return nil
}

// Report applies the failure policy to an error observed outside Run: log
// with a correlation id, then alert. Used where the work already ran and only
// its terminal failure should alert (the queue workers retry sends without an
// alert per attempt).
func (r *Runner) Report(_ context.Context, op OpContext, err error) {
	if err == nil {
		return
	}
	if op.CorrelationID == "" {
		op.CorrelationID = uuid.NewString()
	}

	slog.Error("operation failed",
		"category", op.Category,
		"severity", op.Severity,
		"tenant", op.TenantID,
		"correlation_id", op.CorrelationID,
		"error", err,
	)

	r.emit(store.SystemAlert{
		Category:      op.Category,
		Severity:      op.Severity,
		TenantID:      op.TenantID,
		CorrelationID: op.CorrelationID,
		Message:       err.Error(),
	})
}

// emit hands an alert to the dispatcher without blocking the caller. A full
// queue drops the alert with a log line; alerting must never create
// backpressure on the pipeline.
func (r *Runner) emit(a store.SystemAlert) {
	select {
	case r.queue <- a:
	default:
		slog.Warn("alert queue full, dropping alert",
			"category", a.Category, "correlation_id", a.CorrelationID)
	}
}

// dispatchLoop persists alerts and notifies on critical ones. Its own
// failures are retried a few times then swallowed.
func (r *Runner) dispatchLoop() {
	defer close(r.done)
	for a := range r.queue {
		r.dispatch(a)
	}
}

func (r *Runner) dispatch(a store.SystemAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for attempt := 1; attempt <= alertSendAttempts; attempt++ {
		if err := r.alerts.Insert(ctx, &a); err != nil {
			if attempt == alertSendAttempts {
				slog.Warn("alert persistence failed, giving up",
					"category", a.Category, "error", err)
				break
			}
			time.Sleep(alertRetryDelay)
			continue
		}
		break
	}

	if a.Severity == store.SeverityCritical {
		if err := r.notifier.Notify(ctx, a); err != nil {
			slog.Warn("alert notification failed",
				"category", a.Category, "error", err)
		}
	}
}
