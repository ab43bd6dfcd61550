package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/leadpulse/leadpulse/internal/orchestrator"
	"github.com/leadpulse/leadpulse/internal/queue"
	"github.com/leadpulse/leadpulse/internal/resilience"
	"github.com/leadpulse/leadpulse/internal/store"
)

const (
	// staleClaimAge is how long a claimed job may sit before we assume its
	// worker died and requeue it.
	staleClaimAge = 10 * time.Minute

	recoveryBatchSize = 50
)

// Janitor runs the periodic sweeps: requeue stale claims, report dead-set
// growth, and nudge leads that went quiet past their tenant's recovery
// timeout.
type Janitor struct {
	inbound  queue.Queue
	outbound queue.Queue
	stores   *store.Stores
	orch     *orchestrator.Orchestrator
	runner   *resilience.Runner
	cronExpr string
	gron     gronx.Gronx
}

// NewJanitor creates a janitor firing on the given cron expression
// (minute granularity, e.g. "* * * * *").
func NewJanitor(inbound, outbound queue.Queue, stores *store.Stores,
	orch *orchestrator.Orchestrator, runner *resilience.Runner, cronExpr string) *Janitor {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	return &Janitor{
		inbound:  inbound,
		outbound: outbound,
		stores:   stores,
		orch:     orch,
		runner:   runner,
		cronExpr: cronExpr,
		gron:     *gronx.New(),
	}
}

// Run ticks every 30s and sweeps when the cron expression is due.
func (j *Janitor) Run(ctx context.Context) error {
	slog.Info("janitor started", "cron", j.cronExpr)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := j.gron.IsDue(j.cronExpr, now)
			if err != nil {
				slog.Error("janitor: bad cron expression", "cron", j.cronExpr, "error", err)
				return err
			}
			if due {
				j.sweep(ctx)
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	_ = j.runner.Run(ctx, resilience.OpContext{
		Category: "janitor_sweep",
		Severity: store.SeverityWarn,
		Rethrow:  false,
	}, func(ctx context.Context) error {
		j.requeueStale(ctx)
		j.reportDead(ctx)
		j.recoveryFollowups(ctx)
		return nil
	})
}

func (j *Janitor) requeueStale(ctx context.Context) {
	for name, q := range map[string]queue.Queue{"inbound": j.inbound, "outbound": j.outbound} {
		n, err := q.RequeueStale(ctx, staleClaimAge)
		if err != nil {
			slog.Error("janitor: stale requeue failed", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			slog.Warn("janitor: requeued stale claims", "queue", name, "count", n)
		}
	}
}

func (j *Janitor) reportDead(ctx context.Context) {
	for name, q := range map[string]queue.Queue{"inbound": j.inbound, "outbound": j.outbound} {
		n, err := q.DeadCount(ctx)
		if err != nil {
			slog.Error("janitor: dead count failed", "queue", name, "error", err)
			continue
		}
		if n > 0 {
			slog.Warn("janitor: jobs awaiting manual triage", "queue", name, "dead", n)
		}
	}
}

// recoveryFollowups sends the followup template to nurturing leads whose
// last inbound is older than the tenant's recovery timeout. The processing
// flag is held per lead so a concurrent burst can't interleave.
func (j *Janitor) recoveryFollowups(ctx context.Context) {
	leads, err := j.stores.Leads.ListRecoveryDue(ctx, recoveryBatchSize)
	if err != nil {
		slog.Error("janitor: recovery listing failed", "error", err)
		return
	}

	for i := range leads {
		lead := &leads[i]
		acquired, err := j.stores.Leads.TryAcquireProcessing(ctx, lead.ID)
		if err != nil || !acquired {
			continue // busy lead; the next sweep will see it again
		}
		if err := j.orch.SendRecoveryFollowup(ctx, lead); err != nil {
			slog.Error("janitor: recovery followup failed", "lead", lead.ID, "error", err)
		}
		if err := j.stores.Leads.ReleaseProcessing(ctx, lead.ID); err != nil {
			slog.Error("janitor: release processing flag failed", "lead", lead.ID, "error", err)
		}
	}
}
