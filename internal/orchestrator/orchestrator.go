// Package orchestrator decides the next conversational action for a lead
// after the buffer flushes a burst: advance the pipeline stage, hand over to
// a human, queue an AI reply, or do nothing. It is the only writer of lead
// state and status.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leadpulse/leadpulse/internal/ai"
	"github.com/leadpulse/leadpulse/internal/compliance"
	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/queue"
	"github.com/leadpulse/leadpulse/internal/resilience"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Config carries the orchestrator's tenant-independent tunables.
type Config struct {
	SystemPrompt         string
	ReactivationKeywords []string
	HoldingTemplate      string // sent when the AI collaborator is down
	FollowupTemplate     string // sent by the recovery sweep
	TemplateLanguage     string
}

// Orchestrator runs the per-burst state machine.
type Orchestrator struct {
	stores   *store.Stores
	gateway  *compliance.Gateway
	chat     ai.Chatter
	outbound queue.Queue
	runner   *resilience.Runner
	notifier resilience.Notifier
	tracer   trace.Tracer

	mu  sync.RWMutex
	cfg Config
}

func New(stores *store.Stores, gateway *compliance.Gateway, chat ai.Chatter,
	outbound queue.Queue, runner *resilience.Runner, notifier resilience.Notifier, cfg Config) *Orchestrator {
	if notifier == nil {
		notifier = resilience.LogNotifier{}
	}
	return &Orchestrator{
		stores:   stores,
		gateway:  gateway,
		chat:     chat,
		outbound: outbound,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		tracer:   otel.Tracer("leadpulse/orchestrator"),
	}
}

// UpdateConfig swaps the tunables in place. Safe during live traffic; a
// burst in flight finishes with the config it started with.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

func (o *Orchestrator) config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// ProcessBurst handles one flushed burst for a lead. The caller holds the
// lead's processing flag. Returns an error only for infrastructure failures
// worth a retry; policy outcomes (blocked, handover, no-op) return nil.
func (o *Orchestrator) ProcessBurst(ctx context.Context, lead *store.Lead, burst []event.StandardMessageEvent) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_burst",
		trace.WithAttributes(
			attribute.String("tenant_id", lead.TenantID),
			attribute.String("lead_state", string(lead.State)),
			attribute.Int("burst_size", len(burst)),
		))
	defer span.End()

	if lead.Status == store.LeadBlocked || lead.Status == store.LeadHandover {
		slog.Debug("orchestrator: lead not addressable, skipping",
			"tenant", lead.TenantID, "lead", lead.ID, "status", lead.Status)
		return nil
	}
	if !lead.AIEnabled {
		slog.Debug("orchestrator: ai disabled for lead, skipping",
			"tenant", lead.TenantID, "lead", lead.ID)
		return nil
	}

	text := mergeBurst(burst)
	if text == "" {
		return nil
	}

	intent := o.classify(ctx, lead, text)
	if matchesKeyword(text, o.config().ReactivationKeywords) {
		intent = IntentReactivate
	}
	span.SetAttributes(attribute.String("intent", string(intent)))

	if intent == IntentHandover {
		return o.handover(ctx, lead)
	}

	if next, ok := Advance(lead.State, intent); ok {
		if err := o.stores.Leads.UpdateState(ctx, lead.ID, next); err != nil {
			return fmt.Errorf("advance lead state: %w", err)
		}
		slog.Info("orchestrator: lead state advanced",
			"tenant", lead.TenantID, "lead", lead.ID,
			"from", lead.State, "to", next, "intent", intent)
		lead.State = next
	}

	return o.reply(ctx, lead, text)
}

// handover flips the lead to human ownership and notifies. Automated sends
// stop immediately; no reply is queued.
func (o *Orchestrator) handover(ctx context.Context, lead *store.Lead) error {
	if err := o.stores.Leads.UpdateStatus(ctx, lead.ID, store.LeadHandover); err != nil {
		return fmt.Errorf("set handover status: %w", err)
	}
	slog.Info("orchestrator: lead handed over", "tenant", lead.TenantID, "lead", lead.ID)

	alert := store.SystemAlert{
		Category:      "handover_requested",
		Severity:      store.SeverityInfo,
		TenantID:      lead.TenantID,
		CorrelationID: uuid.NewString(),
		Message:       fmt.Sprintf("lead %s (%s) requested a human agent", lead.ID, lead.PhoneNumber),
	}
	if err := o.notifier.Notify(ctx, alert); err != nil {
		slog.Warn("orchestrator: handover notification failed", "lead", lead.ID, "error", err)
	}
	return nil
}

// reply generates and enqueues the outbound answer for a burst, consulting
// the compliance gateway first. AI collaborator failure degrades to a
// holding template (or skips the turn) instead of failing the burst.
func (o *Orchestrator) reply(ctx context.Context, lead *store.Lead, text string) error {
	cfg := o.config()
	if !o.gateway.CanSendMessage(ctx, lead) {
		slog.Info("orchestrator: send suppressed by anti-spam policy",
			"tenant", lead.TenantID, "lead", lead.ID, "unanswered", lead.UnansweredCount)
		// Worth an operator's attention, but not a retryable failure.
		return o.runner.Run(ctx, resilience.OpContext{
			Category: "compliance_block",
			Severity: store.SeverityWarn,
			TenantID: lead.TenantID,
			Rethrow:  false,
		}, func(context.Context) error { return compliance.ErrBlocked })
	}

	route := o.gateway.ResolveMessageRoute(ctx, lead)
	if route == compliance.RouteTemplate {
		return o.enqueueTemplate(ctx, lead, cfg.HoldingTemplate)
	}

	replyText, err := o.chat.GetChatResponse(ctx, lead.TenantID, cfg.SystemPrompt,
		[]ai.Message{{Role: ai.RoleUser, Content: text}})
	if err != nil {
		// Degrade, never crash the burst path.
		_ = o.runner.Run(ctx, resilience.OpContext{
			Category: "ai_reply",
			Severity: store.SeverityWarn,
			TenantID: lead.TenantID,
			Rethrow:  false,
		}, func(context.Context) error { return err })

		if cfg.HoldingTemplate == "" {
			slog.Warn("orchestrator: ai unavailable and no holding template, skipping turn",
				"tenant", lead.TenantID, "lead", lead.ID)
			return nil
		}
		return o.enqueueTemplate(ctx, lead, cfg.HoldingTemplate)
	}

	return o.enqueueText(ctx, lead, replyText)
}

func (o *Orchestrator) enqueueText(ctx context.Context, lead *store.Lead, body string) error {
	msg := &store.Message{
		TenantID:  lead.TenantID,
		LeadID:    lead.ID,
		Direction: store.MessageOutbound,
		Body:      body,
		Status:    store.MessageQueued,
	}
	if err := o.stores.Messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}
	return o.enqueueJob(ctx, lead, queue.OutboundJob{
		TenantID:      lead.TenantID,
		PhoneNumber:   lead.PhoneNumber,
		Kind:          queue.OutboundText,
		Body:          body,
		MessageID:     msg.ID,
		LeadID:        lead.ID,
		CorrelationID: uuid.NewString(),
	})
}

func (o *Orchestrator) enqueueTemplate(ctx context.Context, lead *store.Lead, template string) error {
	if template == "" {
		slog.Warn("orchestrator: template route but no template configured, skipping turn",
			"tenant", lead.TenantID, "lead", lead.ID)
		return nil
	}
	msg := &store.Message{
		TenantID:  lead.TenantID,
		LeadID:    lead.ID,
		Direction: store.MessageOutbound,
		Body:      "template:" + template,
		Status:    store.MessageQueued,
	}
	if err := o.stores.Messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("persist outbound message: %w", err)
	}
	return o.enqueueJob(ctx, lead, queue.OutboundJob{
		TenantID:         lead.TenantID,
		PhoneNumber:      lead.PhoneNumber,
		Kind:             queue.OutboundTemplate,
		TemplateName:     template,
		TemplateLanguage: o.config().TemplateLanguage,
		MessageID:        msg.ID,
		LeadID:           lead.ID,
		CorrelationID:    uuid.NewString(),
	})
}

func (o *Orchestrator) enqueueJob(ctx context.Context, lead *store.Lead, job queue.OutboundJob) error {
	if _, err := o.outbound.Enqueue(ctx, "", job, job.CorrelationID); err != nil {
		return fmt.Errorf("enqueue outbound job: %w", err)
	}
	if err := o.stores.Leads.IncrementUnanswered(ctx, lead.ID); err != nil {
		slog.Warn("orchestrator: unanswered counter update failed", "lead", lead.ID, "error", err)
	}
	slog.Info("orchestrator: outbound job enqueued",
		"tenant", lead.TenantID, "lead", lead.ID, "kind", job.Kind,
		"correlation_id", job.CorrelationID)
	return nil
}

// SendRecoveryFollowup nudges a lead that went quiet past the tenant's
// recovery timeout. The caller (janitor) holds the processing flag.
func (o *Orchestrator) SendRecoveryFollowup(ctx context.Context, lead *store.Lead) error {
	if lead.Status != store.LeadActive || !lead.AIEnabled {
		return nil
	}
	if !o.gateway.CanSendMessage(ctx, lead) {
		return nil
	}
	followup := o.config().FollowupTemplate
	if followup == "" {
		return nil
	}
	return o.enqueueTemplate(ctx, lead, followup)
}

func mergeBurst(burst []event.StandardMessageEvent) string {
	var parts []string
	for _, ev := range burst {
		if body := strings.TrimSpace(ev.Payload.Body()); body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n")
}

func matchesKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
