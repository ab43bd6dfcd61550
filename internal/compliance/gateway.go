// Package compliance gates every outbound send. It is stateless and
// read-only: it consults lead and config state owned elsewhere and never
// mutates either.
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

// ErrBlocked reports a send suppressed by policy.
var ErrBlocked = errors.New("send blocked by compliance policy")

// Route decides how an outbound message must be sent.
type Route string

const (
	// RouteFreeform allows free-text replies inside the platform window.
	RouteFreeform Route = "freeform"
	// RouteTemplate restricts the send to pre-approved templates. Always
	// permitted, so it is also the failure default.
	RouteTemplate Route = "template"
)

// FreeformWindow is the platform window after a contact's last inbound
// message during which free-text replies are permitted.
const FreeformWindow = 24 * time.Hour

// Gateway implements the two pre-send checks.
type Gateway struct {
	configs store.ConfigStore
	now     func() time.Time
}

func NewGateway(configs store.ConfigStore) *Gateway {
	return &Gateway{configs: configs, now: time.Now}
}

// WithClock overrides the clock (tests).
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// CanSendMessage applies the anti-spam limit: once a lead has accumulated the
// tenant's maximum of consecutive unanswered sends, everything is blocked.
// Fails closed: any internal error blocks the send.
func (g *Gateway) CanSendMessage(ctx context.Context, lead *store.Lead) bool {
	cfg, err := g.configs.Get(ctx, lead.TenantID)
	if err != nil {
		slog.Warn("compliance: config lookup failed, blocking send",
			"tenant", lead.TenantID, "lead", lead.ID, "error", err)
		return false
	}
	if cfg.MaxUnansweredMessages <= 0 {
		return true
	}
	return lead.UnansweredCount < cfg.MaxUnansweredMessages
}

// ResolveMessageRoute picks freeform or template based on whether the lead's
// last inbound message is inside the platform window. Fails safe: when the
// window cannot be determined, templates (always permitted) are used.
func (g *Gateway) ResolveMessageRoute(_ context.Context, lead *store.Lead) Route {
	if lead == nil || lead.LastInboundAt == nil {
		return RouteTemplate
	}
	if g.now().Sub(*lead.LastInboundAt) < FreeformWindow {
		return RouteFreeform
	}
	return RouteTemplate
}
