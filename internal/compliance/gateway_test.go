package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

type stubConfigs struct {
	cfg *store.TenantConfig
	err error
}

func (s *stubConfigs) Get(_ context.Context, _ string) (*store.TenantConfig, error) {
	return s.cfg, s.err
}

func (s *stubConfigs) Invalidate(string) {}

func TestCanSendMessage(t *testing.T) {
	tests := []struct {
		name       string
		maxAllowed int
		cfgErr     error
		unanswered int
		want       bool
	}{
		{"under limit", 3, nil, 2, true},
		{"at limit", 3, nil, 3, false},
		{"over limit", 3, nil, 5, false},
		{"limit disabled", 0, nil, 100, true},
		{"config error blocks", 3, errors.New("db down"), 0, false},
		{"not found blocks", 3, store.ErrNotFound, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configs := &stubConfigs{
				cfg: &store.TenantConfig{TenantID: "t1", MaxUnansweredMessages: tt.maxAllowed},
				err: tt.cfgErr,
			}
			g := NewGateway(configs)
			lead := &store.Lead{TenantID: "t1", UnansweredCount: tt.unanswered}
			if got := g.CanSendMessage(context.Background(), lead); got != tt.want {
				t.Errorf("CanSendMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveMessageRoute(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inside := now.Add(-23 * time.Hour)
	outside := now.Add(-25 * time.Hour)
	boundary := now.Add(-FreeformWindow)

	tests := []struct {
		name        string
		lastInbound *time.Time
		want        Route
	}{
		{"inside window", &inside, RouteFreeform},
		{"outside window", &outside, RouteTemplate},
		{"exactly at boundary", &boundary, RouteTemplate},
		{"never heard from", nil, RouteTemplate},
	}

	g := NewGateway(&stubConfigs{}).WithClock(func() time.Time { return now })
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := &store.Lead{TenantID: "t1", LastInboundAt: tt.lastInbound}
			if got := g.ResolveMessageRoute(context.Background(), lead); got != tt.want {
				t.Errorf("ResolveMessageRoute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveMessageRouteNilLead(t *testing.T) {
	g := NewGateway(&stubConfigs{})
	if got := g.ResolveMessageRoute(context.Background(), nil); got != RouteTemplate {
		t.Errorf("ResolveMessageRoute(nil) = %q, want %q", got, RouteTemplate)
	}
}
