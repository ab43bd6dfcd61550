// Package ingress is the HTTP surface the messaging platform calls. It does
// as little as possible: verify, normalize, enqueue, answer 200. Everything
// slow or fallible happens behind the inbound queue so platform-facing
// latency never depends on processing latency.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/provider"
	"github.com/leadpulse/leadpulse/internal/queue"
)

// maxWebhookBody bounds a single webhook delivery.
const maxWebhookBody = 1 << 20 // 1 MiB

// Server hosts the webhook endpoints.
type Server struct {
	factory *provider.Factory
	inbound queue.Queue
	limiter *WebhookRateLimiter
	engine  *gin.Engine
	http    *http.Server
}

// NewServer builds the gin engine and routes.
func NewServer(factory *provider.Factory, inbound queue.Queue) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		factory: factory,
		inbound: inbound,
		limiter: NewWebhookRateLimiter(),
		engine:  engine,
	}

	engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	engine.GET("/webhook/:tenant", s.handleVerify)
	engine.POST("/webhook/:tenant", s.handleDelivery)

	return s
}

// Handler exposes the engine (tests).
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("webhook ingress listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ingress server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// handleVerify answers the platform's GET handshake. The challenge is echoed
// only when the verify token matches the tenant's configured token.
func (s *Server) handleVerify(c *gin.Context) {
	tenantID := c.Param("tenant")
	campaignID := c.Query("campaign")

	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")
	if mode == "" || token == "" || challenge == "" {
		c.String(http.StatusBadRequest, "missing hub parameters")
		return
	}

	adapter, err := s.factory.Resolve(c.Request.Context(), tenantID, campaignID)
	if err != nil {
		slog.Warn("ingress: verify for unknown channel", "tenant", tenantID, "error", err)
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	if mode != "subscribe" || token != adapter.VerifyToken() {
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, "%s", challenge)
}

// handleDelivery accepts a webhook POST. Signature failures are the only
// client-visible error; everything after enqueueing is internal.
func (s *Server) handleDelivery(c *gin.Context) {
	tenantID := c.Param("tenant")
	campaignID := c.Query("campaign")

	if !s.limiter.Allow(tenantID) {
		c.String(http.StatusTooManyRequests, "rate limited")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read body")
		return
	}

	adapter, err := s.factory.Resolve(c.Request.Context(), tenantID, campaignID)
	if err != nil {
		slog.Warn("ingress: delivery for unknown channel", "tenant", tenantID, "error", err)
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	if !adapter.ValidateSignature(c.GetHeader("X-Hub-Signature-256"), body) {
		slog.Warn("ingress: webhook signature rejected", "tenant", tenantID)
		c.String(http.StatusForbidden, "invalid signature")
		return
	}

	events, err := adapter.NormalizeWebhook(body)
	if err != nil {
		// Swallowed: a parse failure must not make the platform retry the
		// whole delivery forever.
		slog.Error("ingress: webhook normalization failed", "tenant", tenantID, "error", err)
		c.String(http.StatusOK, "EVENT_RECEIVED")
		return
	}

	enqueued := s.enqueueAll(c.Request.Context(), events)
	slog.Debug("ingress: webhook processed",
		"tenant", tenantID, "events", len(events), "enqueued", enqueued)
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// enqueueAll queues one inbound job per event, keyed by the event's external
// id so redelivered webhooks collapse into no-ops.
func (s *Server) enqueueAll(ctx context.Context, events []event.StandardMessageEvent) int {
	enqueued := 0
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			slog.Warn("ingress: dropping invalid event", "error", err)
			continue
		}
		job := queue.InboundJob{Event: ev, CorrelationID: uuid.NewString()}
		_, err := s.inbound.Enqueue(ctx, ev.ExternalID, job, job.CorrelationID)
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			slog.Debug("ingress: duplicate event dropped", "external_id", ev.ExternalID)
		case err != nil:
			slog.Error("ingress: enqueue failed", "external_id", ev.ExternalID, "error", err)
		default:
			enqueued++
		}
	}
	return enqueued
}
