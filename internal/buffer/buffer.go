// Package buffer collapses a rapid burst of inbound messages from one
// contact into a single orchestration pass. People text in several short
// messages; answering each one separately would waste AI calls and interrupt
// them mid-sentence.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/store"
)

// ErrMutexBusy reports that a burst could not acquire the lead's processing
// flag within the retry budget. Deferred, not an error in the usual sense.
var ErrMutexBusy = errors.New("lead processing flag busy")

const (
	// DefaultWindow is the debounce wait after each message.
	DefaultWindow = 15 * time.Second

	// Contention on the processing flag re-arms the window a bounded number
	// of times before the burst is surfaced to OnError.
	defaultLockRetries = 3
	defaultRetryDelay  = 5 * time.Second
)

// ProcessFunc handles one flushed burst. Called with the lead's processing
// flag held.
type ProcessFunc func(ctx context.Context, lead *store.Lead, burst []event.StandardMessageEvent) error

// Options tunes a Buffer.
type Options struct {
	Window      time.Duration
	LockRetries int
	RetryDelay  time.Duration
	// WindowFor overrides the window per tenant (0 = use Window).
	WindowFor func(tenantID string) time.Duration
	// OnError observes burst failures (lock give-up, processor errors).
	OnError func(tenantID, phone string, err error)
	// OnGiveUp receives a burst whose processing-flag retries were all lost,
	// so it can be fed back into the durable queue. Without it the burst is
	// dropped once OnError fires.
	OnGiveUp func(tenantID, phone string, burst []event.StandardMessageEvent)
	// ProcessTimeout bounds one orchestration pass.
	ProcessTimeout time.Duration
}

// Buffer is the per-(tenant, phone) debouncer.
type Buffer struct {
	mu      sync.Mutex
	pending map[string]*entry
	stopped bool

	leads   store.LeadStore
	process ProcessFunc
	opts    Options
}

type entry struct {
	events      []event.StandardMessageEvent
	timer       *time.Timer
	lockRetries int
}

// New creates a buffer that invokes process once per flushed burst.
func New(leads store.LeadStore, process ProcessFunc, opts Options) *Buffer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.LockRetries <= 0 {
		opts.LockRetries = defaultLockRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 2 * time.Minute
	}
	if opts.OnError == nil {
		opts.OnError = func(tenantID, phone string, err error) {
			slog.Error("buffer: burst failed", "tenant", tenantID, "phone", phone, "error", err)
		}
	}
	return &Buffer{
		pending: make(map[string]*entry),
		leads:   leads,
		process: process,
		opts:    opts,
	}
}

func key(tenantID, phone string) string { return tenantID + "|" + phone }

func (b *Buffer) window(tenantID string) time.Duration {
	if b.opts.WindowFor != nil {
		if w := b.opts.WindowFor(tenantID); w > 0 {
			return w
		}
	}
	return b.opts.Window
}

// Submit adds one inbound message event to the contact's burst. Any pending
// timer for the contact is superseded, so the contact can keep talking
// without being answered mid-sentence.
func (b *Buffer) Submit(ev event.StandardMessageEvent) {
	k := key(ev.TenantID, ev.From)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	e, exists := b.pending[k]
	if exists {
		e.timer.Stop()
		e.events = append(e.events, ev)
		e.lockRetries = 0
	} else {
		e = &entry{events: []event.StandardMessageEvent{ev}}
		b.pending[k] = e
	}

	e.timer = time.AfterFunc(b.window(ev.TenantID), func() {
		b.fire(ev.TenantID, ev.From)
	})
}

// Len returns the number of contacts with a pending burst.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels all pending timers. Buffered bursts are abandoned; the
// underlying messages are already persisted, so the recovery sweep picks the
// conversations back up.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for k, e := range b.pending {
		e.timer.Stop()
		delete(b.pending, k)
	}
}

// fire runs when a contact's window elapses. It must win the lead's
// processing flag before popping the burst; on contention the window re-arms
// so the burst is deferred, not dropped.
func (b *Buffer) fire(tenantID, phone string) {
	k := key(tenantID, phone)

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.ProcessTimeout)
	defer cancel()

	lead, err := b.leads.GetOrCreate(ctx, tenantID, phone)
	if err != nil {
		b.abandon(k)
		b.opts.OnError(tenantID, phone, err)
		return
	}

	acquired, err := b.leads.TryAcquireProcessing(ctx, lead.ID)
	if err != nil {
		b.abandon(k)
		b.opts.OnError(tenantID, phone, err)
		return
	}
	if !acquired {
		if b.rearm(k, tenantID, phone) {
			return
		}
		// Retry budget spent. Hand the burst back so it re-enters the
		// durable pipeline instead of evaporating here.
		burst := b.pop(k)
		if b.opts.OnGiveUp != nil && len(burst) > 0 {
			b.opts.OnGiveUp(tenantID, phone, burst)
		}
		b.opts.OnError(tenantID, phone, ErrMutexBusy)
		return
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer releaseCancel()
		if err := b.leads.ReleaseProcessing(releaseCtx, lead.ID); err != nil {
			slog.Error("buffer: release processing flag failed", "lead", lead.ID, "error", err)
		}
	}()

	burst := b.pop(k)
	if len(burst) == 0 {
		return
	}

	if err := b.process(ctx, lead, burst); err != nil {
		b.opts.OnError(tenantID, phone, err)
	}
}

// rearm re-schedules the window for a contended burst. Returns false once
// the retry budget is spent.
func (b *Buffer) rearm(k, tenantID, phone string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.pending[k]
	if !ok || b.stopped {
		return true // burst superseded or shutting down; nothing to give up
	}
	if e.lockRetries >= b.opts.LockRetries {
		return false
	}
	e.lockRetries++
	slog.Debug("buffer: lead busy, re-arming window",
		"tenant", tenantID, "phone", phone, "retry", e.lockRetries)
	e.timer = time.AfterFunc(b.opts.RetryDelay, func() {
		b.fire(tenantID, phone)
	})
	return true
}

func (b *Buffer) pop(k string) []event.StandardMessageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[k]
	if !ok {
		return nil
	}
	delete(b.pending, k)
	return e.events
}

func (b *Buffer) abandon(k string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, k)
}
