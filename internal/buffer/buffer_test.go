package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/leadpulse/leadpulse/internal/event"
	"github.com/leadpulse/leadpulse/internal/store"
)

// testLeads is an in-memory LeadStore with a controllable processing flag.
type testLeads struct {
	mu    sync.Mutex
	leads map[string]*store.Lead
	held  map[uuid.UUID]bool
	// busyTurns forces TryAcquireProcessing to fail this many times first.
	busyTurns int
}

func newTestLeads() *testLeads {
	return &testLeads{leads: make(map[string]*store.Lead), held: make(map[uuid.UUID]bool)}
}

func (s *testLeads) GetOrCreate(_ context.Context, tenantID, phone string) (*store.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "|" + phone
	if l, ok := s.leads[k]; ok {
		return l, nil
	}
	l := &store.Lead{ID: uuid.New(), TenantID: tenantID, PhoneNumber: phone,
		Status: store.LeadActive, State: store.StateCold, AIEnabled: true}
	s.leads[k] = l
	return l, nil
}

func (s *testLeads) GetByPhone(ctx context.Context, tenantID, phone string) (*store.Lead, error) {
	return s.GetOrCreate(ctx, tenantID, phone)
}

func (s *testLeads) UpdateState(context.Context, uuid.UUID, store.LeadState) error    { return nil }
func (s *testLeads) UpdateStatus(context.Context, uuid.UUID, store.LeadStatus) error  { return nil }

func (s *testLeads) TryAcquireProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyTurns > 0 {
		s.busyTurns--
		return false, nil
	}
	if s.held[id] {
		return false, nil
	}
	s.held[id] = true
	return true, nil
}

func (s *testLeads) ReleaseProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, id)
	return nil
}

func (s *testLeads) IncrementUnanswered(context.Context, uuid.UUID) error       { return nil }
func (s *testLeads) ResetUnanswered(context.Context, uuid.UUID) error           { return nil }
func (s *testLeads) TouchInbound(context.Context, uuid.UUID, time.Time) error   { return nil }
func (s *testLeads) ListRecoveryDue(context.Context, int) ([]store.Lead, error) { return nil, nil }

type recorder struct {
	mu     sync.Mutex
	bursts [][]event.StandardMessageEvent
	fired  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan struct{}, 16)}
}

func (r *recorder) process(_ context.Context, _ *store.Lead, burst []event.StandardMessageEvent) error {
	r.mu.Lock()
	r.bursts = append(r.bursts, burst)
	r.mu.Unlock()
	r.fired <- struct{}{}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bursts)
}

func msg(phone, text string) event.StandardMessageEvent {
	return event.StandardMessageEvent{
		Type:      event.TypeMessage,
		Direction: event.DirectionInbound,
		TenantID:  "t1",
		From:      phone,
		Payload:   event.Payload{Kind: event.PayloadText, Text: &event.TextPayload{Body: text}},
	}
}

func waitFired(t *testing.T, r *recorder, within time.Duration) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(within):
		t.Fatal("burst did not fire in time")
	}
}

func TestBurstCollapsesToOnePass(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 50 * time.Millisecond})
	defer b.Stop()

	b.Submit(msg("100", "hey"))
	b.Submit(msg("100", "quick question"))
	b.Submit(msg("100", "about pricing"))

	waitFired(t, rec, time.Second)
	time.Sleep(100 * time.Millisecond) // no second flush may follow

	if got := rec.count(); got != 1 {
		t.Fatalf("got %d passes, want 1", got)
	}
	if got := len(rec.bursts[0]); got != 3 {
		t.Errorf("burst carried %d events, want 3", got)
	}
	if b.Len() != 0 {
		t.Errorf("pending contacts = %d after flush, want 0", b.Len())
	}
}

func TestSpacedMessagesFlushSeparately(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 30 * time.Millisecond})
	defer b.Stop()

	b.Submit(msg("100", "first"))
	waitFired(t, rec, time.Second)

	b.Submit(msg("100", "second, much later"))
	waitFired(t, rec, time.Second)

	if got := rec.count(); got != 2 {
		t.Fatalf("got %d passes, want 2", got)
	}
}

func TestContactsBufferIndependently(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 30 * time.Millisecond})
	defer b.Stop()

	b.Submit(msg("100", "from alice"))
	b.Submit(msg("200", "from bob"))

	waitFired(t, rec, time.Second)
	waitFired(t, rec, time.Second)

	if got := rec.count(); got != 2 {
		t.Fatalf("got %d passes, want 2", got)
	}
}

func TestContentionRearmsThenFires(t *testing.T) {
	leads := newTestLeads()
	leads.busyTurns = 2 // first two acquisition attempts lose
	rec := newRecorder()
	b := New(leads, rec.process, Options{
		Window:      20 * time.Millisecond,
		RetryDelay:  20 * time.Millisecond,
		LockRetries: 3,
	})
	defer b.Stop()

	b.Submit(msg("100", "hello"))
	waitFired(t, rec, 2*time.Second)

	if got := rec.count(); got != 1 {
		t.Fatalf("got %d passes, want 1", got)
	}
}

func TestContentionExhaustsRetryBudget(t *testing.T) {
	leads := newTestLeads()
	leads.busyTurns = 100 // never acquirable
	rec := newRecorder()

	errs := make(chan error, 1)
	b := New(leads, rec.process, Options{
		Window:      20 * time.Millisecond,
		RetryDelay:  20 * time.Millisecond,
		LockRetries: 2,
		OnError: func(_, _ string, err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	defer b.Stop()

	b.Submit(msg("100", "hello"))

	select {
	case err := <-errs:
		if !errors.Is(err, ErrMutexBusy) {
			t.Errorf("err = %v, want ErrMutexBusy", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry budget was never exhausted")
	}
	if got := rec.count(); got != 0 {
		t.Errorf("got %d passes despite contention, want 0", got)
	}
	if b.Len() != 0 {
		t.Errorf("pending contacts = %d after give-up, want 0", b.Len())
	}
}

func TestContentionGiveUpHandsBurstBack(t *testing.T) {
	leads := newTestLeads()
	leads.busyTurns = 100 // never acquirable
	rec := newRecorder()

	handedBack := make(chan []event.StandardMessageEvent, 1)
	b := New(leads, rec.process, Options{
		Window:      20 * time.Millisecond,
		RetryDelay:  20 * time.Millisecond,
		LockRetries: 2,
		OnGiveUp: func(_, _ string, burst []event.StandardMessageEvent) {
			handedBack <- burst
		},
	})
	defer b.Stop()

	b.Submit(msg("100", "hey"))
	b.Submit(msg("100", "still there?"))

	select {
	case burst := <-handedBack:
		if len(burst) != 2 {
			t.Errorf("handed back %d events, want the whole burst of 2", len(burst))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("burst was never handed back")
	}
	if got := rec.count(); got != 0 {
		t.Errorf("got %d passes despite contention, want 0", got)
	}
	if b.Len() != 0 {
		t.Errorf("pending contacts = %d after give-up, want 0", b.Len())
	}
}

func TestNewMessageResetsRetryBudget(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 30 * time.Millisecond})
	defer b.Stop()

	b.Submit(msg("100", "part one"))
	b.Submit(msg("100", "part two"))

	waitFired(t, rec, time.Second)
	if got := len(rec.bursts[0]); got != 2 {
		t.Errorf("burst carried %d events, want 2", got)
	}
}

func TestStopAbandonsPending(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 40 * time.Millisecond})

	b.Submit(msg("100", "hello"))
	b.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("got %d passes after Stop, want 0", got)
	}

	// Submits after Stop are dropped.
	b.Submit(msg("100", "too late"))
	if b.Len() != 0 {
		t.Errorf("pending contacts = %d after Stop, want 0", b.Len())
	}
}

func TestProcessingFlagReleasedAfterPass(t *testing.T) {
	leads := newTestLeads()
	rec := newRecorder()
	b := New(leads, rec.process, Options{Window: 20 * time.Millisecond})
	defer b.Stop()

	b.Submit(msg("100", "hello"))
	waitFired(t, rec, time.Second)
	time.Sleep(50 * time.Millisecond)

	leads.mu.Lock()
	defer leads.mu.Unlock()
	for id, held := range leads.held {
		if held {
			t.Errorf("lead %s still holds the processing flag", id)
		}
	}
}
