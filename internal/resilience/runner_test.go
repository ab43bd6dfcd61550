package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

type memAlerts struct {
	mu     sync.Mutex
	alerts []store.SystemAlert
	err    error
}

func (m *memAlerts) Insert(_ context.Context, a *store.SystemAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memAlerts) all() []store.SystemAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SystemAlert(nil), m.alerts...)
}

type memNotifier struct {
	mu     sync.Mutex
	alerts []store.SystemAlert
}

func (m *memNotifier) Notify(_ context.Context, a store.SystemAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func TestRunSuccessEmitsNothing(t *testing.T) {
	alerts := &memAlerts{}
	r := NewRunner(alerts, nil)

	err := r.Run(context.Background(), OpContext{Category: "op", Severity: store.SeverityWarn},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	r.Close()
	if got := len(alerts.all()); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

func TestRunRethrowSurfacesError(t *testing.T) {
	alerts := &memAlerts{}
	r := NewRunner(alerts, nil)

	boom := errors.New("boom")
	err := r.Run(context.Background(), OpContext{
		Category: "send", Severity: store.SeverityCritical, TenantID: "t1", Rethrow: true,
	}, func(context.Context) error { return boom })

	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the original error rethrown", err)
	}

	r.Close()
	got := alerts.all()
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1", len(got))
	}
	a := got[0]
	if a.Category != "send" || a.Severity != store.SeverityCritical || a.TenantID != "t1" {
		t.Errorf("alert = %+v, want the op context carried over", a)
	}
	if a.CorrelationID == "" {
		t.Error("a correlation id must be assigned when the caller provides none")
	}
}

func TestReportAlertsWithoutRunning(t *testing.T) {
	alerts := &memAlerts{}
	notifier := &memNotifier{}
	r := NewRunner(alerts, notifier)

	r.Report(context.Background(), OpContext{
		Category: "outbound_send", Severity: store.SeverityCritical, TenantID: "t1",
	}, errors.New("provider rejected"))
	r.Report(context.Background(), OpContext{Category: "noop"}, nil)

	r.Close()
	got := alerts.all()
	if len(got) != 1 {
		t.Fatalf("alerts = %d, want 1 (nil error must not alert)", len(got))
	}
	if got[0].Category != "outbound_send" || got[0].CorrelationID == "" {
		t.Errorf("alert = %+v, want category and an auto correlation id", got[0])
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want critical report notified", notifier.count())
	}
}

func TestRunAbsorbsWhenNotRethrowing(t *testing.T) {
	alerts := &memAlerts{}
	r := NewRunner(alerts, nil)

	err := r.Run(context.Background(), OpContext{
		Category: "degraded", Severity: store.SeverityWarn, Rethrow: false,
	}, func(context.Context) error { return errors.New("transient") })

	if err != nil {
		t.Errorf("err = %v, want the failure absorbed", err)
	}

	r.Close()
	if got := len(alerts.all()); got != 1 {
		t.Errorf("alerts = %d, want 1 (absorbed failures still alert)", got)
	}
}

func TestCriticalAlertsNotify(t *testing.T) {
	alerts := &memAlerts{}
	notifier := &memNotifier{}
	r := NewRunner(alerts, notifier)

	_ = r.Run(context.Background(), OpContext{
		Category: "send", Severity: store.SeverityCritical, Rethrow: true,
	}, func(context.Context) error { return errors.New("boom") })
	_ = r.Run(context.Background(), OpContext{
		Category: "minor", Severity: store.SeverityWarn, Rethrow: false,
	}, func(context.Context) error { return errors.New("meh") })

	r.Close()
	if got := notifier.count(); got != 1 {
		t.Errorf("notifications = %d, want 1 (critical only)", got)
	}
}

func TestRunKeepsCallerCorrelationID(t *testing.T) {
	alerts := &memAlerts{}
	r := NewRunner(alerts, nil)

	_ = r.Run(context.Background(), OpContext{
		Category: "op", Severity: store.SeverityWarn, CorrelationID: "corr-42",
	}, func(context.Context) error { return errors.New("x") })

	r.Close()
	got := alerts.all()
	if len(got) != 1 || got[0].CorrelationID != "corr-42" {
		t.Errorf("alerts = %+v, want correlation id corr-42 preserved", got)
	}
}

func TestInsertFailureDoesNotBlockCaller(t *testing.T) {
	alerts := &memAlerts{err: errors.New("db down")}
	r := NewRunner(alerts, nil)

	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background(), OpContext{
			Category: "op", Severity: store.SeverityWarn,
		}, func(context.Context) error { return errors.New("x") })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked on alert persistence")
	}
	r.Close()
}
