package supervise

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/events"
	"github.com/jg-phare/toolgate/pkg/mcp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for retries, expect := range want {
		if got := backoffDelay(base, retries, maxBackoff); got != expect {
			t.Errorf("backoffDelay(retries=%d) = %s, want %s", retries, got, expect)
		}
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	if got := backoffDelay(0, 0, maxBackoff); got != 5*time.Second {
		t.Errorf("zero base delay = %s, want 5s", got)
	}
}

func TestBackoffDelayOverflowCaps(t *testing.T) {
	if got := backoffDelay(time.Second, 80, maxBackoff); got != maxBackoff {
		t.Errorf("overflowed delay = %s, want cap %s", got, maxBackoff)
	}
}

func trackedConfig() config.ServerConfig {
	return config.ServerConfig{
		ID:                "srv-1",
		Name:              "flaky",
		Type:              config.TransportPipe,
		Command:           "unused",
		Enabled:           true,
		AutoConnect:       true,
		ReconnectAttempts: 3,
		ReconnectDelayMs:  10,
	}
}

func TestSupervisorExhaustsAfterBudget(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	exhausted := bus.Subscribe(events.ConnectionExhausted)
	defer exhausted.Close()

	s := New(mcp.NewManager(), bus)
	s.Track(trackedConfig())

	// Drive the retry ledger directly: each failure schedules the next
	// attempt until the budget is gone.
	for i := 0; i < 3; i++ {
		s.scheduleRetry("srv-1")
	}

	s.mu.Lock()
	st := s.tracked["srv-1"]
	if st.timer != nil {
		st.timer.Stop()
	}
	retries := st.retries
	s.mu.Unlock()
	if retries != 3 {
		t.Fatalf("retries = %d, want 3", retries)
	}

	// A fourth failure exceeds the budget.
	s.scheduleRetry("srv-1")

	select {
	case ev := <-exhausted.Events():
		if ev.Payload["server_id"] != "srv-1" {
			t.Errorf("payload = %+v", ev.Payload)
		}
		if ev.Payload["attempts"] != 3 {
			t.Errorf("attempts = %v, want 3", ev.Payload["attempts"])
		}
	case <-time.After(time.Second):
		t.Fatal("no exhausted event published")
	}
}

func TestSupervisorIgnoresManualDisconnect(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	s := New(mcp.NewManager(), bus)
	s.Track(trackedConfig())

	s.handleEvent(events.New(events.ConnectionLost).
		With("server_id", "srv-1").
		With("manual", true))

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracked["srv-1"]
	if st.retries != 0 || st.timer != nil {
		t.Errorf("manual disconnect scheduled a retry: retries=%d", st.retries)
	}
}

func TestSupervisorIgnoresUntracked(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	s := New(mcp.NewManager(), bus)
	// No Track call; a loss for an unknown id is a no-op.
	s.handleEvent(events.New(events.ConnectionLost).
		With("server_id", "ghost").
		With("manual", false))
}

func TestSupervisorSuccessResetsRetries(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	s := New(mcp.NewManager(), bus)
	s.Track(trackedConfig())

	s.scheduleRetry("srv-1")
	s.scheduleRetry("srv-1")
	s.HandleSuccess("srv-1")

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracked["srv-1"]
	if st.retries != 0 {
		t.Errorf("retries = %d after success, want 0", st.retries)
	}
	if st.timer != nil {
		t.Error("pending retry should be cancelled on success")
	}
}

func TestSupervisorForgetCancelsRetry(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	s := New(mcp.NewManager(), bus)
	s.Track(trackedConfig())
	s.scheduleRetry("srv-1")
	s.Forget("srv-1")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracked["srv-1"]; ok {
		t.Error("server still tracked after Forget")
	}
}

func TestSupervisorSkipsDisabledAutoConnect(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	cfg := trackedConfig()
	cfg.AutoConnect = false

	s := New(mcp.NewManager(), bus)
	s.Track(cfg)
	s.scheduleRetry("srv-1")

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracked["srv-1"]
	if st.retries != 0 || st.timer != nil {
		t.Error("retry scheduled for a server without auto-connect")
	}
}

func TestSupervisorStartStop(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	defer bus.Close()

	s := New(mcp.NewManager(), bus, WithHeartbeat(time.Hour, time.Second))
	s.Start()
	s.Stop()

	// Stop again must not block.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop blocked")
	}
}
