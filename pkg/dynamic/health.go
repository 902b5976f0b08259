package dynamic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDegraded is returned by a probe to report reduced capability. The tool
// is marked degraded rather than unhealthy and stays executable.
var ErrDegraded = errors.New("degraded")

// DefaultProbeTimeout bounds a probe when its descriptor declares none.
const DefaultProbeTimeout = 5 * time.Second

// healthMonitor runs one timer goroutine per watched tool and folds probe
// outcomes into the registry's metadata.
type healthMonitor struct {
	registry *Registry

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

func newHealthMonitor(r *Registry) *healthMonitor {
	return &healthMonitor{
		registry: r,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// watch starts probing a tool. A nil descriptor or probe means the tool is
// not health-checked. Watching an already-watched id replaces its loop, so
// hot reload never leaves two probes running.
func (h *healthMonitor) watch(id string, hc *HealthCheck) {
	h.forget(id)
	if hc == nil || hc.Probe == nil || hc.Interval <= 0 {
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancels[id] = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go h.loop(ctx, id, hc)
}

// forget stops probing a tool.
func (h *healthMonitor) forget(id string) {
	h.mu.Lock()
	cancel, ok := h.cancels[id]
	if ok {
		delete(h.cancels, id)
	}
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// stop halts every probe loop and waits for them to exit.
func (h *healthMonitor) stop() {
	h.mu.Lock()
	h.stopped = true
	for id, cancel := range h.cancels {
		cancel()
		delete(h.cancels, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *healthMonitor) loop(ctx context.Context, id string, hc *HealthCheck) {
	defer h.wg.Done()

	ticker := time.NewTicker(hc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := h.runProbe(ctx, hc)
			h.registry.setHealth(id, state, err)
			if state != HealthHealthy {
				h.registry.logger.Warn("tool health probe",
					zap.String("tool", id),
					zap.String("health", string(state)),
					zap.Error(err))
			}
		}
	}
}

// runProbe executes one probe bounded by the descriptor timeout, converting
// panics to unhealthy.
func (h *healthMonitor) runProbe(ctx context.Context, hc *HealthCheck) (state HealthState, err error) {
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- hc.Probe(probeCtx)
	}()

	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = fmt.Errorf("probe timed out after %s", timeout)
	}

	switch {
	case err == nil:
		return HealthHealthy, nil
	case errors.Is(err, ErrDegraded):
		return HealthDegraded, err
	default:
		return HealthUnhealthy, err
	}
}
