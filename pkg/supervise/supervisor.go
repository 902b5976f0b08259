// Package supervise keeps tracked connections alive: it reschedules bounded
// exponential-backoff reconnects after transport-driven losses and probes
// live connections with periodic heartbeats.
package supervise

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/events"
	"github.com/jg-phare/toolgate/pkg/mcp"
)

// Defaults for the heartbeat loop.
const (
	DefaultHeartbeatInterval = 5 * time.Minute
	DefaultHeartbeatTimeout  = 10 * time.Second

	// maxBackoff caps the doubling reconnect delay.
	maxBackoff = 60 * time.Second
)

// Bus is the subset of the event bus the supervisor consumes.
type Bus interface {
	events.Publisher
	SubscribeAll() events.Subscription
}

// Supervisor watches connection lifecycle events and schedules reconnects
// for tracked servers. It never reconnects a deliberate disconnect.
type Supervisor struct {
	manager *mcp.Manager
	bus     Bus
	logger  *zap.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	onReconnected func(conn *mcp.Connection)

	mu      sync.Mutex
	tracked map[string]*serverState

	sub    events.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// serverState is the per-server retry ledger. At most one retry timer is
// pending per server.
type serverState struct {
	cfg     config.ServerConfig
	retries int
	timer   *time.Timer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHeartbeat overrides the probe interval and per-probe timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
		if timeout > 0 {
			s.heartbeatTimeout = timeout
		}
	}
}

// WithOnReconnected registers a hook invoked after a successful reconnect,
// typically to rediscover the server's tools.
func WithOnReconnected(f func(conn *mcp.Connection)) Option {
	return func(s *Supervisor) { s.onReconnected = f }
}

// New creates a supervisor over manager, consuming lifecycle events from bus.
func New(manager *mcp.Manager, bus Bus, opts ...Option) *Supervisor {
	s := &Supervisor{
		manager:           manager,
		bus:               bus,
		logger:            zap.NewNop(),
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		tracked:           make(map[string]*serverState),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Track registers a server for supervision. Tracking an already-tracked id
// updates its config and resets its retry counter.
func (s *Supervisor) Track(cfg config.ServerConfig) {
	cfg.ApplyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tracked[cfg.ID]; ok {
		st.cfg = cfg
		st.retries = 0
		return
	}
	s.tracked[cfg.ID] = &serverState{cfg: cfg}
}

// Forget stops supervising a server and cancels any pending retry.
func (s *Supervisor) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tracked[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.tracked, id)
	}
}

// Start begins consuming lifecycle events and probing heartbeats.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sub = s.bus.SubscribeAll()
	go s.run(ctx)
}

// Stop halts the event loop, the heartbeat ticker, and all pending retries.
// Stop without a prior Start is a no-op.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Close()
	}
	<-s.done

	s.mu.Lock()
	for _, st := range s.tracked {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

// handleEvent reacts to connection lifecycle events. Losses marked manual
// are deliberate and never trigger a reconnect.
func (s *Supervisor) handleEvent(ev events.Event) {
	id, _ := ev.Payload["server_id"].(string)
	if id == "" {
		return
	}

	switch ev.Type {
	case events.ConnectionEstablished:
		s.HandleSuccess(id)
	case events.ConnectionLost:
		if manual, _ := ev.Payload["manual"].(bool); manual {
			return
		}
		s.scheduleRetry(id)
	case events.ConnectionFailed:
		s.scheduleRetry(id)
	}
}

// HandleSuccess resets the retry counter after a successful connect.
func (s *Supervisor) HandleSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tracked[id]; ok {
		st.retries = 0
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

// backoffDelay doubles base per prior retry, capped at maxDelay.
func backoffDelay(base time.Duration, retries int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = config.ServerConfig{ReconnectDelayMs: config.DefaultReconnectDelayMs}.ReconnectDelay()
	}
	d := base << uint(retries)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// scheduleRetry arms the reconnect timer for id. A retry already pending is
// replaced, so at most one fires. Once the attempt budget is exhausted it
// publishes connection.exhausted and gives up until ForceReconnect or a
// fresh Track.
func (s *Supervisor) scheduleRetry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tracked[id]
	if !ok || !st.cfg.AutoConnect {
		return
	}

	if st.retries >= st.cfg.ReconnectAttempts {
		s.logger.Warn("reconnect attempts exhausted",
			zap.String("server", st.cfg.Name),
			zap.Int("attempts", st.retries))
		s.bus.Publish(events.New(events.ConnectionExhausted).
			With("server_id", id).
			With("server_name", st.cfg.Name).
			With("attempts", st.retries))
		return
	}

	delay := backoffDelay(st.cfg.ReconnectDelay(), st.retries, maxBackoff)
	st.retries++
	attempt := st.retries

	s.logger.Info("scheduling reconnect",
		zap.String("server", st.cfg.Name),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() { s.attempt(id) })
}

// attempt performs one reconnect. Failure events from the manager bring us
// back through scheduleRetry with the incremented counter.
func (s *Supervisor) attempt(id string) {
	s.mu.Lock()
	st, ok := s.tracked[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	cfg := st.cfg
	attempt := st.retries
	s.mu.Unlock()

	s.logger.Info("reconnecting",
		zap.String("server", cfg.Name),
		zap.Int("attempt", attempt))

	ctx, cancel := context.WithTimeout(context.Background(), mcp.DefaultRequestTimeout)
	defer cancel()

	conn, err := s.manager.Connect(ctx, cfg)
	if err != nil {
		s.logger.Warn("reconnect failed",
			zap.String("server", cfg.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return
	}

	s.logger.Info("reconnected", zap.String("server", cfg.Name))
	if s.onReconnected != nil {
		s.onReconnected(conn)
	}
}

// ForceReconnect resets the retry counter and connects immediately.
func (s *Supervisor) ForceReconnect(id string) {
	s.mu.Lock()
	st, ok := s.tracked[id]
	if ok {
		st.retries = 0
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	s.mu.Unlock()
	if ok {
		s.attempt(id)
	}
}

// probeAll runs a lightweight request against every connected server. A
// probe failure tears the connection down, which feeds the normal retry
// path.
func (s *Supervisor) probeAll(ctx context.Context) {
	for _, conn := range s.manager.List(true) {
		s.probe(ctx, conn)
	}
}

func (s *Supervisor) probe(ctx context.Context, conn *mcp.Connection) {
	probeCtx, cancel := context.WithTimeout(ctx, s.heartbeatTimeout)
	defer cancel()

	if _, err := conn.ListTools(probeCtx); err != nil {
		s.logger.Warn("heartbeat failed",
			zap.String("server", conn.Name),
			zap.Error(err))
		// Tear down; the resulting lost event schedules the retry.
		if derr := s.manager.Disconnect(conn.ID); derr != nil {
			s.logger.Debug("heartbeat teardown failed",
				zap.String("server", conn.Name),
				zap.Error(derr))
		}
		s.scheduleRetry(conn.ID)
		return
	}

	conn.MarkHeartbeat()
	s.logger.Debug("heartbeat ok", zap.String("server", conn.Name))
}
