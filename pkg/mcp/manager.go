package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/events"
)

// Manager owns the set of connections, at most one live connection per
// server id. Connect/Disconnect/SetServers are its only mutation paths.
type Manager struct {
	logger         *zap.Logger
	bus            events.Publisher
	factory        TransportFactory
	requestTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerPublisher sets the event publisher.
func WithManagerPublisher(bus events.Publisher) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithTransportFactory overrides how transports are built. Tests inject
// scripted transports through this.
func WithTransportFactory(factory TransportFactory) ManagerOption {
	return func(m *Manager) {
		if factory != nil {
			m.factory = factory
		}
	}
}

// WithManagerRequestTimeout sets the per-request timeout for all connections.
func WithManagerRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

// NewManager creates an empty connection manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:         zap.NewNop(),
		factory:        NewTransport,
		requestTimeout: DefaultRequestTimeout,
		conns:          make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// Connect establishes a connection for cfg. Any existing connection with the
// same id is torn down first, so an id never has two live sessions. The
// connection object is retained even when the connect fails, so its error
// state remains inspectable.
func (m *Manager) Connect(ctx context.Context, cfg config.ServerConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	cfg.ApplyDefaults()

	m.mu.RLock()
	prev := m.conns[cfg.ID]
	m.mu.RUnlock()
	if prev != nil && (prev.Status() == StatusConnected || prev.Status() == StatusConnecting) {
		m.logger.Info("replacing live connection", zap.String("server", cfg.Name))
		_ = prev.Disconnect()
	}

	transport, err := m.factory(cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("build transport for %s: %w", cfg.Name, err)
	}

	conn := NewConnection(cfg, transport, m.logger,
		WithRequestTimeout(m.requestTimeout),
		WithStateChange(m.handleStateChange),
	)

	m.mu.Lock()
	m.conns[cfg.ID] = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.publish(events.New(events.ConnectionFailed).
			With("server_id", cfg.ID).
			With("server_name", cfg.Name).
			With("error", err.Error()))
		return conn, err
	}

	m.publish(events.New(events.ConnectionEstablished).
		With("server_id", cfg.ID).
		With("server_name", cfg.Name))
	return conn, nil
}

// handleStateChange translates transport-driven status transitions into bus
// events. Deliberate disconnects are marked manual so the supervisor leaves
// them alone.
func (m *Manager) handleStateChange(c *Connection, status Status, manual bool, cause error) {
	switch status {
	case StatusDisconnected:
		m.publish(events.New(events.ConnectionLost).
			With("server_id", c.ID).
			With("server_name", c.Name).
			With("manual", manual))
	case StatusError:
		// An error transition fans out as two events: connection.error
		// carries the failure detail, connection.lost drives tool drop
		// and reconnection.
		ev := events.New(events.ConnectionError).
			With("server_id", c.ID).
			With("server_name", c.Name)
		if cause != nil {
			ev = ev.With("error", cause.Error())
		}
		m.publish(ev)

		lost := events.New(events.ConnectionLost).
			With("server_id", c.ID).
			With("server_name", c.Name).
			With("manual", false)
		if cause != nil {
			lost = lost.With("error", cause.Error())
		}
		m.publish(lost)
	case StatusConnected, StatusConnecting:
		// Connect publishes connection.established itself.
	}
}

// Disconnect tears down the connection for id and forgets it.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no connection for server %q", id)
	}
	return conn.Disconnect()
}

// DisconnectAll tears down every connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Disconnect(); err != nil {
			m.logger.Warn("disconnect failed",
				zap.String("server", c.Name), zap.Error(err))
		}
	}
}

// Get returns the connection for id, if any.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// List returns all tracked connections. With connectedOnly it filters to
// currently connected sessions.
func (m *Manager) List(connectedOnly bool) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if connectedOnly && c.Status() != StatusConnected {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SetServers reconciles the tracked set against configs: servers that
// disappeared are disconnected, new or changed ones with AutoConnect are
// connected. Individual failures are logged, not fatal.
func (m *Manager) SetServers(ctx context.Context, configs []config.ServerConfig) {
	want := make(map[string]config.ServerConfig, len(configs))
	for _, cfg := range configs {
		want[cfg.ID] = cfg
	}

	m.mu.RLock()
	var stale []string
	for id := range m.conns {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.Disconnect(id); err != nil {
			m.logger.Warn("reconcile disconnect failed",
				zap.String("server_id", id), zap.Error(err))
		}
	}

	for _, cfg := range configs {
		if !cfg.Enabled || !cfg.AutoConnect {
			continue
		}
		if existing, ok := m.Get(cfg.ID); ok && existing.Status() == StatusConnected {
			continue
		}
		if _, err := m.Connect(ctx, cfg); err != nil {
			m.logger.Warn("reconcile connect failed",
				zap.String("server", cfg.Name), zap.Error(err))
		}
	}
}
