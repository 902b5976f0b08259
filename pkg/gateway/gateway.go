// Package gateway assembles the connection engine, the reconnection
// supervisor, remote tool discovery, and the dynamic tool registry behind
// one facade. Host applications construct a Gateway and drive everything
// through it.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/dynamic"
	"github.com/jg-phare/toolgate/pkg/events"
	"github.com/jg-phare/toolgate/pkg/mcp"
	"github.com/jg-phare/toolgate/pkg/supervise"
	"github.com/jg-phare/toolgate/pkg/tools"
)

// Options configure a Gateway. Zero values take sensible defaults.
type Options struct {
	Logger            *zap.Logger
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	EventBuffer       int
	EventHistory      int

	// TransportFactory overrides transport construction, for tests.
	TransportFactory mcp.TransportFactory
}

// Gateway is the top-level engine facade.
type Gateway struct {
	logger     *zap.Logger
	bus        *events.Bus
	manager    *mcp.Manager
	supervisor *supervise.Supervisor
	discoverer *mcp.Discoverer
	registry   *tools.Registry
	dynamic    *dynamic.Registry

	lostSub  events.Subscription
	lostDone chan struct{}
}

// New wires up a gateway. Call Start to begin supervision and Close to tear
// everything down.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := events.NewBus(events.BusConfig{SubscriberBufferSize: opts.EventBuffer})

	registry := tools.NewRegistry(
		tools.WithLogger(logger),
		tools.WithPublisher(bus),
	)

	managerOpts := []mcp.ManagerOption{
		mcp.WithManagerLogger(logger),
		mcp.WithManagerPublisher(bus),
	}
	if opts.RequestTimeout > 0 {
		managerOpts = append(managerOpts, mcp.WithManagerRequestTimeout(opts.RequestTimeout))
	}
	if opts.TransportFactory != nil {
		managerOpts = append(managerOpts, mcp.WithTransportFactory(opts.TransportFactory))
	}
	manager := mcp.NewManager(managerOpts...)

	discoverer := mcp.NewDiscoverer(registry, logger)

	supervisor := supervise.New(manager, bus,
		supervise.WithLogger(logger),
		supervise.WithHeartbeat(opts.HeartbeatInterval, opts.HeartbeatTimeout),
		supervise.WithOnReconnected(func(conn *mcp.Connection) {
			ctx, cancel := context.WithTimeout(context.Background(), mcp.DefaultRequestTimeout)
			defer cancel()
			if _, err := discoverer.Refresh(ctx, conn); err != nil {
				logger.Warn("rediscovery after reconnect failed",
					zap.String("server", conn.Name), zap.Error(err))
			}
		}),
	)

	dynOpts := []dynamic.RegistryOption{
		dynamic.WithLogger(logger),
		dynamic.WithPublisher(bus),
	}
	if opts.EventHistory > 0 {
		dynOpts = append(dynOpts, dynamic.WithEventCapacity(opts.EventHistory))
	}
	dyn := dynamic.NewRegistry(registry, dynOpts...)

	g := &Gateway{
		logger:     logger,
		bus:        bus,
		manager:    manager,
		supervisor: supervisor,
		discoverer: discoverer,
		registry:   registry,
		dynamic:    dyn,
		lostSub:    bus.Subscribe(events.ConnectionLost),
		lostDone:   make(chan struct{}),
	}
	go g.dropOnLoss()
	return g
}

// dropOnLoss unregisters a lost server's remote tools so stale proxies never
// linger in the registry. Reconnection rediscovers them.
func (g *Gateway) dropOnLoss() {
	defer close(g.lostDone)
	for ev := range g.lostSub.Events() {
		id, _ := ev.Payload["server_id"].(string)
		if id == "" {
			continue
		}
		if removed := g.discoverer.Drop(id); len(removed) > 0 {
			g.logger.Info("dropped remote tools for lost server",
				zap.String("server", id), zap.Int("count", len(removed)))
		}
	}
}

// Start begins supervision and connects every enabled auto-connect server,
// discovering its tools. Individual connect failures are logged; the
// supervisor takes over their retries.
func (g *Gateway) Start(ctx context.Context, servers []config.ServerConfig) {
	g.supervisor.Start()

	for _, cfg := range servers {
		cfg.ApplyDefaults()
		g.supervisor.Track(cfg)
		if !cfg.Enabled || !cfg.AutoConnect {
			continue
		}
		if _, err := g.Connect(ctx, cfg); err != nil {
			g.logger.Warn("initial connect failed",
				zap.String("server", cfg.Name), zap.Error(err))
		}
	}
}

// Close disconnects everything and stops background work.
func (g *Gateway) Close() {
	g.supervisor.Stop()
	g.manager.DisconnectAll()
	g.dynamic.Close()
	_ = g.lostSub.Close()
	<-g.lostDone
	_ = g.bus.Close()
}

// Connect establishes a supervised connection and discovers its tools.
func (g *Gateway) Connect(ctx context.Context, cfg config.ServerConfig) (*mcp.Connection, error) {
	cfg.ApplyDefaults()
	g.supervisor.Track(cfg)

	conn, err := g.manager.Connect(ctx, cfg)
	if err != nil {
		return conn, err
	}
	if _, err := g.discoverer.Discover(ctx, conn); err != nil {
		g.logger.Warn("tool discovery failed",
			zap.String("server", cfg.Name), zap.Error(err))
	}
	return conn, nil
}

// Disconnect deliberately tears a server down: its remote tools are dropped
// and the supervisor stops watching it.
func (g *Gateway) Disconnect(id string) error {
	g.supervisor.Forget(id)
	g.discoverer.Drop(id)
	return g.manager.Disconnect(id)
}

// Toggle enables or disables one server. Enabling connects it and discovers
// its tools; disabling tears it down and drops them.
func (g *Gateway) Toggle(ctx context.Context, cfg config.ServerConfig, enabled bool) error {
	if !enabled {
		return g.Disconnect(cfg.ID)
	}
	cfg.Enabled = true
	_, err := g.Connect(ctx, cfg)
	return err
}

// DisconnectAll tears down every connection.
func (g *Gateway) DisconnectAll() {
	for _, conn := range g.manager.List(false) {
		g.supervisor.Forget(conn.ID)
		g.discoverer.Drop(conn.ID)
	}
	g.manager.DisconnectAll()
}

// Reconnect forces an immediate reconnect, resetting the retry budget.
func (g *Gateway) Reconnect(id string) {
	g.supervisor.ForceReconnect(id)
}

// Connections lists tracked connections; connectedOnly filters to live ones.
func (g *Gateway) Connections(connectedOnly bool) []*mcp.Connection {
	return g.manager.List(connectedOnly)
}

// Connection returns one connection by server id.
func (g *Gateway) Connection(id string) (*mcp.Connection, bool) {
	return g.manager.Get(id)
}

func (g *Gateway) conn(id string) (*mcp.Connection, error) {
	conn, ok := g.manager.Get(id)
	if !ok {
		return nil, fmt.Errorf("no connection for server %q", id)
	}
	return conn, nil
}

// ListRemoteTools lists the tools a connected server advertises.
func (g *Gateway) ListRemoteTools(ctx context.Context, serverID string) ([]mcp.ToolInfo, error) {
	conn, err := g.conn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ListTools(ctx)
}

// ListPrompts lists a connected server's prompt templates.
func (g *Gateway) ListPrompts(ctx context.Context, serverID string) ([]mcp.PromptInfo, error) {
	conn, err := g.conn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ListPrompts(ctx)
}

// GetPrompt renders one prompt template from a connected server.
func (g *Gateway) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	conn, err := g.conn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.GetPrompt(ctx, name, args)
}

// ListResources lists a connected server's resources.
func (g *Gateway) ListResources(ctx context.Context, serverID string) ([]mcp.Resource, error) {
	conn, err := g.conn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ListResources(ctx)
}

// ReadResource reads one resource from a connected server.
func (g *Gateway) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ResourceReadResult, error) {
	conn, err := g.conn(serverID)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// Registry exposes the shared tool registry.
func (g *Gateway) Registry() *tools.Registry { return g.registry }

// CallTool executes any registered tool, native or remote.
func (g *Gateway) CallTool(ctx context.Context, name string, params map[string]any, ec *tools.ExecContext) (any, error) {
	return g.registry.Execute(ctx, name, params, ec)
}

// SearchTools ranks registered tools against a free-text query.
func (g *Gateway) SearchTools(query string, limit int) []tools.ScoredTool {
	return g.registry.Search(query, limit)
}

// ToolMetrics returns the execution metrics for one tool.
func (g *Gateway) ToolMetrics(name string) (tools.ExecutionMetrics, bool) {
	return g.registry.Metrics(name)
}

// Dynamic exposes the dynamic tool registry.
func (g *Gateway) Dynamic() *dynamic.Registry { return g.dynamic }

// Subscribe receives events of one type.
func (g *Gateway) Subscribe(t events.Type) events.Subscription {
	return g.bus.Subscribe(t)
}

// SubscribeAll receives every gateway event.
func (g *Gateway) SubscribeAll() events.Subscription {
	return g.bus.SubscribeAll()
}
