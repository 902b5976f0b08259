package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
)

// DefaultRequestTimeout bounds how long a pending request waits for its
// response before failing.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrNotConnected is returned when an operation requires a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrRequestTimeout is returned when a request's response never arrives.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrConnectionClosed fails pending requests when the connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
)

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// StateChangeFunc is invoked after every status transition. The manual flag
// is true when the transition was caused by a deliberate Disconnect.
type StateChangeFunc func(c *Connection, status Status, manual bool, cause error)

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	ch    chan outcome
	timer *time.Timer
}

// Connection is one session with a server: it owns the transport, performs
// the initialize handshake, and correlates responses to requests by id.
type Connection struct {
	ID     string
	Name   string
	Config config.ServerConfig

	transport      Transport
	logger         *zap.Logger
	requestTimeout time.Duration

	mu            sync.RWMutex
	status        Status
	serverInfo    *ServerInfo
	capabilities  *ServerCapabilities
	lastError     error
	createdAt     time.Time
	lastHeartbeat time.Time
	handshaking   bool

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]*pendingRequest

	onNotification NotificationHandler
	onStateChange  StateChangeFunc

	closing atomic.Bool
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithNotificationHandler sets the handler for server notifications.
func WithNotificationHandler(h NotificationHandler) ConnectionOption {
	return func(c *Connection) { c.onNotification = h }
}

// WithStateChange sets the status transition callback.
func WithStateChange(f StateChangeFunc) ConnectionOption {
	return func(c *Connection) { c.onStateChange = f }
}

// NewConnection builds a connection around an unstarted transport.
func NewConnection(cfg config.ServerConfig, transport Transport, logger *zap.Logger, opts ...ConnectionOption) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Config:         cfg,
		transport:      transport,
		logger:         logger.With(zap.String("server", cfg.Name)),
		requestTimeout: DefaultRequestTimeout,
		status:         StatusDisconnected,
		createdAt:      time.Now(),
		pending:        make(map[int64]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ServerInfo returns the server's advertised identity, nil before handshake.
func (c *Connection) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns the server's advertised capabilities, nil before
// handshake.
func (c *Connection) Capabilities() *ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// LastError returns the most recent fatal error, if any.
func (c *Connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastHeartbeat returns when the connection last passed a health probe.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// MarkHeartbeat records a successful health probe.
func (c *Connection) MarkHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Connection) setStatus(status Status, manual bool, cause error) {
	c.mu.Lock()
	prev := c.status
	c.status = status
	if cause != nil {
		c.lastError = cause
	}
	cb := c.onStateChange
	c.mu.Unlock()

	if prev != status {
		c.logger.Debug("connection status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(status)))
		if cb != nil {
			cb(c, status, manual, cause)
		}
	}
}

// Connect starts the transport and runs the initialize handshake. On any
// failure the transport is torn down and the connection enters the error
// state.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already active", c.Name)
	}
	c.status = StatusConnecting
	c.handshaking = true
	c.lastError = nil
	c.mu.Unlock()

	err := c.transport.Start(ctx, Callbacks{
		OnMessage: c.onMessage,
		OnError:   c.onTransportError,
		OnClose:   c.onTransportClose,
	})
	if err != nil {
		c.finishConnect(fmt.Errorf("start transport: %w", err))
		return fmt.Errorf("start transport: %w", err)
	}

	if err := c.handshake(ctx); err != nil {
		_ = c.transport.Close()
		c.finishConnect(err)
		return err
	}

	c.mu.Lock()
	c.handshaking = false
	c.status = StatusConnected
	c.lastHeartbeat = time.Now()
	cb := c.onStateChange
	c.mu.Unlock()

	c.logger.Info("connected",
		zap.String("server", c.Name),
		zap.String("transport", c.Config.Type))
	if cb != nil {
		cb(c, StatusConnected, false, nil)
	}
	return nil
}

// finishConnect records a handshake failure and fails anything in flight.
// No state-change callback fires here: Connect's caller sees the error
// directly.
func (c *Connection) finishConnect(cause error) {
	c.mu.Lock()
	c.handshaking = false
	c.status = StatusError
	c.lastError = cause
	c.mu.Unlock()

	c.failAllPending(cause)
	c.logger.Warn("connect failed", zap.Error(cause))
}

func (c *Connection) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo: ClientInfo{
			Name:    "toolgate",
			Version: "1.0.0",
		},
	}

	raw, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.capabilities = &result.Capabilities
	c.mu.Unlock()

	if err := c.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Disconnect deliberately tears the session down. A shutdown notification is
// attempted but its failure does not block teardown.
func (c *Connection) Disconnect() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	if c.Status() == StatusConnected {
		if err := c.notify(MethodShutdown, nil); err != nil {
			c.logger.Debug("shutdown notification failed", zap.Error(err))
		}
	}

	err := c.transport.Close()
	c.failAllPending(ErrConnectionClosed)
	c.setStatus(StatusDisconnected, true, nil)
	c.logger.Info("disconnected", zap.String("server", c.Name))
	return err
}

// call sends a request and blocks until its response arrives, the timeout
// fires, or ctx is done.
func (c *Connection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.RLock()
	ready := c.status == StatusConnected || (c.handshaking && c.status == StatusConnecting)
	c.mu.RUnlock()
	if !ready {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	pr := &pendingRequest{ch: make(chan outcome, 1)}
	pr.timer = time.AfterFunc(c.requestTimeout, func() {
		c.settle(id, outcome{err: fmt.Errorf("%s: %w", method, ErrRequestTimeout)})
	})

	c.pendMu.Lock()
	c.pending[id] = pr
	c.pendMu.Unlock()

	if err := c.transport.Send(data); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("send %s: %w", method, err)})
	}

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.settle(id, outcome{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification.
func (c *Connection) notify(method string, params any) error {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return c.transport.Send(data)
}

// settle resolves a pending request exactly once. Later settles for the same
// id are dropped.
func (c *Connection) settle(id int64, out outcome) {
	c.pendMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	pr.ch <- out
}

// failAllPending resolves every in-flight request with err.
func (c *Connection) failAllPending(err error) {
	c.pendMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.pendMu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- outcome{err: err}
	}
}

// onMessage classifies an inbound frame as a response or a notification.
func (c *Connection) onMessage(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping unparseable frame", zap.Error(err))
		return
	}

	switch {
	case f.ID != nil:
		var resp JSONRPCResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.settle(*f.ID, outcome{err: fmt.Errorf("decode response: %w", err)})
			return
		}
		if resp.Error != nil {
			c.settle(*f.ID, outcome{err: resp.Error})
			return
		}
		c.settle(*f.ID, outcome{result: resp.Result})

	case f.Method != "":
		c.logger.Debug("notification", zap.String("method", f.Method))
		if c.onNotification != nil {
			c.onNotification(f.Method, f.Params)
		}

	default:
		c.logger.Warn("dropping frame with neither id nor method")
	}
}

func (c *Connection) onTransportError(err error) {
	if c.closing.Load() {
		return
	}
	c.logger.Warn("transport error", zap.Error(err))
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.lastError = err
	}
	c.mu.Unlock()
}

func (c *Connection) onTransportClose() {
	if c.closing.Load() {
		return
	}
	c.mu.RLock()
	active := c.status == StatusConnected || c.status == StatusConnecting
	handshaking := c.handshaking
	cause := c.lastError
	c.mu.RUnlock()
	if !active {
		return
	}
	if cause == nil {
		cause = ErrConnectionClosed
	}
	// During the handshake the failure surfaces from Connect itself.
	if handshaking {
		c.failAllPending(cause)
		return
	}
	c.failAllPending(cause)
	c.setStatus(StatusError, false, cause)
}

// ListTools asks the server for its tool catalog.
func (c *Connection) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with arguments.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.call(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &result, nil
}

// ListPrompts asks the server for its prompt catalog.
func (c *Connection) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	raw, err := c.call(ctx, MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	var result PromptsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode prompts list: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt fetches one prompt with arguments substituted.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	raw, err := c.call(ctx, MethodPromptsGet, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode prompt: %w", err)
	}
	return &result, nil
}

// ListResources asks the server for its resource catalog.
func (c *Connection) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.call(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result ResourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resources list: %w", err)
	}
	return result.Resources, nil
}

// ReadResource fetches a resource's contents by URI.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	raw, err := c.call(ctx, MethodResourcesRead, ResourceReadParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result ResourceReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return &result, nil
}
