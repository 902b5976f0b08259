package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/events"
)

// Registry holds available tools and resolves them by name. All mutations
// are atomic per key; concurrent execution, discovery, and hot reload share
// one instance safely.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	metrics *metricsTable
	logger  *zap.Logger
	bus     events.Publisher
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithPublisher sets the event sink for registration and execution events.
func WithPublisher(bus events.Publisher) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// NewRegistry creates a new tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]*Tool),
		metrics: newMetricsTable(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. An existing entry under the same name is silently
// replaced (last write wins) with a warning; every call emits exactly one
// registered event.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.tools[tool.Name]; exists {
		r.logger.Warn("overwriting registered tool", zap.String("tool", tool.Name))
	}
	r.tools[tool.Name] = tool
	r.mu.Unlock()

	r.publish(events.New(events.ToolRegistered).
		With("tool", tool.Name).
		With("category", tool.Category).
		With("remote", tool.IsRemote()))
	return nil
}

// Unregister removes a tool by name. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()

	if ok {
		r.metrics.remove(name)
		r.publish(events.New(events.ToolUnregistered).With("tool", name))
	}
	return ok
}

// UnregisterMatching removes every tool whose name matches the glob pattern
// and returns the removed names. Patterns use doublestar syntax, so
// "remote.github.*" and "**" both work.
func (r *Registry) UnregisterMatching(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	r.mu.Lock()
	var removed []string
	for name := range r.tools {
		if ok, _ := doublestar.Match(pattern, name); ok {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, name := range removed {
		r.metrics.remove(name)
		r.publish(events.New(events.ToolUnregistered).With("tool", name))
	}
	return removed, nil
}

// UnregisterServer removes every tool discovered from the given server id
// and returns the removed names.
func (r *Registry) UnregisterServer(serverID string) []string {
	r.mu.Lock()
	var removed []string
	for name, tool := range r.tools {
		if tool.Source != nil && tool.Source.ServerID == serverID {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	for _, name := range removed {
		r.metrics.remove(name)
		r.publish(events.New(events.ToolUnregistered).
			With("tool", name).
			With("serverId", serverID))
	}
	return removed
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByCategory returns all tools in a category, sorted by name.
func (r *Registry) ByCategory(category string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tool
	for _, tool := range r.tools {
		if tool.Category == category {
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Metrics returns the recorded execution metrics for one tool.
func (r *Registry) Metrics(name string) (ExecutionMetrics, bool) {
	return r.metrics.get(name)
}

// AllMetrics returns execution metrics for every tool that has executed.
func (r *Registry) AllMetrics() map[string]ExecutionMetrics {
	return r.metrics.all()
}

// Execute runs a tool by name, racing it against the tool's declared timeout
// when one is set, and folds the outcome into the tool's rolling metrics.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, ec *ExecContext) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	r.publish(events.New(events.ToolExecutionStarted).With("tool", name))

	start := time.Now()
	result, err := r.run(ctx, tool, params, ec)
	elapsed := time.Since(start)

	r.metrics.record(name, err == nil, elapsed)

	if err != nil {
		r.logger.Debug("tool execution failed",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		r.publish(events.New(events.ToolExecutionFailed).
			With("tool", name).
			With("elapsedMs", elapsed.Milliseconds()).
			With("error", err.Error()))
		return nil, err
	}

	r.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Duration("elapsed", elapsed))
	r.publish(events.New(events.ToolExecutionCompleted).
		With("tool", name).
		With("elapsedMs", elapsed.Milliseconds()))
	return result, nil
}

// run invokes the tool body, bounding it by the tool timeout if declared.
// The execute function keeps running in its goroutine after a timeout; the
// registry does not attempt to cancel remote work beyond ctx cancellation.
func (r *Registry) run(ctx context.Context, tool *Tool, params map[string]any, ec *ExecContext) (any, error) {
	if tool.Timeout <= 0 {
		return tool.Execute(ctx, params, ec)
	}

	execCtx, cancel := context.WithTimeout(ctx, tool.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(execCtx, params, ec)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s: %s", ErrExecutionTimeout, tool.Timeout, tool.Name)
	}
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}
