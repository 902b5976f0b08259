package dynamic

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/events"
	"github.com/jg-phare/toolgate/pkg/tools"
)

var (
	// ErrUnknownTool is returned for operations on ids never registered.
	ErrUnknownTool = errors.New("unknown dynamic tool")
	// ErrToolDisabled is returned when executing a disabled tool.
	ErrToolDisabled = errors.New("tool is disabled")
	// ErrPermissionDenied is returned when the caller lacks a permission the
	// tool requires.
	ErrPermissionDenied = errors.New("permission denied")
)

// Registry manages dynamic tools: registration with validation, lifecycle
// transitions, permission-gated execution, and the audit event log. Each
// registered tool is mirrored into the shared tool registry so discovery and
// search see one namespace.
type Registry struct {
	tools  *tools.Registry
	logger *zap.Logger
	bus    events.Publisher
	log    *eventLog
	health *healthMonitor

	mu   sync.RWMutex
	meta map[string]*ToolMetadata
}

// RegistryOption configures a dynamic Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPublisher sets the gateway event sink.
func WithPublisher(bus events.Publisher) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithEventCapacity overrides the audit log capacity.
func WithEventCapacity(n int) RegistryOption {
	return func(r *Registry) { r.log = newEventLog(n) }
}

// NewRegistry creates a dynamic registry mirroring into base.
func NewRegistry(base *tools.Registry, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  base,
		logger: zap.NewNop(),
		log:    newEventLog(DefaultEventCapacity),
		meta:   make(map[string]*ToolMetadata),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.health = newHealthMonitor(r)
	return r
}

// record appends to the audit log and mirrors the entry onto the gateway bus.
func (r *Registry) record(ev ToolEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.log.append(ev)
	if r.bus != nil {
		e := events.New(events.DynamicToolEvent).
			With("tool_id", ev.ToolID).
			With("action", ev.Action).
			With("success", ev.Success)
		if ev.Error != "" {
			e = e.With("error", ev.Error)
		}
		r.bus.Publish(e)
	}
}

// installedVersions snapshots id → parsed version for dependency checks.
// Callers hold at least the read lock.
func (r *Registry) installedVersionsLocked() map[string]*semver.Version {
	out := make(map[string]*semver.Version, len(r.meta))
	for id, m := range r.meta {
		if v, err := semver.NewVersion(m.Version); err == nil {
			out[id] = v
		}
	}
	return out
}

func (r *Registry) takenNamesLocked() map[string]string {
	out := make(map[string]string, len(r.meta))
	for id, m := range r.meta {
		out[m.Tool.Name] = id
	}
	return out
}

// Register validates and installs a dynamic tool. The returned result holds
// warnings even on success; on validation failure nothing is installed and
// the result's errors say why. Registering an existing id replaces it
// in place (an update).
func (r *Registry) Register(meta *ToolMetadata) (*ValidationResult, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil tool metadata")
	}

	r.mu.Lock()
	res := validate(meta, r.installedVersionsLocked(), r.takenNamesLocked())
	if !res.OK() {
		r.mu.Unlock()
		r.record(ToolEvent{
			ToolID:  meta.ID,
			Action:  "registered",
			Success: false,
			Error:   res.Err().Error(),
		})
		return res, res.Err()
	}

	now := time.Now()
	stored := meta.clone()
	prev, updating := r.meta[meta.ID]
	if updating {
		stored.InstalledAt = prev.InstalledAt
	} else {
		stored.InstalledAt = now
	}
	stored.UpdatedAt = now
	stored.Status = StateEnabled
	stored.Health = HealthUnknown
	stored.Enabled = true

	// The metadata insert and the executable swap happen under one critical
	// section so no reader pairs new metadata with the old execute body.
	r.meta[meta.ID] = stored
	if err := r.tools.Register(&stored.Tool); err != nil {
		if updating {
			r.meta[meta.ID] = prev
		} else {
			delete(r.meta, meta.ID)
		}
		r.mu.Unlock()
		return res, fmt.Errorf("register tool %q: %w", meta.ID, err)
	}
	r.mu.Unlock()

	r.health.watch(stored.ID, stored.HealthCheck)

	action := "registered"
	if updating {
		action = "updated"
	}
	for _, w := range res.Warnings {
		r.logger.Warn("tool registration warning",
			zap.String("tool", meta.ID), zap.String("warning", w))
	}
	r.logger.Info("dynamic tool "+action,
		zap.String("tool", meta.ID),
		zap.String("version", stored.Version))
	r.record(ToolEvent{ToolID: meta.ID, Action: action, Success: true,
		Details: map[string]any{"version": stored.Version}})
	return res, nil
}

// Execute runs a dynamic tool after checking that it is enabled and that the
// caller's permissions cover everything the tool requires. The permission
// check happens before any side effects.
func (r *Registry) Execute(ctx context.Context, id string, params map[string]any, ec *tools.ExecContext) (any, error) {
	r.mu.RLock()
	meta, ok := r.meta[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	enabled := meta.Enabled
	required := meta.Permissions
	toolName := meta.Tool.Name
	r.mu.RUnlock()

	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, id)
	}
	if missing := missingPermissions(required, ec); len(missing) > 0 {
		r.record(ToolEvent{ToolID: id, Action: "error", Success: false, User: actingUser(ec),
			Error: fmt.Sprintf("missing permissions: %v", missing)})
		return nil, fmt.Errorf("%w: tool %s requires %v", ErrPermissionDenied, id, missing)
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	result, err := r.tools.Execute(ctx, toolName, params, ec)
	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	r.mu.Lock()
	if m, still := r.meta[id]; still {
		m.LastUsed = time.Now()
	}
	r.mu.Unlock()

	ev := ToolEvent{
		ToolID:  id,
		Action:  "executed",
		Success: err == nil,
		User:    actingUser(ec),
		Details: map[string]any{
			"elapsedMs":  elapsed.Milliseconds(),
			"allocBytes": int64(after.TotalAlloc - before.TotalAlloc),
		},
	}
	if err != nil {
		ev.Action = "error"
		ev.Error = err.Error()
	}
	r.record(ev)

	return result, err
}

func actingUser(ec *tools.ExecContext) string {
	if ec == nil {
		return ""
	}
	return ec.UserID
}

// missingPermissions returns the tool permissions absent from the caller's
// set. A nil ExecContext grants nothing.
func missingPermissions(required []string, ec *tools.ExecContext) []string {
	if len(required) == 0 {
		return nil
	}
	granted := make(map[string]bool)
	if ec != nil {
		for _, p := range ec.Permissions {
			granted[p] = true
		}
	}
	var missing []string
	for _, p := range required {
		if !granted[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

// Enable re-activates a disabled tool.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true, StateEnabled, "enabled")
}

// Disable deactivates a tool without uninstalling it. Executions fail with
// ErrToolDisabled until re-enabled.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false, StateDisabled, "disabled")
}

func (r *Registry) setEnabled(id string, enabled bool, state LifecycleState, action string) error {
	r.mu.Lock()
	meta, ok := r.meta[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	meta.Enabled = enabled
	meta.Status = state
	meta.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("dynamic tool "+action, zap.String("tool", id))
	r.record(ToolEvent{ToolID: id, Action: action, Success: true})
	return nil
}

// Uninstall removes a tool: its health probe stops, its registry entry goes
// away, and its metadata is dropped. The audit history is retained.
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	meta, ok := r.meta[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	meta.Status = StateUninstalling
	toolName := meta.Tool.Name
	delete(r.meta, id)
	r.mu.Unlock()

	r.health.forget(id)
	r.tools.Unregister(toolName)

	r.logger.Info("dynamic tool uninstalled", zap.String("tool", id))
	r.record(ToolEvent{ToolID: id, Action: "unregistered", Success: true})
	return nil
}

// Metadata returns a copy of one tool's lifecycle record.
func (r *Registry) Metadata(id string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.meta[id]
	if !ok {
		return nil, false
	}
	return meta.clone(), true
}

// List returns copies of every tool's metadata, sorted by id.
func (r *Registry) List() []*ToolMetadata {
	r.mu.RLock()
	out := make([]*ToolMetadata, 0, len(r.meta))
	for _, m := range r.meta {
		out = append(out, m.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns the audit trail, optionally filtered by tool id and
// bounded to the most recent limit entries.
func (r *Registry) Events(toolID string, limit int) []ToolEvent {
	return r.log.list(toolID, limit)
}

// Close stops all health probing.
func (r *Registry) Close() {
	r.health.stop()
}

// setHealth records a probe outcome on the metadata.
func (r *Registry) setHealth(id string, h HealthState, cause error) {
	r.mu.Lock()
	meta, ok := r.meta[id]
	if ok {
		meta.Health = h
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ev := ToolEvent{ToolID: id, Action: "health-check", Success: h == HealthHealthy,
		Details: map[string]any{"health": string(h)}}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.record(ev)
}
