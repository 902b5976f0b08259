// Package dynamic manages tools that are installed, upgraded, health-probed,
// hot-reloaded, and removed at runtime. It layers lifecycle state, versioned
// dependency checks, and permission gating on top of the plain tool registry.
package dynamic

import (
	"context"
	"time"

	"github.com/jg-phare/toolgate/pkg/tools"
)

// LifecycleState is the installation state of a dynamic tool.
type LifecycleState string

const (
	StateInstalling   LifecycleState = "installing"
	StateInstalled    LifecycleState = "installed"
	StateEnabled      LifecycleState = "enabled"
	StateDisabled     LifecycleState = "disabled"
	StateUpdating     LifecycleState = "updating"
	StateUninstalling LifecycleState = "uninstalling"
	StateError        LifecycleState = "error"
	StateDeprecated   LifecycleState = "deprecated"
)

// Dependency declares that a tool needs another dynamic tool present,
// referenced by its registry id, with an optional semver constraint such as
// "^1.2.0" or ">=2, <3".
type Dependency struct {
	ID         string `json:"id"`
	Constraint string `json:"constraint,omitempty"`
	Optional   bool   `json:"optional,omitempty"`
}

// Security captures the trust posture of a tool's code.
type Security struct {
	Checksum      string `json:"checksum,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Sandboxed     bool   `json:"sandboxed"`
	TrustedSource bool   `json:"trustedSource"`
}

// ProbeFunc checks a tool's health. A nil error means healthy; ErrDegraded
// reports reduced capability without failing the tool.
type ProbeFunc func(ctx context.Context) error

// HealthCheck configures periodic probing of one tool.
type HealthCheck struct {
	Interval time.Duration
	Timeout  time.Duration
	Probe    ProbeFunc
}

// HealthState is the outcome of the most recent probe.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ToolMetadata is the full lifecycle record of one dynamic tool. Tool holds
// the invocable definition registered into the shared registry.
type ToolMetadata struct {
	ID   string     `json:"id"`
	Tool tools.Tool `json:"-"`

	Version      string       `json:"version"`
	Author       string       `json:"author,omitempty"`
	License      string       `json:"license,omitempty"`
	Keywords     []string     `json:"keywords,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Permissions  []string     `json:"permissions,omitempty"`
	Security     Security     `json:"security"`
	HealthCheck  *HealthCheck `json:"-"`

	Status     LifecycleState `json:"status"`
	Health     HealthState    `json:"health"`
	Enabled    bool           `json:"enabled"`
	SourcePath string         `json:"sourcePath,omitempty"`

	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastUsed    time.Time `json:"lastUsed,omitempty"`
}

// clone returns a shallow copy safe to hand to callers.
func (m *ToolMetadata) clone() *ToolMetadata {
	out := *m
	return &out
}
