// Package tools provides the canonical registry of executable tools. Tools
// are either implemented natively by the host or adapted from tool-providing
// servers by the discovery layer; the registry treats both uniformly.
package tools

import (
	"context"
	"fmt"
	"time"
)

// ExecContext carries per-invocation metadata through a tool execution.
type ExecContext struct {
	RequestID   string
	Timestamp   time.Time
	Permissions []string
	Environment string
	UserID      string
	SessionID   string
}

// ExecuteFunc is the invocable body of a tool. The context carries the
// per-tool timeout when one is declared; implementations should honor it.
type ExecuteFunc func(ctx context.Context, params map[string]any, ec *ExecContext) (any, error)

// RemoteSource records the provenance of a tool discovered from an external
// server. Nil for natively implemented tools.
type RemoteSource struct {
	ServerID     string
	ServerName   string
	RemoteName   string
	DiscoveredAt time.Time
}

// Tool is a named, schema-described, invocable capability.
type Tool struct {
	Name        string
	Description string
	Category    string
	Schema      map[string]any // JSON Schema object describing parameters
	Execute     ExecuteFunc

	// Timeout bounds a single execution. Zero means the caller accepts
	// unbounded duration.
	Timeout   time.Duration
	Retryable bool
	Cacheable bool

	Source *RemoteSource
}

// Validate checks the fields required for registration.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q requires an execute function", t.Name)
	}
	return nil
}

// IsRemote reports whether the tool was discovered from an external server.
func (t *Tool) IsRemote() bool { return t.Source != nil }
