package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/tools"
)

// Discoverer enumerates a connected server's tools and registers each as an
// invocable proxy in the shared registry under a namespaced name.
type Discoverer struct {
	registry *tools.Registry
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer that registers into registry.
func NewDiscoverer(registry *tools.Registry, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{registry: registry, logger: logger}
}

// RemoteToolName builds the namespaced registry name for a remote tool.
func RemoteToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp__%s__%s", sanitizeName(serverName), toolName)
}

// sanitizeName lowercases and replaces characters that would collide with
// the namespacing separators.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, name)
}

// Discover lists the server's tools and registers a proxy for each. It
// returns the registered names.
func (d *Discoverer) Discover(ctx context.Context, conn *Connection) ([]string, error) {
	if conn.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	infos, err := conn.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", conn.Name, err)
	}

	registered := make([]string, 0, len(infos))
	for _, info := range infos {
		tool := d.adapt(conn, info)
		if err := d.registry.Register(tool); err != nil {
			d.logger.Warn("skipping remote tool",
				zap.String("server", conn.Name),
				zap.String("tool", info.Name),
				zap.Error(err))
			continue
		}
		registered = append(registered, tool.Name)
	}

	d.logger.Info("discovered remote tools",
		zap.String("server", conn.Name),
		zap.Int("count", len(registered)))
	return registered, nil
}

// adapt wraps one remote tool description as a registry tool whose execute
// proxies through the connection.
func (d *Discoverer) adapt(conn *Connection, info ToolInfo) *tools.Tool {
	var schema map[string]any
	if len(info.InputSchema) > 0 {
		if err := json.Unmarshal(info.InputSchema, &schema); err != nil {
			d.logger.Debug("unparseable tool schema",
				zap.String("tool", info.Name), zap.Error(err))
			schema = nil
		}
	}

	remoteName := info.Name
	return &tools.Tool{
		Name:        RemoteToolName(conn.Name, info.Name),
		Description: fmt.Sprintf("[external:%s] %s", conn.Name, info.Description),
		Category:    "remote",
		Schema:      schema,
		Cacheable:   false,
		Source: &tools.RemoteSource{
			ServerID:     conn.ID,
			ServerName:   conn.Name,
			RemoteName:   remoteName,
			DiscoveredAt: time.Now(),
		},
		Execute: func(ctx context.Context, params map[string]any, _ *tools.ExecContext) (any, error) {
			// The connection may have dropped since discovery.
			if conn.Status() != StatusConnected {
				return nil, fmt.Errorf("server %s: %w", conn.Name, ErrNotConnected)
			}
			result, err := conn.CallTool(ctx, remoteName, params)
			if err != nil {
				return nil, fmt.Errorf("call %s on %s: %w", remoteName, conn.Name, err)
			}
			if result.IsError {
				return nil, fmt.Errorf("tool %s failed: %s", remoteName, result.Text())
			}
			return result.Text(), nil
		},
	}
}

// Drop unregisters every tool previously discovered from serverID.
func (d *Discoverer) Drop(serverID string) []string {
	removed := d.registry.UnregisterServer(serverID)
	if len(removed) > 0 {
		d.logger.Info("dropped remote tools",
			zap.String("server_id", serverID),
			zap.Int("count", len(removed)))
	}
	return removed
}

// Refresh re-enumerates a server: stale proxies are dropped first so renamed
// or removed remote tools do not linger.
func (d *Discoverer) Refresh(ctx context.Context, conn *Connection) ([]string, error) {
	d.Drop(conn.ID)
	return d.Discover(ctx, conn)
}
