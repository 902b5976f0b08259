package mcp

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
)

// ErrTransportClosed is returned by Send once the underlying channel is gone.
var ErrTransportClosed = errors.New("transport closed")

// Callbacks receive inbound frames, transport failures, and channel closure.
// They must be registered before Start and may fire from transport-owned
// goroutines; implementations never interpret frame content.
type Callbacks struct {
	// OnMessage delivers one inbound framed message. The slice is owned by
	// the receiver.
	OnMessage func(data []byte)

	// OnError reports a transport-level failure. The channel may still close
	// afterwards.
	OnError func(err error)

	// OnClose fires once when the channel is gone, on every exit path.
	OnClose func()
}

// Transport is a bidirectional framed-message channel to one server. A
// failure to establish the channel surfaces from Start, before any OnMessage
// fires.
type Transport interface {
	// Start establishes the underlying channel and begins delivering callbacks.
	Start(ctx context.Context, cb Callbacks) error

	// Send writes one framed message, fire-and-forget. It fails if the
	// channel is unavailable.
	Send(data []byte) error

	// Close releases the underlying channel. Idempotent.
	Close() error
}

// TransportFactory builds a transport from a server config. The manager's
// default factory handles the pipe and http kinds; tests inject their own.
type TransportFactory func(cfg config.ServerConfig, logger *zap.Logger) (Transport, error)

// NewTransport is the default TransportFactory.
func NewTransport(cfg config.ServerConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Type {
	case config.TransportPipe, "":
		return NewPipeTransport(cfg.Command, cfg.Args, cfg.Env, logger), nil
	case config.TransportHTTP:
		return NewStreamTransport(cfg.URL, cfg.Headers, logger), nil
	default:
		return nil, errors.New("unsupported transport type: " + cfg.Type)
	}
}
