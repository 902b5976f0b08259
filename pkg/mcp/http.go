package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StreamTransport talks to a server over streamable HTTP: each frame is an
// HTTP POST, and the response arrives either as immediate JSON or as a
// server-push event stream whose data lines are delivered one frame each.
type StreamTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger

	cb     Callbacks
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessionID string // Mcp-Session-Id issued by the server

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// NewStreamTransport creates a streamable-HTTP transport for the given URL
// with optional custom headers.
func NewStreamTransport(url string, headers map[string]string, logger *zap.Logger) *StreamTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamTransport{
		url:     url,
		headers: headers,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Start records the callbacks. HTTP has no standing channel to establish;
// connection refusal surfaces from the first Send (the handshake request),
// before any OnMessage can fire.
func (t *StreamTransport) Start(ctx context.Context, cb Callbacks) error {
	t.cb = cb
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.started.Store(true)
	return nil
}

// Send POSTs one frame and spawns a reader that delivers whatever the server
// pushes back, either a single JSON body or a stream of SSE data frames.
func (t *StreamTransport) Send(data []byte) error {
	if !t.started.Load() || t.closed.Load() {
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		// Notification accepted, no body.
		resp.Body.Close()
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	t.streams.Add(1)
	go t.readResponse(resp)
	return nil
}

// readResponse delivers the response body to OnMessage: each SSE data line
// as one frame, or the whole body as one JSON frame.
func (t *StreamTransport) readResponse(resp *http.Response) {
	defer t.streams.Done()
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			t.deliver([]byte(strings.TrimPrefix(line, "data: ")))
		}
		if err := scanner.Err(); err != nil && !t.closed.Load() {
			t.fail(fmt.Errorf("event stream: %w", err))
		}
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if !t.closed.Load() {
			t.fail(fmt.Errorf("read response: %w", err))
		}
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		t.deliver(body)
	}
}

func (t *StreamTransport) deliver(data []byte) {
	if t.closed.Load() {
		return
	}
	if t.cb.OnMessage != nil {
		t.cb.OnMessage(data)
	}
}

func (t *StreamTransport) fail(err error) {
	t.logger.Debug("stream transport error", zap.String("url", t.url), zap.Error(err))
	if t.cb.OnError != nil {
		t.cb.OnError(err)
	}
}

// Close cancels in-flight requests and fires OnClose once.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.cancel != nil {
			t.cancel()
		}
		t.streams.Wait()
		if t.cb.OnClose != nil {
			t.cb.OnClose()
		}
	})
	return nil
}

var _ Transport = (*StreamTransport)(nil)
