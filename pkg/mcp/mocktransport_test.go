package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// mockTransport is a scripted in-memory transport. Tests wire an onSend hook
// to synthesize server behavior and use deliver to inject inbound frames.
type mockTransport struct {
	mu      sync.Mutex
	cb      Callbacks
	started bool
	closed  bool
	sent    [][]byte

	startErr error
	sendErr  error
	onSend   func(t *mockTransport, data []byte)
}

func (m *mockTransport) Start(_ context.Context, cb Callbacks) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.cb = cb
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Send(data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.sent = append(m.sent, cp)
	hook := m.onSend
	err := m.sendErr
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		go hook(m, cp)
	}
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cb := m.cb
	m.mu.Unlock()

	if cb.OnClose != nil {
		cb.OnClose()
	}
	return nil
}

func (m *mockTransport) deliver(data []byte) {
	m.mu.Lock()
	cb := m.cb
	closed := m.closed
	m.mu.Unlock()
	if closed || cb.OnMessage == nil {
		return
	}
	cb.OnMessage(data)
}

func (m *mockTransport) fail(err error) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(err)
	}
	if cb.OnClose != nil {
		cb.OnClose()
	}
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// respond builds a success response frame for id.
func respond(id int64, result string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

// respondError builds an error response frame for id.
func respondError(id int64, code int, msg string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, msg))
}

const initializeResult = `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"mock","version":"1.0"}}`

// scriptedServer answers initialize and dispatches other methods to handle.
// A nil handle leaves non-handshake requests unanswered.
func scriptedServer(handle func(id int64, method string) []byte) func(*mockTransport, []byte) {
	return func(m *mockTransport, data []byte) {
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.ID == nil {
			return
		}
		if f.Method == MethodInitialize {
			m.deliver(respond(*f.ID, initializeResult))
			return
		}
		if handle == nil {
			return
		}
		if resp := handle(*f.ID, f.Method); resp != nil {
			m.deliver(resp)
		}
	}
}
