package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jg-phare/toolgate/pkg/config"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		ID:      "srv-1",
		Name:    "mock",
		Type:    config.TransportPipe,
		Command: "unused",
		Enabled: true,
	}
}

func TestConnectionHandshake(t *testing.T) {
	mt := &mockTransport{onSend: scriptedServer(nil)}
	conn := NewConnection(testServerConfig(), mt, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if conn.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", conn.Status())
	}
	if info := conn.ServerInfo(); info == nil || info.Name != "mock" {
		t.Errorf("server info = %+v", info)
	}
	if caps := conn.Capabilities(); caps == nil || caps.Tools == nil {
		t.Errorf("capabilities = %+v", caps)
	}

	// initialize request plus initialized notification.
	if got := mt.sentCount(); got != 2 {
		t.Errorf("sent %d frames, want 2", got)
	}
}

func TestConnectionHandshakeError(t *testing.T) {
	mt := &mockTransport{onSend: func(m *mockTransport, data []byte) {
		var f frame
		if json.Unmarshal(data, &f) == nil && f.ID != nil {
			m.deliver(respondError(*f.ID, -32600, "unsupported client"))
		}
	}}
	conn := NewConnection(testServerConfig(), mt, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Connect(ctx)
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if conn.Status() != StatusError {
		t.Errorf("status = %s, want error", conn.Status())
	}
	if conn.LastError() == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestConnectionStartFailure(t *testing.T) {
	mt := &mockTransport{startErr: errors.New("spawn failed")}
	conn := NewConnection(testServerConfig(), mt, nil)

	if err := conn.Connect(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	if conn.Status() != StatusError {
		t.Errorf("status = %s, want error", conn.Status())
	}
}

func TestConnectionConcurrentRequests(t *testing.T) {
	// Respond out of order: even ids answer immediately, odd ids after a
	// delay. Correlation must still route each response to its caller.
	mt := &mockTransport{onSend: scriptedServer(func(id int64, method string) []byte {
		result := fmt.Sprintf(`{"tools":[{"name":"tool-%d"}]}`, id)
		if id%2 == 1 {
			time.Sleep(20 * time.Millisecond)
		}
		return respond(id, result)
	})}
	conn := NewConnection(testServerConfig(), mt, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tools, err := conn.ListTools(ctx)
			if err != nil {
				errs <- err
				return
			}
			if len(tools) != 1 {
				errs <- fmt.Errorf("got %d tools", len(tools))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestConnectionRequestTimeout(t *testing.T) {
	// Answer the handshake but never tools/list.
	mt := &mockTransport{onSend: scriptedServer(nil)}
	conn := NewConnection(testServerConfig(), mt, nil,
		WithRequestTimeout(50*time.Millisecond))

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := conn.ListTools(ctx)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}

	// The pending entry must be gone: a late response for it is dropped
	// without interfering with later requests.
	conn.pendMu.Lock()
	remaining := len(conn.pending)
	conn.pendMu.Unlock()
	if remaining != 0 {
		t.Errorf("%d pending requests after timeout, want 0", remaining)
	}
}

func TestConnectionDisconnectFailsPending(t *testing.T) {
	mt := &mockTransport{onSend: scriptedServer(nil)}
	conn := NewConnection(testServerConfig(), mt, nil)

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.ListTools(ctx)
		done <- err
	}()

	// Let the request register before tearing down.
	for i := 0; i < 100; i++ {
		conn.pendMu.Lock()
		n := len(conn.pending)
		conn.pendMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never resolved")
	}

	if conn.Status() != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", conn.Status())
	}
}

func TestConnectionTransportLossFailsPending(t *testing.T) {
	mt := &mockTransport{onSend: scriptedServer(nil)}
	conn := NewConnection(testServerConfig(), mt, nil)

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.ListTools(ctx)
		done <- err
	}()

	for i := 0; i < 100; i++ {
		conn.pendMu.Lock()
		n := len(conn.pending)
		conn.pendMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mt.fail(errors.New("pipe broke"))

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected pending request to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never resolved")
	}

	if conn.Status() != StatusError {
		t.Errorf("status = %s, want error", conn.Status())
	}
}

func TestConnectionNotificationDispatch(t *testing.T) {
	mt := &mockTransport{onSend: scriptedServer(nil)}

	got := make(chan string, 1)
	conn := NewConnection(testServerConfig(), mt, nil,
		WithNotificationHandler(func(method string, _ json.RawMessage) {
			got <- method
		}))

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	mt.deliver([]byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`))

	select {
	case method := <-got:
		if method != "notifications/tools/list_changed" {
			t.Errorf("method = %q", method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestConnectionCallWhileDisconnected(t *testing.T) {
	mt := &mockTransport{}
	conn := NewConnection(testServerConfig(), mt, nil)

	if _, err := conn.ListTools(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectionStateChangeCallback(t *testing.T) {
	mt := &mockTransport{onSend: scriptedServer(nil)}

	type transition struct {
		status Status
		manual bool
	}
	var mu sync.Mutex
	var seen []transition

	conn := NewConnection(testServerConfig(), mt, nil,
		WithStateChange(func(_ *Connection, status Status, manual bool, _ error) {
			mu.Lock()
			seen = append(seen, transition{status, manual})
			mu.Unlock()
		}))

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []transition{{StatusConnected, false}, {StatusDisconnected, true}}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %+v, want %+v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}
