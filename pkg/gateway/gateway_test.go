package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/events"
	"github.com/jg-phare/toolgate/pkg/mcp"
)

// fakeTransport is an in-memory transport backed by a canned request
// handler, standing in for a real server process.
type fakeTransport struct {
	mu     sync.Mutex
	cb     mcp.Callbacks
	closed bool
}

func (f *fakeTransport) Start(_ context.Context, cb mcp.Callbacks) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	cb := f.cb
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return mcp.ErrTransportClosed
	}

	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
		return nil
	}

	var result string
	switch req.Method {
	case mcp.MethodInitialize:
		result = `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"1.0"}}`
	case mcp.MethodToolsList:
		result = `{"tools":[{"name":"greet","description":"Say hello"}]}`
	case mcp.MethodToolsCall:
		result = `{"content":[{"type":"text","text":"hello"}],"isError":false}`
	default:
		result = `{}`
	}

	go cb.OnMessage([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *req.ID, result)))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fail simulates the underlying server going away.
func (f *fakeTransport) fail(cause error) {
	f.mu.Lock()
	cb := f.cb
	f.closed = true
	f.mu.Unlock()
	cb.OnError(cause)
	cb.OnClose()
}

func fakeFactory(_ config.ServerConfig, _ *zap.Logger) (mcp.Transport, error) {
	return &fakeTransport{}, nil
}

func serverCfg() config.ServerConfig {
	return config.ServerConfig{
		ID:      "fake-1",
		Name:    "fake",
		Type:    config.TransportPipe,
		Command: "unused",
		Enabled: true,
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw := New(Options{
		TransportFactory:  fakeFactory,
		HeartbeatInterval: time.Hour,
	})
	t.Cleanup(gw.Close)
	return gw
}

func TestGatewayConnectDiscoversTools(t *testing.T) {
	gw := newTestGateway(t)

	conn, err := gw.Connect(context.Background(), serverCfg())
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status() != mcp.StatusConnected {
		t.Fatalf("status = %s", conn.Status())
	}

	if _, ok := gw.Registry().Get("mcp__fake__greet"); !ok {
		t.Fatalf("discovered tool missing; have %v", gw.Registry().Names())
	}

	result, err := gw.CallTool(context.Background(), "mcp__fake__greet", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "hello" {
		t.Errorf("result = %v", result)
	}
}

func TestGatewayDisconnectDropsTools(t *testing.T) {
	gw := newTestGateway(t)

	if _, err := gw.Connect(context.Background(), serverCfg()); err != nil {
		t.Fatal(err)
	}
	if err := gw.Disconnect("fake-1"); err != nil {
		t.Fatal(err)
	}

	if gw.Registry().Count() != 0 {
		t.Errorf("tools remain after disconnect: %v", gw.Registry().Names())
	}
	if got := len(gw.Connections(true)); got != 0 {
		t.Errorf("live connections = %d", got)
	}
}

func TestGatewayPublishesLifecycleEvents(t *testing.T) {
	gw := newTestGateway(t)

	sub := gw.Subscribe(events.ConnectionEstablished)
	defer sub.Close()

	if _, err := gw.Connect(context.Background(), serverCfg()); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Payload["server_id"] != "fake-1" {
			t.Errorf("payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no established event")
	}
}

func TestGatewaySearchFindsRemoteTools(t *testing.T) {
	gw := newTestGateway(t)

	if _, err := gw.Connect(context.Background(), serverCfg()); err != nil {
		t.Fatal(err)
	}

	results := gw.SearchTools("greet", 5)
	if len(results) == 0 || results[0].Tool.Name != "mcp__fake__greet" {
		t.Fatalf("results = %+v", results)
	}
}

func TestGatewayDropsToolsOnConnectionLoss(t *testing.T) {
	var (
		mu   sync.Mutex
		last *fakeTransport
	)
	gw := New(Options{
		HeartbeatInterval: time.Hour,
		TransportFactory: func(_ config.ServerConfig, _ *zap.Logger) (mcp.Transport, error) {
			ft := &fakeTransport{}
			mu.Lock()
			last = ft
			mu.Unlock()
			return ft, nil
		},
	})
	t.Cleanup(gw.Close)

	if _, err := gw.Connect(context.Background(), serverCfg()); err != nil {
		t.Fatal(err)
	}
	if _, ok := gw.Registry().Get("mcp__fake__greet"); !ok {
		t.Fatal("discovered tool missing")
	}

	mu.Lock()
	ft := last
	mu.Unlock()
	ft.fail(fmt.Errorf("server crashed"))

	deadline := time.Now().Add(2 * time.Second)
	for gw.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tools survived connection loss: %v", gw.Registry().Names())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayToggle(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	if err := gw.Toggle(ctx, serverCfg(), true); err != nil {
		t.Fatal(err)
	}
	if got := len(gw.Connections(true)); got != 1 {
		t.Fatalf("live = %d after enable", got)
	}

	if err := gw.Toggle(ctx, serverCfg(), false); err != nil {
		t.Fatal(err)
	}
	if got := len(gw.Connections(true)); got != 0 {
		t.Errorf("live = %d after disable", got)
	}
	if gw.Registry().Count() != 0 {
		t.Errorf("tools remain after disable: %v", gw.Registry().Names())
	}
}

func TestGatewayStartAutoConnects(t *testing.T) {
	gw := newTestGateway(t)

	auto := serverCfg()
	auto.AutoConnect = true
	manual := serverCfg()
	manual.ID = "fake-2"
	manual.Name = "fake-two"
	manual.AutoConnect = false

	gw.Start(context.Background(), []config.ServerConfig{auto, manual})

	if got := len(gw.Connections(true)); got != 1 {
		t.Fatalf("live = %d, want 1 (auto-connect only)", got)
	}
	if _, ok := gw.Connection("fake-1"); !ok {
		t.Error("auto-connect server missing")
	}
}
