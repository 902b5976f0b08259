// Gateway daemon: connects to the configured tool servers, keeps them alive,
// and serves health and event streams over HTTP.
//
// Usage:
//
//	toolgate -servers servers.json -settings settings.yaml -listen :8585
//
// The servers document is JSON (see pkg/config); settings are optional YAML
// overrides for timeouts and buffer sizes. Connect to ws://host/events for a
// live event stream, GET /healthz for connection status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/jg-phare/toolgate/pkg/config"
	"github.com/jg-phare/toolgate/pkg/gateway"
)

// settings are host-level tunables, separate from the server document.
type settings struct {
	RequestTimeoutSec    int `yaml:"requestTimeoutSec"`
	HeartbeatIntervalSec int `yaml:"heartbeatIntervalSec"`
	HeartbeatTimeoutSec  int `yaml:"heartbeatTimeoutSec"`
	EventBuffer          int `yaml:"eventBuffer"`
	EventHistory         int `yaml:"eventHistory"`
}

func loadSettings(path string) (settings, error) {
	var s settings
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

func main() {
	serversPath := flag.String("servers", "servers.json", "Path to the server document")
	settingsPath := flag.String("settings", "", "Path to optional YAML settings")
	listen := flag.String("listen", ":8585", "HTTP listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sett, err := loadSettings(*settingsPath)
	if err != nil {
		logger.Fatal("load settings", zap.Error(err))
	}

	store := config.NewStore(*serversPath)
	doc, err := store.Load()
	if err != nil {
		logger.Fatal("load server document", zap.Error(err))
	}
	logger.Info("loaded server document",
		zap.String("path", *serversPath),
		zap.Int("servers", len(doc.Servers)))

	gw := gateway.New(gateway.Options{
		Logger:            logger,
		RequestTimeout:    time.Duration(sett.RequestTimeoutSec) * time.Second,
		HeartbeatInterval: time.Duration(sett.HeartbeatIntervalSec) * time.Second,
		HeartbeatTimeout:  time.Duration(sett.HeartbeatTimeoutSec) * time.Second,
		EventBuffer:       sett.EventBuffer,
		EventHistory:      sett.EventHistory,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw.Start(ctx, doc.Servers)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth(gw))
	mux.HandleFunc("/events", handleEvents(gw, logger))

	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		logger.Info("listening", zap.String("addr", *listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Close()
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// handleHealth reports every tracked connection's status.
func handleHealth(gw *gateway.Gateway) http.HandlerFunc {
	type connStatus struct {
		ID            string    `json:"id"`
		Name          string    `json:"name"`
		Status        string    `json:"status"`
		LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
		LastError     string    `json:"lastError,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conns := gw.Connections(false)
		out := make([]connStatus, 0, len(conns))
		for _, c := range conns {
			cs := connStatus{
				ID:            c.ID,
				Name:          c.Name,
				Status:        string(c.Status()),
				LastHeartbeat: c.LastHeartbeat(),
			}
			if err := c.LastError(); err != nil {
				cs.LastError = err.Error()
			}
			out = append(out, cs)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools":       gw.Registry().Count(),
			"connections": out,
		})
	}
}

// handleEvents streams gateway events over a websocket, one JSON object per
// message. Slow clients are dropped rather than buffered indefinitely.
func handleEvents(gw *gateway.Gateway, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("websocket accept", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		sub := gw.SubscribeAll()
		defer sub.Close()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, ev)
				cancel()
				if err != nil {
					logger.Debug("event stream write", zap.Error(err))
					return
				}
			}
		}
	}
}
