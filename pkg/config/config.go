// Package config defines the server configuration model consumed by the
// gateway engine and the JSON document format used to persist it. The engine
// itself never reads or writes files; loading and saving the document is the
// host application's job (see Store).
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport kind constants.
const (
	TransportPipe = "pipe" // spawned subprocess, framed over stdin/stdout
	TransportHTTP = "http" // streamable HTTP endpoint
)

// Defaults applied by ApplyDefaults.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelayMs  = 5000
)

// ServerConfig is the identity and connection recipe for one tool-providing
// server. It is created through the administrative API and never mutated by
// the engine.
type ServerConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "pipe" or "http"

	// Pipe transport parameters.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP transport parameters.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	Enabled           bool `json:"enabled"`
	AutoConnect       bool `json:"autoConnect"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
	ReconnectDelayMs  int  `json:"reconnectDelayMs"`
}

// ReconnectDelay returns the base reconnect delay as a duration.
func (c ServerConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// ApplyDefaults fills zero-value retry fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelayMs == 0 {
		c.ReconnectDelayMs = DefaultReconnectDelayMs
	}
}

// Validate checks that the config names a usable transport.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server config requires an id")
	}
	if c.Name == "" {
		return fmt.Errorf("server %q requires a name", c.ID)
	}
	switch c.Type {
	case TransportPipe, "":
		if c.Command == "" {
			return fmt.Errorf("server %q: pipe transport requires a command", c.ID)
		}
	case TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("server %q: http transport requires a URL", c.ID)
		}
	default:
		return fmt.Errorf("server %q: unsupported transport type %q", c.ID, c.Type)
	}
	return nil
}

// Document is the persisted server-set JSON document.
type Document struct {
	Version     int            `json:"version"`
	Servers     []ServerConfig `json:"servers"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// ParseDocument decodes a persisted document, applies defaults, and validates
// every entry. IDs and names must be unique across the document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse server document: %w", err)
	}

	ids := make(map[string]bool, len(doc.Servers))
	names := make(map[string]bool, len(doc.Servers))
	for i := range doc.Servers {
		doc.Servers[i].ApplyDefaults()
		if err := doc.Servers[i].Validate(); err != nil {
			return nil, err
		}
		if ids[doc.Servers[i].ID] {
			return nil, fmt.Errorf("duplicate server id %q", doc.Servers[i].ID)
		}
		if names[doc.Servers[i].Name] {
			return nil, fmt.Errorf("duplicate server name %q", doc.Servers[i].Name)
		}
		ids[doc.Servers[i].ID] = true
		names[doc.Servers[i].Name] = true
	}
	return &doc, nil
}

// EncodeDocument serializes a document, stamping LastUpdated.
func EncodeDocument(doc *Document) ([]byte, error) {
	doc.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode server document: %w", err)
	}
	return append(data, '\n'), nil
}
