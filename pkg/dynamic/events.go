package dynamic

import (
	"sync"
	"time"
)

// DefaultEventCapacity bounds the in-memory lifecycle event history.
const DefaultEventCapacity = 1000

// ToolEvent is one entry in the lifecycle audit trail.
type ToolEvent struct {
	ToolID    string         `json:"toolId"`
	Action    string         `json:"action"` // registered, unregistered, enabled, disabled, updated, executed, health-check, error, reloaded
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	User      string         `json:"user,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// eventLog is a fixed-capacity ring of lifecycle events. When full, the
// oldest entry is evicted.
type eventLog struct {
	mu    sync.Mutex
	buf   []ToolEvent
	start int // index of oldest entry
	size  int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &eventLog{buf: make([]ToolEvent, capacity)}
}

func (l *eventLog) append(ev ToolEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = ev
		l.size++
		return
	}
	// Full: overwrite the oldest.
	l.buf[l.start] = ev
	l.start = (l.start + 1) % len(l.buf)
}

// list returns events oldest-first, optionally filtered by tool id and
// truncated to the most recent limit entries. limit <= 0 means all.
func (l *eventLog) list(toolID string, limit int) []ToolEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ToolEvent, 0, l.size)
	for i := 0; i < l.size; i++ {
		ev := l.buf[(l.start+i)%len(l.buf)]
		if toolID != "" && ev.ToolID != toolID {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
