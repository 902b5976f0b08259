package tools

import (
	"sync"
	"time"
)

// ExecutionMetrics is a per-tool rolling execution summary.
type ExecutionMetrics struct {
	TotalExecutions      int64         `json:"totalExecutions"`
	SuccessfulExecutions int64         `json:"successfulExecutions"`
	AverageLatency       time.Duration `json:"averageLatency"`
	SuccessRate          float64       `json:"successRate"`
	LastExecuted         time.Time     `json:"lastExecuted"`
}

// metricsTable tracks execution metrics keyed by tool name.
type metricsTable struct {
	mu     sync.Mutex
	byName map[string]*ExecutionMetrics
}

func newMetricsTable() *metricsTable {
	return &metricsTable{byName: make(map[string]*ExecutionMetrics)}
}

// record folds one execution into the rolling average for a tool.
func (m *metricsTable) record(name string, success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byName[name]
	if !ok {
		cur = &ExecutionMetrics{}
		m.byName[name] = cur
	}

	total := cur.TotalExecutions
	cur.AverageLatency = time.Duration((int64(cur.AverageLatency)*total + int64(elapsed)) / (total + 1))
	cur.TotalExecutions++
	if success {
		cur.SuccessfulExecutions++
	}
	cur.SuccessRate = float64(cur.SuccessfulExecutions) / float64(cur.TotalExecutions)
	cur.LastExecuted = time.Now()
}

// get returns a copy of the metrics for one tool.
func (m *metricsTable) get(name string) (ExecutionMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byName[name]
	if !ok {
		return ExecutionMetrics{}, false
	}
	return *cur, true
}

// all returns a copy of every tool's metrics.
func (m *metricsTable) all() map[string]ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ExecutionMetrics, len(m.byName))
	for name, cur := range m.byName {
		out[name] = *cur
	}
	return out
}

// remove drops metrics for an unregistered tool.
func (m *metricsTable) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, name)
}

// successRate returns the recorded success rate, defaulting to 0 for
// never-executed tools.
func (m *metricsTable) successRate(name string) (rate float64, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byName[name]
	if !ok {
		return 0, 0
	}
	return cur.SuccessRate, cur.TotalExecutions
}
