package provider

import (
	"sync"
	"time"
)

// Metrics tracks per-instance call statistics. The moving-average response
// time is an exponentially weighted average so recent latency dominates.
type Metrics struct {
	mu             sync.Mutex
	requestCount   uint64
	errorCount     uint64
	activeRequests int
	avgResponseMs  float64
}

// ewmaAlpha weights the most recent sample at 20%.
const ewmaAlpha = 0.2

// Begin records the start of a call.
func (m *Metrics) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRequests++
	m.requestCount++
}

// End records the completion of a call with its duration and outcome.
func (m *Metrics) End(duration time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRequests--
	if failed {
		m.errorCount++
	}
	sample := float64(duration.Milliseconds())
	if m.avgResponseMs == 0 {
		m.avgResponseMs = sample
	} else {
		m.avgResponseMs = ewmaAlpha*sample + (1-ewmaAlpha)*m.avgResponseMs
	}
}

// MetricsSnapshot is an immutable copy of an instance's metrics.
type MetricsSnapshot struct {
	RequestCount   uint64  `json:"request_count"`
	ErrorCount     uint64  `json:"error_count"`
	ActiveRequests int     `json:"active_requests"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	ErrorRate      float64 `json:"error_rate"`
}

// Snapshot returns a consistent copy of the current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		RequestCount:   m.requestCount,
		ErrorCount:     m.errorCount,
		ActiveRequests: m.activeRequests,
		AvgResponseMs:  m.avgResponseMs,
	}
	if m.requestCount > 0 {
		snap.ErrorRate = float64(m.errorCount) / float64(m.requestCount)
	}
	return snap
}
