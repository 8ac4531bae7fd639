package infra

import (
	"sync/atomic"
	"time"
)

// System state gauge values.
const (
	StateRunning   = "running"
	StateEmergency = "emergency"
	StateHalted    = "halted"
)

// Metrics provides lightweight observability without external
// dependencies. Uses atomic operations for thread-safety; consumers pull
// a Snapshot, nothing here blocks.
type Metrics struct {
	// Order outcome counters
	ordersSubmitted  atomic.Uint64
	ordersRetried    atomic.Uint64
	ordersSuppressed atomic.Uint64
	ordersFailed     atomic.Uint64

	// Rate limiter
	rateLimitWaits  atomic.Uint64
	rateLimitWaitNs atomic.Int64

	alertsRaised atomic.Uint64

	// 0 = running, 1 = emergency, 2 = halted
	systemState atomic.Int32
}

// NewMetrics creates a Metrics instance in the running state.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// OrderSubmitted records a successfully placed (or reconciled) order.
func (m *Metrics) OrderSubmitted() {
	m.ordersSubmitted.Add(1)
}

// OrderRetried records one retry attempt of an order placement.
func (m *Metrics) OrderRetried() {
	m.ordersRetried.Add(1)
}

// OrderSuppressed records an order refused by the circuit breaker.
func (m *Metrics) OrderSuppressed() {
	m.ordersSuppressed.Add(1)
}

// OrderFailed records an order that failed after exhausting retries.
func (m *Metrics) OrderFailed() {
	m.ordersFailed.Add(1)
}

// RateLimitWait records time spent blocked on rate-limit admission.
func (m *Metrics) RateLimitWait(d time.Duration) {
	m.rateLimitWaits.Add(1)
	m.rateLimitWaitNs.Add(int64(d))
}

// AlertRaised records a newly activated alert.
func (m *Metrics) AlertRaised() {
	m.alertsRaised.Add(1)
}

// SetSystemState updates the system state gauge. Unknown values are
// treated as halted.
func (m *Metrics) SetSystemState(state string) {
	switch state {
	case StateRunning:
		m.systemState.Store(0)
	case StateEmergency:
		m.systemState.Store(1)
	default:
		m.systemState.Store(2)
	}
}

// SystemState returns the current state gauge value.
func (m *Metrics) SystemState() string {
	switch m.systemState.Load() {
	case 0:
		return StateRunning
	case 1:
		return StateEmergency
	default:
		return StateHalted
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	OrdersSubmitted  uint64
	OrdersRetried    uint64
	OrdersSuppressed uint64
	OrdersFailed     uint64
	RateLimitWaits   uint64
	AvgRateLimitWait time.Duration
	AlertsRaised     uint64
	SystemState      string
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgWait time.Duration
	if waits := m.rateLimitWaits.Load(); waits > 0 {
		avgWait = time.Duration(m.rateLimitWaitNs.Load() / int64(waits))
	}

	return MetricsSnapshot{
		OrdersSubmitted:  m.ordersSubmitted.Load(),
		OrdersRetried:    m.ordersRetried.Load(),
		OrdersSuppressed: m.ordersSuppressed.Load(),
		OrdersFailed:     m.ordersFailed.Load(),
		RateLimitWaits:   m.rateLimitWaits.Load(),
		AvgRateLimitWait: avgWait,
		AlertsRaised:     m.alertsRaised.Load(),
		SystemState:      m.SystemState(),
		Timestamp:        time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ordersSubmitted.Store(0)
	m.ordersRetried.Store(0)
	m.ordersSuppressed.Store(0)
	m.ordersFailed.Store(0)
	m.rateLimitWaits.Store(0)
	m.rateLimitWaitNs.Store(0)
	m.alertsRaised.Store(0)
	m.systemState.Store(0)
}
