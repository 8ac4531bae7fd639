package infra

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"perp_go/internal/domain"
)

// AlertHistoryStore persists raised alerts for later review. Optional.
type AlertHistoryStore interface {
	SaveAlert(alert domain.Alert) error
}

// AlertCenter tracks active alerts keyed by their stable condition id.
// Raising an already-active id refreshes its message without a second
// notification; clearing removes it, so the active set always mirrors the
// conditions currently breached. Sink delivery is fire-and-forget: a slow
// or failing sink never blocks the caller.
type AlertCenter struct {
	mu     sync.Mutex
	active map[string]domain.Alert
	sinks  []domain.AlertSink

	history AlertHistoryStore // optional
	metrics *Metrics          // optional

	now func() time.Time
}

var _ domain.AlertSink = (*AlertCenter)(nil)

// NewAlertCenter creates an AlertCenter fanning out to the given sinks.
func NewAlertCenter(sinks ...domain.AlertSink) *AlertCenter {
	return &AlertCenter{
		active: make(map[string]domain.Alert),
		sinks:  sinks,
		now:    time.Now,
	}
}

// WithHistory attaches persistent alert history.
func (c *AlertCenter) WithHistory(store AlertHistoryStore) *AlertCenter {
	c.history = store
	return c
}

// WithMetrics attaches the alerts-raised counter.
func (c *AlertCenter) WithMetrics(m *Metrics) *AlertCenter {
	c.metrics = m
	return c
}

// Raise activates the alert with the given id. Only the first activation
// notifies sinks; re-raising updates the stored message and severity but
// keeps the original activation time.
func (c *AlertCenter) Raise(id, severity, alertType, message string) {
	c.Notify(domain.Alert{
		ID:       id,
		Severity: severity,
		Type:     alertType,
		Message:  message,
	})
}

// Notify implements domain.AlertSink, so components that only know the
// sink interface (the circuit breaker) feed the same keyed registry.
func (c *AlertCenter) Notify(alert domain.Alert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = c.now()
	}

	c.mu.Lock()
	existing, wasActive := c.active[alert.ID]
	if wasActive {
		alert.CreatedAt = existing.CreatedAt
	}
	c.active[alert.ID] = alert
	sinks := append([]domain.AlertSink(nil), c.sinks...)
	c.mu.Unlock()

	if wasActive {
		return
	}

	slog.Warn("alert raised", "id", alert.ID, "severity", alert.Severity, "message", alert.Message)
	if c.metrics != nil {
		c.metrics.AlertRaised()
	}
	if c.history != nil {
		if err := c.history.SaveAlert(alert); err != nil {
			slog.Error("failed to persist alert", "id", alert.ID, "error", err)
		}
	}
	for _, sink := range sinks {
		go sink.Notify(alert)
	}
}

// Clear deactivates the alert with the given id. Clearing an inactive id
// is a no-op.
func (c *AlertCenter) Clear(id string) {
	c.mu.Lock()
	_, wasActive := c.active[id]
	delete(c.active, id)
	c.mu.Unlock()

	if wasActive {
		slog.Info("alert cleared", "id", id)
	}
}

// IsActive reports whether the alert with the given id is active.
func (c *AlertCenter) IsActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// Active returns the currently active alerts, oldest first.
func (c *AlertCenter) Active() []domain.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]domain.Alert, 0, len(c.active))
	for _, a := range c.active {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
