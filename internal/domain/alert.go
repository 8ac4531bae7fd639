package domain

import "time"

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an operator-facing risk notification. ID is a stable key per
// condition type ("drawdown", "daily_loss", ...) so that re-raising the
// same condition replaces rather than duplicates, and clearing removes it.
type Alert struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"` // "warning" | "critical"
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
