package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "place_order")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ExchangeError is a business-level rejection from the exchange
// (invalid parameters, insufficient balance, unknown symbol, ...).
// Never retriable: resubmitting the same request cannot succeed.
type ExchangeError struct {
	Code string
	Msg  string
}

func (e *ExchangeError) Error() string {
	return "exchange error [" + e.Code + "]: " + e.Msg
}

func (e *ExchangeError) IsRetriable() bool {
	return false
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// OrderSubmissionError is returned once every retry attempt has been
// exhausted and reconciliation found no matching order on the exchange.
// It carries the error from the last attempt.
type OrderSubmissionError struct {
	ClientOrderID string
	Attempts      int
	LastErr       error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("order submission failed after %d attempts (clientOrderId=%s): %v",
		e.Attempts, e.ClientOrderID, e.LastErr)
}

func (e *OrderSubmissionError) Unwrap() error {
	return e.LastErr
}

// TradingDisabledError is returned when the circuit breaker rejects an
// order before transmission. Fatal to the call, not to the process.
type TradingDisabledError struct {
	Reason            string
	CooldownRemaining time.Duration
}

func (e *TradingDisabledError) Error() string {
	if e.Reason == "" {
		return "trading disabled by circuit breaker"
	}
	return "trading disabled by circuit breaker: " + e.Reason
}

func (e *TradingDisabledError) IsRetriable() bool {
	return false
}

// Is lets callers test for ErrTradingDisabled without knowing the concrete type.
func (e *TradingDisabledError) Is(target error) bool {
	return target == ErrTradingDisabled
}

var (
	// ErrTradingDisabled matches any TradingDisabledError via errors.Is.
	ErrTradingDisabled = errors.New("trading disabled")

	// ErrReconciliationAmbiguous is returned when more than one exchange
	// order matches a client order id. Never silently pick one.
	ErrReconciliationAmbiguous = errors.New("reconciliation ambiguous: multiple orders match client order id")

	// ErrOrderNotFound is returned when a specific order lookup yields nothing.
	ErrOrderNotFound = errors.New("order not found")
)
