package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"
)

// OrderIntent is what a strategy wants done. The ClientOrderID is the
// idempotency anchor: generated once per intent and reused verbatim on
// every retry, so a resubmission is recognized as the same logical order.
type OrderIntent struct {
	Symbol        string
	Side          string // "BUY", "SELL"
	Type          string // "LIMIT", "MARKET"
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the exchange's view of an order.
type Order struct {
	ID            string // exchange-assigned id
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	FilledQty     decimal.Decimal
	Status        string
	ReduceOnly    bool
	CreatedAt     time.Time
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// IsTerminalCancel reports whether the order already ended in a
// cancelled/expired state. Used by cancel reconciliation.
func (o *Order) IsTerminalCancel() bool {
	return o.Status == OrderStatusCanceled || o.Status == OrderStatusExpired
}

// Position is an open perpetual-futures position.
type Position struct {
	Symbol     string
	Side       string          // "LONG", "SHORT"
	Contracts  decimal.Decimal // absolute size
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Notional   decimal.Decimal // signed notional value in quote currency
	UnrealPnL  decimal.Decimal
}

const (
	PositionLong  = "LONG"
	PositionShort = "SHORT"
)

// CloseSide returns the order side that reduces this position.
func (p *Position) CloseSide() string {
	if p.Side == PositionLong {
		return SideSell
	}
	return SideBuy
}
