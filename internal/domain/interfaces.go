package domain

import "context"

// ExchangeClient is the one canonical interface the execution layer depends
// on. Concrete exchanges (Bitget, paper trading, test fakes) provide an
// adapter; nothing above this line probes for client shapes at runtime.
type ExchangeClient interface {
	// PlaceOrder submits an order. The intent's ClientOrderID must be
	// forwarded to the exchange so later lookups can find it.
	PlaceOrder(ctx context.Context, intent OrderIntent) (*Order, error)

	// CancelOrder cancels by client order id.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	// FetchOrder fetches a single order by client order id.
	// Returns ErrOrderNotFound when the exchange has no record of it.
	FetchOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	// FetchOpenOrders lists currently open orders. Empty symbol means all.
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// FetchRecentOrders lists the most recent orders (any status), newest
	// first, up to limit. Used by idempotency reconciliation for orders
	// that filled before the lookup.
	FetchRecentOrders(ctx context.Context, symbol string, limit int) ([]*Order, error)

	// CancelAllOrders cancels every open order for one symbol.
	CancelAllOrders(ctx context.Context, symbol string) error

	FetchPositions(ctx context.Context) ([]*Position, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*Candle, error)
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// FetchRateLimits reads the exchange-advertised request budgets.
	FetchRateLimits(ctx context.Context) (*RateLimits, error)
}

// AlertSink receives alert events. Implementations must not block;
// delivery is fire-and-forget and a failing sink never stalls core logic.
type AlertSink interface {
	Notify(alert Alert)
}
