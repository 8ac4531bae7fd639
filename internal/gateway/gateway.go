package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/ratelimit"
	"perp_go/internal/risk"

	"github.com/google/uuid"
)

// Request weights charged per read endpoint, mirroring the exchange's
// published costs. Order placement is metered by count, not weight.
const (
	weightTicker     = 1
	weightOHLCV      = 1
	weightFunding    = 1
	weightBalance    = 5
	weightPositions  = 5
	weightOpenOrders = 3
)

// How far back reconciliation looks when an order is no longer open.
const recentOrdersLimit = 10

// Metrics counts gateway outcomes. *infra.Metrics implements it.
type Metrics interface {
	OrderSubmitted()
	OrderRetried()
	OrderSuppressed()
	OrderFailed()
	RateLimitWait(d time.Duration)
}

// Gateway wraps an exchange client with the execution safety layers:
// circuit-breaker pre-flight, rate-limit admission, idempotent client
// order ids, retry with backoff, and reconciliation against the
// exchange's own records when an acknowledgement is lost.
type Gateway struct {
	client  domain.ExchangeClient
	breaker *risk.Breaker
	limiter *ratelimit.Limiter // optional
	metrics Metrics            // optional

	orderPolicy  Policy
	cancelPolicy Policy
	queryPolicy  Policy

	idPrefix string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRateLimiter enables rate-limit admission before outbound calls.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithMetrics attaches outcome counters.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithOrderPolicy overrides the order placement retry policy.
func WithOrderPolicy(p Policy) Option {
	return func(g *Gateway) { g.orderPolicy = p }
}

// WithCancelPolicy overrides the cancellation retry policy.
func WithCancelPolicy(p Policy) Option {
	return func(g *Gateway) { g.cancelPolicy = p }
}

// WithQueryPolicy overrides the read-only retry policy.
func WithQueryPolicy(p Policy) Option {
	return func(g *Gateway) { g.queryPolicy = p }
}

// WithIDPrefix overrides the client order id prefix.
func WithIDPrefix(prefix string) Option {
	return func(g *Gateway) { g.idPrefix = prefix }
}

// New creates a Gateway. The breaker is mandatory: no order leaves the
// process without passing its check.
func New(client domain.ExchangeClient, breaker *risk.Breaker, opts ...Option) *Gateway {
	g := &Gateway{
		client:       client,
		breaker:      breaker,
		orderPolicy:  OrderPolicy(),
		cancelPolicy: CancelPolicy(),
		queryPolicy:  QueryPolicy(),
		idPrefix:     "perp",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateClientOrderID builds a deterministically-unique id in the form
// prefix_timestamp_random_symbol_side. Generated once per intent and
// reused verbatim on every retry; the exchange dedupes on it.
func GenerateClientOrderID(prefix, symbol, side string) string {
	var clean strings.Builder
	for _, r := range symbol {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			clean.WriteRune(r)
		}
	}
	return fmt.Sprintf("%s_%d_%s_%s_%s",
		prefix,
		time.Now().UnixMilli(),
		uuid.NewString()[:8],
		strings.ToLower(clean.String()),
		strings.ToLower(side))
}

// SubmitOrder places an order with the full safety sequence: breaker
// check, client order id, rate-limit admission, retry with per-attempt
// reconciliation. A "ghost success" (the order reached the exchange but
// the acknowledgement was lost) is detected by looking the id up among
// open and then recent orders, and returned as a normal success.
func (g *Gateway) SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	if !g.breaker.CheckBeforeOrder() {
		if g.metrics != nil {
			g.metrics.OrderSuppressed()
		}
		st := g.breaker.Status()
		return nil, &domain.TradingDisabledError{Reason: st.Reason, CooldownRemaining: st.CooldownRemaining}
	}

	if intent.ClientOrderID == "" {
		intent.ClientOrderID = GenerateClientOrderID(g.idPrefix, intent.Symbol, intent.Side)
	}

	if err := g.admit(ctx, ratelimit.KindOrder, 1); err != nil {
		return nil, err
	}

	var placed *domain.Order
	attempts := 0
	err := g.orderPolicy.Do(ctx, "submit_order", func(attempt int) error {
		attempts = attempt
		if attempt > 1 && g.metrics != nil {
			g.metrics.OrderRetried()
		}

		order, err := g.client.PlaceOrder(ctx, intent)
		if err == nil {
			placed = order
			return nil
		}

		// The request may have succeeded even though the response was
		// lost; check before retrying or giving up.
		existing, recErr := g.findByClientOrderID(ctx, intent.Symbol, intent.ClientOrderID)
		if recErr != nil {
			return recErr
		}
		if existing != nil {
			slog.Info("order recovered via reconciliation",
				"symbol", intent.Symbol, "client_order_id", intent.ClientOrderID, "status", existing.Status)
			placed = existing
			return nil
		}
		return err
	})
	if err != nil {
		if g.metrics != nil {
			g.metrics.OrderFailed()
		}
		if domain.IsRetriable(err) {
			return nil, &domain.OrderSubmissionError{
				ClientOrderID: intent.ClientOrderID,
				Attempts:      attempts,
				LastErr:       err,
			}
		}
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.OrderSubmitted()
	}
	return placed, nil
}

// findByClientOrderID looks for an existing order bearing the id, first
// among open orders, then among the most recent ones (the order may
// already have filled). A lookup failure is swallowed: the caller falls
// back to its retry loop. More than one match is never resolved silently.
func (g *Gateway) findByClientOrderID(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	open, err := g.client.FetchOpenOrders(ctx, symbol)
	if err != nil {
		slog.Warn("reconciliation: open-order lookup failed", "symbol", symbol, "error", err)
	}
	matches := filterByClientID(open, clientOrderID)

	if len(matches) == 0 {
		recent, err := g.client.FetchRecentOrders(ctx, symbol, recentOrdersLimit)
		if err != nil {
			slog.Warn("reconciliation: recent-order lookup failed", "symbol", symbol, "error", err)
		}
		matches = filterByClientID(recent, clientOrderID)
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %s has %d matches", domain.ErrReconciliationAmbiguous, clientOrderID, len(matches))
	}
}

func filterByClientID(orders []*domain.Order, clientOrderID string) []*domain.Order {
	var matches []*domain.Order
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			matches = append(matches, o)
		}
	}
	return matches
}

// CancelOrder cancels by client order id with the same retry shape as
// SubmitOrder. Reconciliation here means fetching the order and checking
// whether it already ended in a cancelled or expired state.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	if err := g.admit(ctx, ratelimit.KindRequest, 1); err != nil {
		return nil, err
	}

	var result *domain.Order
	err := g.cancelPolicy.Do(ctx, "cancel_order", func(attempt int) error {
		order, err := g.client.CancelOrder(ctx, symbol, clientOrderID)
		if err == nil {
			result = order
			return nil
		}

		existing, fetchErr := g.client.FetchOrder(ctx, symbol, clientOrderID)
		if fetchErr != nil {
			slog.Warn("cancel reconciliation: order lookup failed",
				"symbol", symbol, "client_order_id", clientOrderID, "error", fetchErr)
			return err
		}
		if existing.IsTerminalCancel() {
			slog.Info("order already cancelled", "symbol", symbol, "client_order_id", clientOrderID)
			result = existing
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// admit blocks on rate-limit admission when a limiter is attached and
// records time spent waiting.
func (g *Gateway) admit(ctx context.Context, kind ratelimit.EndpointKind, weight int) error {
	if g.limiter == nil {
		return nil
	}
	wait, err := g.limiter.Admit(ctx, kind, weight)
	if err != nil {
		return err
	}
	if wait > 0 && g.metrics != nil {
		g.metrics.RateLimitWait(wait)
	}
	return nil
}

// fetch runs a read-only call under rate-limit admission and the query
// retry policy. No breaker check and no idempotency: reads mutate nothing.
func fetch[T any](ctx context.Context, g *Gateway, op string, weight int, call func() (T, error)) (T, error) {
	var zero T
	if err := g.admit(ctx, ratelimit.KindRequest, weight); err != nil {
		return zero, err
	}
	var result T
	err := g.queryPolicy.Do(ctx, op, func(attempt int) error {
		var callErr error
		result, callErr = call()
		return callErr
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}

// FetchBalance returns the futures account balance.
func (g *Gateway) FetchBalance(ctx context.Context) (*domain.Balance, error) {
	return fetch(ctx, g, "fetch_balance", weightBalance, func() (*domain.Balance, error) {
		return g.client.FetchBalance(ctx)
	})
}

// FetchPositions lists all open positions.
func (g *Gateway) FetchPositions(ctx context.Context) ([]*domain.Position, error) {
	return fetch(ctx, g, "fetch_positions", weightPositions, func() ([]*domain.Position, error) {
		return g.client.FetchPositions(ctx)
	})
}

// FetchTicker returns current price data for one symbol.
func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	return fetch(ctx, g, "fetch_ticker", weightTicker, func() (*domain.Ticker, error) {
		return g.client.FetchTicker(ctx, symbol)
	})
}

// FetchOHLCV returns recent candles for one symbol.
func (g *Gateway) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	return fetch(ctx, g, "fetch_ohlcv", weightOHLCV, func() ([]*domain.Candle, error) {
		return g.client.FetchOHLCV(ctx, symbol, interval, limit)
	})
}

// FetchFundingRate returns the current funding state of one contract.
func (g *Gateway) FetchFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return fetch(ctx, g, "fetch_funding_rate", weightFunding, func() (*domain.FundingRate, error) {
		return g.client.FetchFundingRate(ctx, symbol)
	})
}

// FetchOpenOrders lists open orders. Empty symbol means all symbols.
func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return fetch(ctx, g, "fetch_open_orders", weightOpenOrders, func() ([]*domain.Order, error) {
		return g.client.FetchOpenOrders(ctx, symbol)
	})
}
