package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/risk"

	"github.com/shopspring/decimal"
)

type stubClient struct {
	mu         sync.Mutex
	placeCalls int
	placeSeen  []domain.OrderIntent

	placeFn       func(intent domain.OrderIntent) (*domain.Order, error)
	cancelFn      func(symbol, clientOrderID string) (*domain.Order, error)
	fetchOrderFn  func(symbol, clientOrderID string) (*domain.Order, error)
	openOrdersFn  func(symbol string) ([]*domain.Order, error)
	recentOrdsFn  func(symbol string, limit int) ([]*domain.Order, error)
	fetchTickerFn func(symbol string) (*domain.Ticker, error)
}

var _ domain.ExchangeClient = (*stubClient)(nil)

func (s *stubClient) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	s.mu.Lock()
	s.placeCalls++
	s.placeSeen = append(s.placeSeen, intent)
	s.mu.Unlock()
	if s.placeFn != nil {
		return s.placeFn(intent)
	}
	return &domain.Order{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: domain.OrderStatusNew}, nil
}

func (s *stubClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(symbol, clientOrderID)
	}
	return &domain.Order{ClientOrderID: clientOrderID, Symbol: symbol, Status: domain.OrderStatusCanceled}, nil
}

func (s *stubClient) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Order, error) {
	if s.fetchOrderFn != nil {
		return s.fetchOrderFn(symbol, clientOrderID)
	}
	return nil, domain.ErrOrderNotFound
}

func (s *stubClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	if s.openOrdersFn != nil {
		return s.openOrdersFn(symbol)
	}
	return nil, nil
}

func (s *stubClient) FetchRecentOrders(ctx context.Context, symbol string, limit int) ([]*domain.Order, error) {
	if s.recentOrdsFn != nil {
		return s.recentOrdsFn(symbol, limit)
	}
	return nil, nil
}

func (s *stubClient) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (s *stubClient) FetchPositions(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (s *stubClient) FetchBalance(ctx context.Context) (*domain.Balance, error) {
	return &domain.Balance{Total: decimal.NewFromInt(10000)}, nil
}

func (s *stubClient) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	if s.fetchTickerFn != nil {
		return s.fetchTickerFn(symbol)
	}
	return &domain.Ticker{Symbol: symbol}, nil
}

func (s *stubClient) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	return nil, nil
}

func (s *stubClient) FetchFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return &domain.FundingRate{Symbol: symbol}, nil
}

func (s *stubClient) FetchRateLimits(ctx context.Context) (*domain.RateLimits, error) {
	return &domain.RateLimits{WeightPerMinute: 1200, OrdersPer10s: 50}, nil
}

func instantPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		MinWait:     time.Millisecond,
		MaxWait:     time.Millisecond,
		sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		jitter:      func() time.Duration { return 0 },
	}
}

func newTestGateway(client *stubClient, opts ...Option) (*Gateway, *risk.Breaker) {
	breaker := risk.New(risk.Config{
		MaxDrawdownPct: 15.0,
		Cooldown:       time.Hour,
	}, client)
	base := []Option{
		WithOrderPolicy(instantPolicy(5)),
		WithCancelPolicy(instantPolicy(3)),
		WithQueryPolicy(instantPolicy(3)),
	}
	return New(client, breaker, append(base, opts...)...), breaker
}

func tripBreaker(t *testing.T, b *risk.Breaker) {
	t.Helper()
	dd := 30.0
	if !b.CheckConditions(context.Background(), risk.Conditions{DrawdownPct: &dd}) {
		t.Fatal("failed to trip breaker")
	}
}

func intent() domain.OrderIntent {
	return domain.OrderIntent{
		Symbol:   "BTCUSDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(50000),
	}
}

func TestGenerateClientOrderID(t *testing.T) {
	id := GenerateClientOrderID("perp", "BTC/USDT", "BUY")
	parts := strings.Split(id, "_")
	if len(parts) != 5 {
		t.Fatalf("id %q has %d parts, want 5", id, len(parts))
	}
	if parts[0] != "perp" || parts[3] != "btcusdt" || parts[4] != "buy" {
		t.Errorf("unexpected id %q", id)
	}
	if id == GenerateClientOrderID("perp", "BTC/USDT", "BUY") {
		t.Error("two generated ids must differ")
	}
}

func TestSubmitOrder_ClientOrderIDGeneratedOnceAndReused(t *testing.T) {
	client := &stubClient{}
	fails := 0
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		if fails < 2 {
			fails++
			return nil, domain.NewNetworkError("place_order", errors.New("connection reset"))
		}
		return &domain.Order{ClientOrderID: in.ClientOrderID, Status: domain.OrderStatusNew}, nil
	}
	g, _ := newTestGateway(client)

	order, err := g.SubmitOrder(context.Background(), intent())
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if order.ClientOrderID == "" {
		t.Fatal("client order id must be set on the result")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.placeSeen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(client.placeSeen))
	}
	first := client.placeSeen[0].ClientOrderID
	if first == "" {
		t.Fatal("generated client order id missing from first attempt")
	}
	for i, in := range client.placeSeen {
		if in.ClientOrderID != first {
			t.Errorf("attempt %d used id %q, want %q", i+1, in.ClientOrderID, first)
		}
	}
}

func TestSubmitOrder_FailsImmediatelyWhenDisabled(t *testing.T) {
	client := &stubClient{}
	g, breaker := newTestGateway(client)
	tripBreaker(t, breaker)

	_, err := g.SubmitOrder(context.Background(), intent())
	if !errors.Is(err, domain.ErrTradingDisabled) {
		t.Fatalf("expected ErrTradingDisabled, got %v", err)
	}
	var disabled *domain.TradingDisabledError
	if !errors.As(err, &disabled) || disabled.Reason == "" {
		t.Errorf("error must carry the trigger reason, got %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.placeCalls != 0 {
		t.Errorf("exchange contacted %d times while disabled, want 0", client.placeCalls)
	}
}

func TestSubmitOrder_ReconcilesGhostSuccess(t *testing.T) {
	client := &stubClient{}
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		// Lost acknowledgement: the order is live on the exchange.
		client.openOrdersFn = func(symbol string) ([]*domain.Order, error) {
			return []*domain.Order{
				{ClientOrderID: "other", Symbol: symbol, Status: domain.OrderStatusNew},
				{ClientOrderID: in.ClientOrderID, Symbol: symbol, Status: domain.OrderStatusNew},
			}, nil
		}
		return nil, domain.NewNetworkError("place_order", errors.New("timeout awaiting response"))
	}
	g, _ := newTestGateway(client)

	order, err := g.SubmitOrder(context.Background(), intent())
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if order.Status != domain.OrderStatusNew {
		t.Errorf("unexpected reconciled order: %+v", order)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.placeCalls != 1 {
		t.Errorf("place called %d times, want 1 (reconciliation must prevent a duplicate)", client.placeCalls)
	}
}

func TestSubmitOrder_ReconcilesAgainstRecentOrders(t *testing.T) {
	client := &stubClient{}
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		// Filled before the lookup: no longer open, only in recents.
		client.recentOrdsFn = func(symbol string, limit int) ([]*domain.Order, error) {
			return []*domain.Order{
				{ClientOrderID: in.ClientOrderID, Symbol: symbol, Status: domain.OrderStatusFilled},
			}, nil
		}
		return nil, domain.NewNetworkError("place_order", errors.New("timeout awaiting response"))
	}
	g, _ := newTestGateway(client)

	order, err := g.SubmitOrder(context.Background(), intent())
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Errorf("expected the filled order back, got %+v", order)
	}
}

func TestSubmitOrder_AmbiguousReconciliation(t *testing.T) {
	client := &stubClient{}
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		client.openOrdersFn = func(symbol string) ([]*domain.Order, error) {
			return []*domain.Order{
				{ClientOrderID: in.ClientOrderID, Symbol: symbol, Status: domain.OrderStatusNew},
				{ClientOrderID: in.ClientOrderID, Symbol: symbol, Status: domain.OrderStatusNew},
			}, nil
		}
		return nil, domain.NewNetworkError("place_order", errors.New("timeout awaiting response"))
	}
	g, _ := newTestGateway(client)

	_, err := g.SubmitOrder(context.Background(), intent())
	if !errors.Is(err, domain.ErrReconciliationAmbiguous) {
		t.Fatalf("expected ErrReconciliationAmbiguous, got %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.placeCalls != 1 {
		t.Errorf("ambiguity must not be retried, place called %d times", client.placeCalls)
	}
}

func TestSubmitOrder_ExhaustionWrapsLastError(t *testing.T) {
	client := &stubClient{}
	lastErr := errors.New("connection refused")
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		return nil, domain.NewNetworkError("place_order", lastErr)
	}
	g, _ := newTestGateway(client)

	_, err := g.SubmitOrder(context.Background(), intent())
	var sub *domain.OrderSubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("expected OrderSubmissionError, got %v", err)
	}
	if sub.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", sub.Attempts)
	}
	if !errors.Is(err, lastErr) {
		t.Error("wrapped error must expose the last attempt's cause")
	}
}

func TestSubmitOrder_FatalErrorNotRetried(t *testing.T) {
	client := &stubClient{}
	client.placeFn = func(in domain.OrderIntent) (*domain.Order, error) {
		return nil, &domain.ExchangeError{Code: "40762", Msg: "insufficient balance"}
	}
	g, _ := newTestGateway(client)

	_, err := g.SubmitOrder(context.Background(), intent())
	var exch *domain.ExchangeError
	if !errors.As(err, &exch) {
		t.Fatalf("expected ExchangeError to propagate, got %v", err)
	}
	var sub *domain.OrderSubmissionError
	if errors.As(err, &sub) {
		t.Error("fatal errors must not be wrapped as retry exhaustion")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.placeCalls != 1 {
		t.Errorf("fatal error retried: place called %d times", client.placeCalls)
	}
}

func TestCancelOrder_ReconcilesTerminalStatus(t *testing.T) {
	client := &stubClient{}
	client.cancelFn = func(symbol, clientOrderID string) (*domain.Order, error) {
		return nil, &domain.ExchangeError{Code: "40768", Msg: "order does not exist"}
	}
	client.fetchOrderFn = func(symbol, clientOrderID string) (*domain.Order, error) {
		return &domain.Order{ClientOrderID: clientOrderID, Symbol: symbol, Status: domain.OrderStatusCanceled}, nil
	}
	g, _ := newTestGateway(client)

	order, err := g.CancelOrder(context.Background(), "BTCUSDT", "perp_1_abc_btcusdt_buy")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if !order.IsTerminalCancel() {
		t.Errorf("expected a terminally cancelled order, got %+v", order)
	}
}

func TestCancelOrder_StillOpenPropagatesError(t *testing.T) {
	client := &stubClient{}
	client.cancelFn = func(symbol, clientOrderID string) (*domain.Order, error) {
		return nil, &domain.ExchangeError{Code: "50001", Msg: "cancel rejected"}
	}
	client.fetchOrderFn = func(symbol, clientOrderID string) (*domain.Order, error) {
		return &domain.Order{ClientOrderID: clientOrderID, Symbol: symbol, Status: domain.OrderStatusNew}, nil
	}
	g, _ := newTestGateway(client)

	_, err := g.CancelOrder(context.Background(), "BTCUSDT", "perp_1_abc_btcusdt_buy")
	var exch *domain.ExchangeError
	if !errors.As(err, &exch) {
		t.Fatalf("expected the cancel rejection to propagate, got %v", err)
	}
}

func TestFetchTicker_RetriesTransientFailure(t *testing.T) {
	client := &stubClient{}
	calls := 0
	client.fetchTickerFn = func(symbol string) (*domain.Ticker, error) {
		calls++
		if calls == 1 {
			return nil, domain.NewNetworkError("fetch_ticker", errors.New("read timeout"))
		}
		return &domain.Ticker{Symbol: symbol}, nil
	}
	g, _ := newTestGateway(client)

	ticker, err := g.FetchTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchTicker failed: %v", err)
	}
	if ticker.Symbol != "BTCUSDT" || calls != 2 {
		t.Errorf("ticker %+v after %d calls", ticker, calls)
	}
}

func TestPolicy_BackoffDoubles(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		MaxAttempts: 4,
		MinWait:     time.Second,
		MaxWait:     60 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
		jitter: func() time.Duration { return 0 },
	}

	err := p.Do(context.Background(), "op", func(attempt int) error {
		return domain.NewNetworkError("op", errors.New("transient"))
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("slept %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestPolicy_BackoffCapsAtMaxWait(t *testing.T) {
	p := Policy{MinWait: time.Second, MaxWait: 5 * time.Second, jitter: func() time.Duration { return 0 }}
	if got := p.backoff(10); got != 5*time.Second {
		t.Errorf("backoff(10) = %v, want cap of 5s", got)
	}
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 5,
		MinWait:     time.Second,
		MaxWait:     time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
		jitter: func() time.Duration { return 0 },
	}

	err := p.Do(ctx, "op", func(attempt int) error {
		return domain.NewNetworkError("op", errors.New("transient"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
