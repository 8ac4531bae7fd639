package strategy

import (
	"context"
	"testing"

	"perp_go/internal/domain"
	"perp_go/internal/scheduler"

	"github.com/shopspring/decimal"
)

func signalFor(intent domain.OrderIntent) scheduler.Signal {
	return scheduler.Signal{Intent: intent, Reason: "test"}
}

type fakeGateway struct {
	balance   *domain.Balance
	positions []*domain.Position
	rates     map[string]decimal.Decimal
	marks     map[string]decimal.Decimal

	submitted []domain.OrderIntent
	submitErr error
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error) {
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submitted = append(g.submitted, intent)
	return &domain.Order{ClientOrderID: "perp_test", Symbol: intent.Symbol, Status: domain.OrderStatusNew}, nil
}

func (g *fakeGateway) FetchBalance(ctx context.Context) (*domain.Balance, error) {
	return g.balance, nil
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	return &domain.Ticker{Symbol: symbol, MarkPrice: g.marks[symbol], LastPrice: g.marks[symbol]}, nil
}

func (g *fakeGateway) FetchFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error) {
	return &domain.FundingRate{Symbol: symbol, Rate: g.rates[symbol]}, nil
}

func (g *fakeGateway) FetchPositions(ctx context.Context) ([]*domain.Position, error) {
	return g.positions, nil
}

func testConfig() FundingConfig {
	return FundingConfig{
		Symbols:        []string{"BTCUSDT", "ETHUSDT"},
		EntryThreshold: decimal.NewFromFloat(0.0005),
		ExitThreshold:  decimal.NewFromFloat(0.0001),
		AllocationPct:  decimal.NewFromFloat(0.1),
	}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance: &domain.Balance{Asset: "USDT", Total: decimal.NewFromInt(10000)},
		rates:   map[string]decimal.Decimal{},
		marks: map[string]decimal.Decimal{
			"BTCUSDT": decimal.NewFromInt(50000),
			"ETHUSDT": decimal.NewFromInt(2500),
		},
	}
}

func TestGenerateSignals_EntersOnHighFunding(t *testing.T) {
	gw := newFakeGateway()
	gw.rates["BTCUSDT"] = decimal.NewFromFloat(0.001) // longs pay shorts
	gw.rates["ETHUSDT"] = decimal.NewFromFloat(0.0002)

	f := NewFunding(gw, testConfig())
	signals, err := f.GenerateSignals(context.Background())
	if err != nil {
		t.Fatalf("GenerateSignals() error = %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Intent.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", sig.Intent.Symbol)
	}
	if sig.Intent.Side != domain.SideSell {
		t.Errorf("Side = %q, want SELL when longs pay", sig.Intent.Side)
	}
	// 10% of 10000 equity at a 50000 mark.
	if !sig.Intent.Quantity.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("Quantity = %s, want 0.02", sig.Intent.Quantity)
	}
	if sig.Intent.Type != domain.OrderTypeMarket {
		t.Errorf("Type = %q", sig.Intent.Type)
	}
}

func TestGenerateSignals_NegativeFundingGoesLong(t *testing.T) {
	gw := newFakeGateway()
	gw.rates["ETHUSDT"] = decimal.NewFromFloat(-0.002) // shorts pay longs

	f := NewFunding(gw, testConfig())
	signals, err := f.GenerateSignals(context.Background())
	if err != nil {
		t.Fatalf("GenerateSignals() error = %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("len(signals) = %d, want 1", len(signals))
	}
	if signals[0].Intent.Side != domain.SideBuy {
		t.Errorf("Side = %q, want BUY when shorts pay", signals[0].Intent.Side)
	}
}

func TestGenerateSignals_SkipsHeldSymbols(t *testing.T) {
	gw := newFakeGateway()
	gw.rates["BTCUSDT"] = decimal.NewFromFloat(0.001)
	gw.positions = []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.PositionShort, Contracts: decimal.NewFromFloat(0.02)},
	}

	f := NewFunding(gw, testConfig())
	signals, err := f.GenerateSignals(context.Background())
	if err != nil {
		t.Fatalf("GenerateSignals() error = %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("len(signals) = %d, want 0 for held symbol", len(signals))
	}
}

func TestExecuteSignal_SubmitsThroughGateway(t *testing.T) {
	gw := newFakeGateway()
	f := NewFunding(gw, testConfig())

	intent := domain.OrderIntent{
		Symbol: "BTCUSDT", Side: domain.SideSell,
		Type: domain.OrderTypeMarket, Quantity: decimal.NewFromFloat(0.02),
	}
	if err := f.ExecuteSignal(context.Background(), signalFor(intent)); err != nil {
		t.Fatalf("ExecuteSignal() error = %v", err)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(gw.submitted))
	}
	if gw.submitted[0].Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", gw.submitted[0].Symbol)
	}
}

func TestUpdatePositions_ClosesOnDecayedFunding(t *testing.T) {
	gw := newFakeGateway()
	gw.rates["BTCUSDT"] = decimal.NewFromFloat(0.00005) // under exit threshold
	gw.rates["ETHUSDT"] = decimal.NewFromFloat(0.002)   // still paying
	gw.positions = []*domain.Position{
		{Symbol: "BTCUSDT", Side: domain.PositionShort, Contracts: decimal.NewFromFloat(0.02)},
		{Symbol: "ETHUSDT", Side: domain.PositionShort, Contracts: decimal.NewFromInt(1)},
	}

	f := NewFunding(gw, testConfig())
	if err := f.UpdatePositions(context.Background()); err != nil {
		t.Fatalf("UpdatePositions() error = %v", err)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("submitted = %d, want only the decayed position closed", len(gw.submitted))
	}
	exit := gw.submitted[0]
	if exit.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q", exit.Symbol)
	}
	if exit.Side != domain.SideBuy {
		t.Errorf("Side = %q, want BUY to close a short", exit.Side)
	}
	if !exit.ReduceOnly {
		t.Error("close order must be reduce-only")
	}
	if !exit.Quantity.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("Quantity = %s", exit.Quantity)
	}
}

func TestUpdatePositions_IgnoresForeignSymbols(t *testing.T) {
	gw := newFakeGateway()
	gw.positions = []*domain.Position{
		{Symbol: "SOLUSDT", Side: domain.PositionLong, Contracts: decimal.NewFromInt(10)},
	}

	f := NewFunding(gw, testConfig())
	if err := f.UpdatePositions(context.Background()); err != nil {
		t.Fatalf("UpdatePositions() error = %v", err)
	}
	if len(gw.submitted) != 0 {
		t.Fatalf("submitted = %d, want 0 for unwatched symbol", len(gw.submitted))
	}
}
