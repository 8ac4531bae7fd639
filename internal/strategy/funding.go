package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"perp_go/internal/domain"
	"perp_go/internal/scheduler"

	"github.com/shopspring/decimal"
)

// Gateway is the slice of the order gateway the strategy uses.
type Gateway interface {
	SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, error)
	FetchBalance(ctx context.Context) (*domain.Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error)
	FetchFundingRate(ctx context.Context, symbol string) (*domain.FundingRate, error)
	FetchPositions(ctx context.Context) ([]*domain.Position, error)
}

// FundingConfig tunes the funding harvester.
type FundingConfig struct {
	Symbols        []string
	EntryThreshold decimal.Decimal // absolute funding rate to open at
	ExitThreshold  decimal.Decimal // absolute funding rate to close below
	AllocationPct  decimal.Decimal // fraction of equity per position, 0..1
}

// Funding collects funding payments: when a contract's funding rate
// exceeds the entry threshold it opens a position on the receiving side
// (short when longs pay, long when shorts pay), and closes it once the
// rate falls back under the exit threshold.
type Funding struct {
	gw     Gateway
	cfg    FundingConfig
	logger *slog.Logger
}

// NewFunding creates the strategy.
func NewFunding(gw Gateway, cfg FundingConfig) *Funding {
	return &Funding{
		gw:     gw,
		cfg:    cfg,
		logger: slog.Default().With("module", "funding_strategy"),
	}
}

var _ scheduler.Unit = (*Funding)(nil)

func (f *Funding) Name() string { return "funding" }

// GenerateSignals proposes an entry for every watched symbol whose
// funding rate clears the entry threshold and that has no position yet.
func (f *Funding) GenerateSignals(ctx context.Context) ([]scheduler.Signal, error) {
	positions, err := f.gw.FetchPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Contracts.IsPositive() {
			held[p.Symbol] = true
		}
	}

	balance, err := f.gw.FetchBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	budget := balance.Equity().Mul(f.cfg.AllocationPct)

	var signals []scheduler.Signal
	for _, symbol := range f.cfg.Symbols {
		if held[symbol] {
			continue
		}
		rate, err := f.gw.FetchFundingRate(ctx, symbol)
		if err != nil {
			f.logger.Warn("funding rate fetch failed", "symbol", symbol, slog.Any("error", err))
			continue
		}
		if rate.Rate.Abs().LessThan(f.cfg.EntryThreshold) {
			continue
		}

		ticker, err := f.gw.FetchTicker(ctx, symbol)
		if err != nil {
			f.logger.Warn("ticker fetch failed", "symbol", symbol, slog.Any("error", err))
			continue
		}
		if !ticker.MarkPrice.IsPositive() {
			continue
		}
		quantity := budget.Div(ticker.MarkPrice).Round(4)
		if !quantity.IsPositive() {
			continue
		}

		// Positive funding means longs pay shorts; enter on the paid side.
		side := domain.SideBuy
		if rate.Rate.IsPositive() {
			side = domain.SideSell
		}
		signals = append(signals, scheduler.Signal{
			Intent: domain.OrderIntent{
				Symbol:   symbol,
				Side:     side,
				Type:     domain.OrderTypeMarket,
				Quantity: quantity,
			},
			Reason: fmt.Sprintf("funding rate %s beyond %s", rate.Rate, f.cfg.EntryThreshold),
		})
	}
	return signals, nil
}

// ExecuteSignal routes the intent through the gateway's safety sequence.
func (f *Funding) ExecuteSignal(ctx context.Context, sig scheduler.Signal) error {
	order, err := f.gw.SubmitOrder(ctx, sig.Intent)
	if err != nil {
		return err
	}
	f.logger.Info("entry placed",
		"symbol", sig.Intent.Symbol, "side", sig.Intent.Side,
		"quantity", sig.Intent.Quantity.String(),
		"client_order_id", order.ClientOrderID, "reason", sig.Reason)
	return nil
}

// UpdatePositions closes held positions whose funding rate has decayed
// below the exit threshold. Close orders are reduce-only so a stale
// position snapshot can never flip direction.
func (f *Funding) UpdatePositions(ctx context.Context) error {
	positions, err := f.gw.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	watched := make(map[string]bool, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		watched[s] = true
	}

	for _, p := range positions {
		if !watched[p.Symbol] || !p.Contracts.IsPositive() {
			continue
		}
		rate, err := f.gw.FetchFundingRate(ctx, p.Symbol)
		if err != nil {
			f.logger.Warn("funding rate fetch failed", "symbol", p.Symbol, slog.Any("error", err))
			continue
		}
		if rate.Rate.Abs().GreaterThanOrEqual(f.cfg.ExitThreshold) {
			continue
		}

		_, err = f.gw.SubmitOrder(ctx, domain.OrderIntent{
			Symbol:     p.Symbol,
			Side:       p.CloseSide(),
			Type:       domain.OrderTypeMarket,
			Quantity:   p.Contracts,
			ReduceOnly: true,
		})
		if err != nil {
			return fmt.Errorf("close %s: %w", p.Symbol, err)
		}
		f.logger.Info("position closed",
			"symbol", p.Symbol, "funding_rate", rate.Rate.String())
	}
	return nil
}
