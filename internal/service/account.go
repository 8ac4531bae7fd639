package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/risk"

	"github.com/shopspring/decimal"
)

// Fraction of a breach threshold at which a warning alert is raised.
const warnFraction = 0.8

// AccountReader is the slice of the gateway the monitor needs.
type AccountReader interface {
	FetchBalance(ctx context.Context) (*domain.Balance, error)
	FetchPositions(ctx context.Context) ([]*domain.Position, error)
}

// Alerter raises and clears keyed operator alerts.
type Alerter interface {
	Raise(id, severity, alertType, message string)
	Clear(id string)
}

// Snapshot is the monitor's view of the account after a check.
type Snapshot struct {
	Equity      decimal.Decimal
	PeakEquity  decimal.Decimal
	DayStart    decimal.Decimal
	DrawdownPct float64
	DailyPnL    decimal.Decimal
	Positions   int
	CheckedAt   time.Time
}

// Monitor polls account equity and positions, tracks the session peak and
// the UTC-day opening equity, and feeds the derived figures to the circuit
// breaker. Approaching thresholds raise warning alerts before the breaker
// would trip.
type Monitor struct {
	reader  AccountReader
	breaker *risk.Breaker
	alerts  Alerter // optional
	cfg     risk.Config
	logger  *slog.Logger

	mu       sync.Mutex
	peak     decimal.Decimal
	dayStart decimal.Decimal
	dayDate  string
	marks    map[string]decimal.Decimal
	last     Snapshot

	now func() time.Time
}

// NewMonitor creates a monitor. cfg carries the same thresholds the
// breaker enforces so warnings line up with actual trip points.
func NewMonitor(reader AccountReader, breaker *risk.Breaker, cfg risk.Config) *Monitor {
	return &Monitor{
		reader:  reader,
		breaker: breaker,
		cfg:     cfg,
		logger:  slog.Default().With("module", "account_monitor"),
		marks:   make(map[string]decimal.Decimal),
		now:     time.Now,
	}
}

// WithAlerts attaches a warning alert sink.
func (m *Monitor) WithAlerts(a Alerter) *Monitor {
	m.alerts = a
	return m
}

// Check performs one monitoring pass: fetch balance and positions,
// update the running peak and daily baseline, emit warnings, and hand
// the figures to the breaker.
func (m *Monitor) Check(ctx context.Context) (Snapshot, error) {
	balance, err := m.reader.FetchBalance(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch balance: %w", err)
	}
	positions, err := m.reader.FetchPositions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch positions: %w", err)
	}

	m.refreshMarks(positions)

	equity := balance.Equity()
	snap := m.update(equity, len(positions))

	m.warn(snap, positions)

	drawdown := snap.DrawdownPct
	dailyPnL := snap.DailyPnL
	capital := snap.DayStart
	m.breaker.CheckConditions(ctx, risk.Conditions{
		DrawdownPct: &drawdown,
		DailyPnL:    &dailyPnL,
		Capital:     &capital,
		Positions:   positions,
	})

	return snap, nil
}

// update rolls the daily baseline on a UTC date change, advances the peak,
// and records the latest snapshot.
func (m *Monitor) update(equity decimal.Decimal, positionCount int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	today := now.Format("2006-01-02")
	if m.dayDate != today {
		if m.dayDate != "" {
			m.logger.Info("daily baseline rolled over",
				"date", today, "opening_equity", equity.String())
		}
		m.dayDate = today
		m.dayStart = equity
	}
	if equity.GreaterThan(m.peak) {
		m.peak = equity
	}

	var drawdownPct float64
	if m.peak.IsPositive() {
		drawdownPct, _ = m.peak.Sub(equity).Div(m.peak).Mul(decimal.NewFromInt(100)).Float64()
	}

	m.last = Snapshot{
		Equity:      equity,
		PeakEquity:  m.peak,
		DayStart:    m.dayStart,
		DrawdownPct: drawdownPct,
		DailyPnL:    equity.Sub(m.dayStart),
		Positions:   positionCount,
		CheckedAt:   now,
	}
	return m.last
}

// warn raises keyed warning alerts when a figure crosses warnFraction of
// its trip threshold, and clears them when it falls back.
func (m *Monitor) warn(snap Snapshot, positions []*domain.Position) {
	if m.alerts == nil {
		return
	}

	m.setWarning(risk.ConditionDrawdown,
		snap.DrawdownPct >= warnFraction*m.cfg.MaxDrawdownPct,
		fmt.Sprintf("drawdown %.2f%% approaching limit %.2f%%",
			snap.DrawdownPct, m.cfg.MaxDrawdownPct))

	var lossPct float64
	if snap.DailyPnL.IsNegative() && snap.DayStart.IsPositive() {
		lossPct, _ = snap.DailyPnL.Abs().Div(snap.DayStart).Mul(decimal.NewFromInt(100)).Float64()
	}
	m.setWarning(risk.ConditionDailyLoss,
		lossPct >= warnFraction*m.cfg.MaxDailyLossPct,
		fmt.Sprintf("daily loss %.2f%% approaching limit %.2f%%",
			lossPct, m.cfg.MaxDailyLossPct))

	var maxPosPct float64
	if snap.DayStart.IsPositive() {
		for _, p := range positions {
			pct, _ := p.Notional.Abs().Div(snap.DayStart).Mul(decimal.NewFromInt(100)).Float64()
			if pct > maxPosPct {
				maxPosPct = pct
			}
		}
	}
	m.setWarning(risk.ConditionPosition,
		maxPosPct >= warnFraction*m.cfg.MaxPositionPct,
		fmt.Sprintf("largest position %.2f%% approaching limit %.2f%%",
			maxPosPct, m.cfg.MaxPositionPct))
}

func (m *Monitor) setWarning(condition string, active bool, message string) {
	id := condition + "_warning"
	if active {
		m.alerts.Raise(id, domain.SeverityWarning, "risk", message)
	} else {
		m.alerts.Clear(id)
	}
}

// Last returns the most recent snapshot.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// ApplyMarkPrice records a streamed mark price. The next Check revalues
// positions with the freshest mark instead of the REST snapshot's.
func (m *Monitor) ApplyMarkPrice(ticker *domain.Ticker) {
	if ticker == nil || !ticker.MarkPrice.IsPositive() {
		return
	}
	m.mu.Lock()
	m.marks[ticker.Symbol] = ticker.MarkPrice
	m.mu.Unlock()
}

// refreshMarks revalues position marks and notionals from streamed prices.
func (m *Monitor) refreshMarks(positions []*domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		mark, ok := m.marks[p.Symbol]
		if !ok {
			continue
		}
		p.MarkPrice = mark
		notional := p.Contracts.Mul(mark)
		if p.Side == domain.PositionShort {
			notional = notional.Neg()
		}
		p.Notional = notional
	}
}

// RunStream consumes ticker updates until the channel closes or ctx ends.
func (m *Monitor) RunStream(ctx context.Context, updates <-chan *domain.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ticker, ok := <-updates:
			if !ok {
				return
			}
			m.ApplyMarkPrice(ticker)
		}
	}
}

// Run polls until ctx is cancelled. The first check happens immediately.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if _, err := m.Check(ctx); err != nil {
		m.logger.Error("account check failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("account check failed", slog.Any("error", err))
			}
		}
	}
}
