package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"perp_go/internal/domain"

	"github.com/shopspring/decimal"
)

// Unwind steps fan out per symbol; cap matches what the exchange tolerates
// as a burst without tripping its own abuse detection.
const unwindWorkers = 10

// Stable alert ids, one per breach condition.
const (
	ConditionDrawdown  = "drawdown"
	ConditionDailyLoss = "daily_loss"
	ConditionPosition  = "position_size"
)

// Config holds the static breach thresholds.
type Config struct {
	MaxDrawdownPct  float64
	MaxDailyLossPct float64
	MaxPositionPct  float64
	Cooldown        time.Duration
}

// StateRecorder receives system state transitions ("running", "emergency").
type StateRecorder interface {
	SetSystemState(state string)
}

// EpisodeStore persists trigger/reset episodes for later diagnosis.
type EpisodeStore interface {
	RecordTrigger(condition, reason string, at time.Time) error
	RecordReset(at time.Time) error
}

// Conditions carries one evaluation's inputs. Nil fields are skipped, so a
// caller that only knows its drawdown can still feed the breaker.
type Conditions struct {
	DrawdownPct *float64
	DailyPnL    *decimal.Decimal
	Capital     *decimal.Decimal
	Positions   []*domain.Position
}

// Status is an operator-facing snapshot.
type Status struct {
	TradingEnabled    bool          `json:"trading_enabled"`
	LastTriggered     time.Time     `json:"last_triggered"`
	Reason            string        `json:"reason"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Breaker halts all order flow when a risk condition breaches.
//
// The tradingEnabled flag is the only coordination point between order
// submission and emergency unwind: it is cleared before any unwind action
// starts, and every submission path must read it first. The flag is written
// exactly once per episode (CompareAndSwap) and restored only by Reset.
type Breaker struct {
	cfg    Config
	client domain.ExchangeClient

	alerts   domain.AlertSink // optional
	state    StateRecorder    // optional
	episodes EpisodeStore     // optional

	tradingEnabled atomic.Bool

	mu            sync.Mutex
	lastTriggered time.Time
	reason        string
	preTrigger    []func() error
	postTrigger   []func() error

	now func() time.Time
}

// New creates a Breaker with trading enabled.
func New(cfg Config, client domain.ExchangeClient) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}
	b.tradingEnabled.Store(true)
	return b
}

// WithAlerts attaches an alert sink for critical breach notifications.
func (b *Breaker) WithAlerts(sink domain.AlertSink) *Breaker {
	b.alerts = sink
	return b
}

// WithStateRecorder attaches a system-state metric recorder.
func (b *Breaker) WithStateRecorder(s StateRecorder) *Breaker {
	b.state = s
	return b
}

// WithEpisodeStore attaches persistent episode logging.
func (b *Breaker) WithEpisodeStore(s EpisodeStore) *Breaker {
	b.episodes = s
	return b
}

// IsTradingEnabled reads the flag with no side effects.
func (b *Breaker) IsTradingEnabled() bool {
	return b.tradingEnabled.Load()
}

// CheckBeforeOrder must be called by every order-submission path before
// transmission. Same read as IsTradingEnabled; kept separate so call sites
// say what they mean.
func (b *Breaker) CheckBeforeOrder() bool {
	return b.tradingEnabled.Load()
}

// AddPreTriggerCallback registers a hook that runs after the flag clears
// but before the unwind begins.
func (b *Breaker) AddPreTriggerCallback(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preTrigger = append(b.preTrigger, fn)
}

// AddPostTriggerCallback registers a hook that runs after the unwind ends.
func (b *Breaker) AddPostTriggerCallback(fn func() error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postTrigger = append(b.postTrigger, fn)
}

// CheckConditions evaluates the breach conditions and trips the breaker on
// the first one that holds, at most once per call. It returns true when
// trading is (now) disabled, whether or not this call tripped it.
func (b *Breaker) CheckConditions(ctx context.Context, c Conditions) bool {
	if !b.tradingEnabled.Load() {
		return true
	}

	if c.DrawdownPct != nil && *c.DrawdownPct > b.cfg.MaxDrawdownPct {
		b.trigger(ctx, ConditionDrawdown, fmt.Sprintf(
			"drawdown %.2f%% exceeds limit %.2f%%", *c.DrawdownPct, b.cfg.MaxDrawdownPct))
		return true
	}

	if c.DailyPnL != nil && c.Capital != nil && c.Capital.IsPositive() && c.DailyPnL.IsNegative() {
		lossPct := c.DailyPnL.Abs().Div(*c.Capital).Mul(decimal.NewFromInt(100)).InexactFloat64()
		if lossPct > b.cfg.MaxDailyLossPct {
			b.trigger(ctx, ConditionDailyLoss, fmt.Sprintf(
				"daily loss %.2f%% exceeds limit %.2f%%", lossPct, b.cfg.MaxDailyLossPct))
			return true
		}
	}

	if c.Capital != nil && c.Capital.IsPositive() {
		for _, p := range c.Positions {
			posPct := p.Notional.Abs().Div(*c.Capital).Mul(decimal.NewFromInt(100)).InexactFloat64()
			if posPct > b.cfg.MaxPositionPct {
				b.trigger(ctx, ConditionPosition, fmt.Sprintf(
					"position %s is %.2f%% of capital, limit %.2f%%", p.Symbol, posPct, b.cfg.MaxPositionPct))
				return true
			}
		}
	}

	return false
}

// trigger runs the one-shot breach sequence. The CompareAndSwap both clears
// the flag and guards against a second concurrent trigger: whichever caller
// wins performs the unwind, the loser returns immediately.
func (b *Breaker) trigger(ctx context.Context, condition, reason string) {
	if !b.tradingEnabled.CompareAndSwap(true, false) {
		slog.Warn("circuit breaker already tripped", "reason", reason)
		return
	}

	slog.Error("circuit breaker tripped, trading disabled", "condition", condition, "reason", reason)
	triggeredAt := b.now()

	b.mu.Lock()
	b.lastTriggered = triggeredAt
	b.reason = reason
	pre := append([]func() error(nil), b.preTrigger...)
	post := append([]func() error(nil), b.postTrigger...)
	b.mu.Unlock()

	for _, fn := range pre {
		if err := fn(); err != nil {
			slog.Error("pre-trigger callback failed", "error", err)
		}
	}

	b.cancelAllOrders(ctx)
	b.closeAllPositions(ctx)

	if b.state != nil {
		b.state.SetSystemState("emergency")
	}
	if b.alerts != nil {
		b.alerts.Notify(domain.Alert{
			ID:        condition,
			Severity:  domain.SeverityCritical,
			Type:      "circuit_breaker",
			Message:   reason,
			CreatedAt: triggeredAt,
		})
	}
	if b.episodes != nil {
		if err := b.episodes.RecordTrigger(condition, reason, triggeredAt); err != nil {
			slog.Error("failed to persist breaker episode", "error", err)
		}
	}

	for _, fn := range post {
		if err := fn(); err != nil {
			slog.Error("post-trigger callback failed", "error", err)
		}
	}

	slog.Info("circuit breaker unwind complete")
}

// cancelAllOrders cancels open orders grouped by symbol, concurrently.
// A failing symbol is logged and skipped; it never blocks the others.
func (b *Breaker) cancelAllOrders(ctx context.Context) {
	open, err := b.client.FetchOpenOrders(ctx, "")
	if err != nil {
		slog.Error("failed to list open orders during unwind", "error", err)
		return
	}

	symbols := make(map[string]struct{})
	for _, o := range open {
		symbols[o.Symbol] = struct{}{}
	}
	if len(symbols) == 0 {
		return
	}
	slog.Info("cancelling open orders", "symbols", len(symbols))

	var wg sync.WaitGroup
	sem := make(chan struct{}, unwindWorkers)
	for symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := b.client.CancelAllOrders(ctx, symbol); err != nil {
				slog.Error("failed to cancel orders", "symbol", symbol, "error", err)
			}
		}(symbol)
	}
	wg.Wait()
}

// closeAllPositions flattens every open position with a reduce-only market
// order, concurrently, tolerating per-position failures.
func (b *Breaker) closeAllPositions(ctx context.Context) {
	positions, err := b.client.FetchPositions(ctx)
	if err != nil {
		slog.Error("failed to list positions during unwind", "error", err)
		return
	}

	var active []*domain.Position
	for _, p := range positions {
		if p.Contracts.IsPositive() {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return
	}
	slog.Info("closing open positions", "count", len(active))

	var wg sync.WaitGroup
	sem := make(chan struct{}, unwindWorkers)
	for _, p := range active {
		wg.Add(1)
		sem <- struct{}{}
		go func(p *domain.Position) {
			defer wg.Done()
			defer func() { <-sem }()
			intent := domain.OrderIntent{
				Symbol:     p.Symbol,
				Side:       p.CloseSide(),
				Type:       domain.OrderTypeMarket,
				Quantity:   p.Contracts,
				ReduceOnly: true,
			}
			if _, err := b.client.PlaceOrder(ctx, intent); err != nil {
				slog.Error("failed to close position", "symbol", p.Symbol, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// Reset re-enables trading. Without manual it is gated by the cooldown;
// a premature call fails and leaves the breaker tripped.
func (b *Breaker) Reset(manual bool) bool {
	if b.tradingEnabled.Load() {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	resetAt := b.now()
	if elapsed := resetAt.Sub(b.lastTriggered); !manual && elapsed < b.cfg.Cooldown {
		slog.Warn("circuit breaker reset refused",
			"cooldown_remaining", (b.cfg.Cooldown - elapsed).Round(time.Second))
		return false
	}

	b.tradingEnabled.Store(true)
	slog.Info("circuit breaker reset, trading enabled", "manual", manual)

	if b.state != nil {
		b.state.SetSystemState("running")
	}
	if b.episodes != nil {
		if err := b.episodes.RecordReset(resetAt); err != nil {
			slog.Error("failed to persist breaker reset", "error", err)
		}
	}
	return true
}

// Status reports the current breaker state for operators.
func (b *Breaker) Status() Status {
	enabled := b.tradingEnabled.Load()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		TradingEnabled: enabled,
		LastTriggered:  b.lastTriggered,
		Reason:         b.reason,
	}
	if !enabled {
		if remaining := b.cfg.Cooldown - b.now().Sub(b.lastTriggered); remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}
