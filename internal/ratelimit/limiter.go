package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perp_go/internal/domain"
)

// EndpointKind tells the limiter which budgets a call consumes.
// Order-placing calls are checked against both the weight window and the
// 10-second order window; everything else only against the weight window.
type EndpointKind int

const (
	KindRequest EndpointKind = iota
	KindOrder
)

const (
	weightWindow = 60 * time.Second
	orderWindow  = 10 * time.Second

	// DefaultWeightLimit is the per-minute IP weight budget assumed until
	// exchange metadata says otherwise.
	DefaultWeightLimit = 1200
	// DefaultOrderLimit is the per-10s order count budget.
	DefaultOrderLimit = 50

	// emergencyReduction further tightens the effective limit while in
	// emergency mode, and is also the raw-usage fraction below which
	// emergency mode exits (hysteresis).
	emergencyReduction = 0.7
)

type weightedEntry struct {
	ts     time.Time
	weight int
}

// Limiter meters request weight and order counts against the exchange's
// advertised budgets using two independent sliding windows. Admit blocks
// until the request fits under the safety-adjusted limit.
//
// Usage is registered optimistically at admission, before the outcome of
// the subsequent API call is known. Registering post-hoc would undercount
// while concurrent admitters are in flight.
type Limiter struct {
	safetyFactor       float64
	emergencyThreshold float64

	weightMu     sync.Mutex
	weightLimit  int
	weightWindow []weightedEntry
	emergency    bool

	orderMu     sync.Mutex
	orderLimit  int
	orderWindow []time.Time

	logger *slog.Logger

	// test seam
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides the starting limits (e.g. from the persisted cache).
func WithLimits(limits domain.RateLimits) Option {
	return func(l *Limiter) {
		if limits.WeightPerMinute > 0 {
			l.weightLimit = limits.WeightPerMinute
		}
		if limits.OrdersPer10s > 0 {
			l.orderLimit = limits.OrdersPer10s
		}
	}
}

// New creates a Limiter. safetyFactor is the fraction of the advertised
// limit actually usable; emergencyThreshold is the raw-usage fraction at
// which emergency mode engages. Both are clamped to sane ranges.
func New(safetyFactor, emergencyThreshold float64, opts ...Option) *Limiter {
	l := &Limiter{
		safetyFactor:       clamp(safetyFactor, 0.1, 0.99),
		emergencyThreshold: clamp(emergencyThreshold, 0.5, 0.99),
		weightLimit:        DefaultWeightLimit,
		orderLimit:         DefaultOrderLimit,
		logger:             slog.Default().With("module", "ratelimit"),
		now:                time.Now,
		sleep:              sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Admit blocks until the request can proceed without exceeding the
// safety-adjusted limits, then registers its usage. The returned duration
// is how long the caller was held; waits up to a full window length are
// normal, not errors. The only error is context cancellation.
func (l *Limiter) Admit(ctx context.Context, kind EndpointKind, weight int) (time.Duration, error) {
	wait := l.Reserve(kind, weight)
	if wait > 0 {
		if wait > 5*time.Second {
			l.logger.Warn("rate limit wait",
				slog.Duration("wait", wait),
				slog.Int("weight", weight),
				slog.Bool("order", kind == KindOrder))
		}
		if err := l.sleep(ctx, wait); err != nil {
			return wait, err
		}
	}
	l.register(kind, weight)
	return wait, nil
}

// Reserve computes the minimal wait after which the request fits. It does
// not register usage; callers that sleep themselves must call Admit instead
// so registration stays paired with admission.
func (l *Limiter) Reserve(kind EndpointKind, weight int) time.Duration {
	var wait time.Duration

	if kind == KindOrder {
		l.orderMu.Lock()
		wait = l.orderWait()
		l.orderMu.Unlock()
	}

	l.weightMu.Lock()
	if w := l.weightWait(weight); w > wait {
		wait = w
	}
	l.weightMu.Unlock()

	return wait
}

// weightWait must be called with weightMu held.
func (l *Limiter) weightWait(weight int) time.Duration {
	now := l.now()
	l.pruneWeight(now)

	current := 0
	for _, e := range l.weightWindow {
		current += e.weight
	}

	effective := int(float64(l.weightLimit) * l.safetyFactor)

	// Emergency transitions compare against the raw limit, not the
	// safety-adjusted one. Exit only below 0.7x raw (hysteresis).
	if float64(current) > float64(l.weightLimit)*l.emergencyThreshold {
		if !l.emergency {
			l.emergency = true
			l.logger.Warn("emergency mode engaged",
				slog.Int("current_weight", current),
				slog.Int("weight_limit", l.weightLimit))
		}
	} else if l.emergency && float64(current) < float64(l.weightLimit)*emergencyReduction {
		l.emergency = false
		l.logger.Info("emergency mode released",
			slog.Int("current_weight", current),
			slog.Int("weight_limit", l.weightLimit))
	}

	if l.emergency {
		effective = int(float64(effective) * emergencyReduction)
	}

	if current+weight <= effective {
		return 0
	}
	if len(l.weightWindow) == 0 {
		return 0
	}

	// Find the earliest expiry that frees enough weight. Entries are
	// appended in time order, so the window is already sorted.
	needed := current + weight - effective
	freed := 0
	for _, e := range l.weightWindow {
		freed += e.weight
		if freed >= needed {
			wait := e.ts.Add(weightWindow).Sub(now)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}

	// Even a fully drained window is not enough; wait it out entirely.
	return weightWindow
}

// orderWait must be called with orderMu held.
func (l *Limiter) orderWait() time.Duration {
	now := l.now()
	l.pruneOrders(now)

	current := len(l.orderWindow)
	effective := int(float64(l.orderLimit) * l.safetyFactor)

	if current+1 <= effective {
		return 0
	}
	if current == 0 {
		return 0
	}

	needed := current + 1 - effective
	if needed <= current {
		wait := l.orderWindow[needed-1].Add(orderWindow).Sub(now)
		if wait < 0 {
			return 0
		}
		return wait
	}
	return orderWindow
}

func (l *Limiter) pruneWeight(now time.Time) {
	cutoff := now.Add(-weightWindow)
	j := 0
	for _, e := range l.weightWindow {
		if e.ts.After(cutoff) {
			l.weightWindow[j] = e
			j++
		}
	}
	l.weightWindow = l.weightWindow[:j]
}

func (l *Limiter) pruneOrders(now time.Time) {
	cutoff := now.Add(-orderWindow)
	j := 0
	for _, ts := range l.orderWindow {
		if ts.After(cutoff) {
			l.orderWindow[j] = ts
			j++
		}
	}
	l.orderWindow = l.orderWindow[:j]
}

func (l *Limiter) register(kind EndpointKind, weight int) {
	now := l.now()

	l.weightMu.Lock()
	l.weightWindow = append(l.weightWindow, weightedEntry{ts: now, weight: weight})
	l.weightMu.Unlock()

	if kind == KindOrder {
		l.orderMu.Lock()
		l.orderWindow = append(l.orderWindow, now)
		l.orderMu.Unlock()
	}
}

// UpdateLimits replaces the advertised limits at runtime (exchange
// metadata refresh). Zero values leave the current limit unchanged.
func (l *Limiter) UpdateLimits(limits domain.RateLimits) {
	if limits.WeightPerMinute > 0 {
		l.weightMu.Lock()
		old := l.weightLimit
		l.weightLimit = limits.WeightPerMinute
		l.weightMu.Unlock()
		if old != limits.WeightPerMinute {
			l.logger.Info("weight limit updated", slog.Int("old", old), slog.Int("new", limits.WeightPerMinute))
		}
	}
	if limits.OrdersPer10s > 0 {
		l.orderMu.Lock()
		old := l.orderLimit
		l.orderLimit = limits.OrdersPer10s
		l.orderMu.Unlock()
		if old != limits.OrdersPer10s {
			l.logger.Info("order limit updated", slog.Int("old", old), slog.Int("new", limits.OrdersPer10s))
		}
	}
}

// Status is a point-in-time view for operators and metrics.
type Status struct {
	WeightLimit    int     `json:"weight_limit"`
	OrderLimit     int     `json:"order_limit"`
	CurrentWeight  int     `json:"current_weight"`
	CurrentOrders  int     `json:"current_orders"`
	WeightUsagePct float64 `json:"weight_usage_pct"`
	OrderUsagePct  float64 `json:"order_usage_pct"`
	EmergencyMode  bool    `json:"emergency_mode"`
	SafetyFactor   float64 `json:"safety_factor"`
}

// Status prunes both windows and reports current usage.
func (l *Limiter) Status() Status {
	now := l.now()

	l.weightMu.Lock()
	l.pruneWeight(now)
	current := 0
	for _, e := range l.weightWindow {
		current += e.weight
	}
	st := Status{
		WeightLimit:   l.weightLimit,
		CurrentWeight: current,
		EmergencyMode: l.emergency,
		SafetyFactor:  l.safetyFactor,
	}
	if l.weightLimit > 0 {
		st.WeightUsagePct = float64(current) / float64(l.weightLimit)
	}
	l.weightMu.Unlock()

	l.orderMu.Lock()
	l.pruneOrders(now)
	st.OrderLimit = l.orderLimit
	st.CurrentOrders = len(l.orderWindow)
	if l.orderLimit > 0 {
		st.OrderUsagePct = float64(len(l.orderWindow)) / float64(l.orderLimit)
	}
	l.orderMu.Unlock()

	return st
}
