package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"perp_go/internal/domain"
)

// CacheTTL is how long a persisted limit record stays trustworthy.
const CacheTTL = 12 * time.Hour

// LimitStore persists the advertised limits between runs.
type LimitStore interface {
	// LoadRateLimits returns the stored limits and when they were fetched.
	// A nil result with nil error means no record exists.
	LoadRateLimits() (*domain.RateLimits, time.Time, error)
	SaveRateLimits(limits domain.RateLimits, fetchedAt time.Time) error
}

// LimitSource is the subset of the exchange client the refresher needs.
type LimitSource interface {
	FetchRateLimits(ctx context.Context) (*domain.RateLimits, error)
}

// Refresher keeps the limiter's advertised limits in sync with exchange
// metadata. On startup a cached record younger than CacheTTL is used
// as-is; otherwise a fresh fetch is attempted, and on fetch failure the
// in-memory defaults simply stand.
type Refresher struct {
	limiter  *Limiter
	source   LimitSource
	store    LimitStore
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher wires a refresher. store may be nil (no persistence).
func NewRefresher(limiter *Limiter, source LimitSource, store LimitStore, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = CacheTTL
	}
	return &Refresher{
		limiter:  limiter,
		source:   source,
		store:    store,
		interval: interval,
		logger:   slog.Default().With("module", "ratelimit"),
	}
}

// Prime loads limits once at startup: cache first, then the exchange.
func (r *Refresher) Prime(ctx context.Context) {
	if r.store != nil {
		limits, fetchedAt, err := r.store.LoadRateLimits()
		if err != nil {
			r.logger.Warn("rate limit cache load failed", slog.Any("error", err))
		} else if limits != nil && time.Since(fetchedAt) < CacheTTL {
			r.limiter.UpdateLimits(*limits)
			r.logger.Info("rate limits loaded from cache",
				slog.Int("weight", limits.WeightPerMinute),
				slog.Int("orders", limits.OrdersPer10s),
				slog.Duration("age", time.Since(fetchedAt)))
			return
		}
	}
	r.refresh(ctx)
}

// Run refreshes periodically until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh pulls fresh limits. Failure is non-fatal: the previous limits
// keep working.
func (r *Refresher) refresh(ctx context.Context) {
	limits, err := r.source.FetchRateLimits(ctx)
	if err != nil {
		r.logger.Warn("rate limit refresh failed, keeping current limits", slog.Any("error", err))
		return
	}

	r.limiter.UpdateLimits(*limits)

	if r.store != nil {
		if err := r.store.SaveRateLimits(*limits, time.Now()); err != nil {
			r.logger.Warn("rate limit cache save failed", slog.Any("error", err))
		}
	}
}
