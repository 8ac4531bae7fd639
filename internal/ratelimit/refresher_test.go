package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp_go/internal/domain"
)

type fakeLimitStore struct {
	limits    *domain.RateLimits
	fetchedAt time.Time
	loadErr   error

	saved   *domain.RateLimits
	savedAt time.Time
}

func (s *fakeLimitStore) LoadRateLimits() (*domain.RateLimits, time.Time, error) {
	return s.limits, s.fetchedAt, s.loadErr
}

func (s *fakeLimitStore) SaveRateLimits(limits domain.RateLimits, fetchedAt time.Time) error {
	s.saved = &limits
	s.savedAt = fetchedAt
	return nil
}

type fakeLimitSource struct {
	limits *domain.RateLimits
	err    error
	calls  int
}

func (s *fakeLimitSource) FetchRateLimits(ctx context.Context) (*domain.RateLimits, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.limits, nil
}

func TestPrime_UsesFreshCache(t *testing.T) {
	limiter := New(0.75, 0.9)
	store := &fakeLimitStore{
		limits:    &domain.RateLimits{WeightPerMinute: 900, OrdersPer10s: 40},
		fetchedAt: time.Now().Add(-time.Hour),
	}
	source := &fakeLimitSource{}

	NewRefresher(limiter, source, store, time.Hour).Prime(context.Background())

	if source.calls != 0 {
		t.Errorf("source calls = %d, want 0 with a fresh cache", source.calls)
	}
	st := limiter.Status()
	if st.WeightLimit != 900 {
		t.Errorf("WeightLimit = %d, want cached 900", st.WeightLimit)
	}
}

func TestPrime_StaleCacheFetchesAndSaves(t *testing.T) {
	limiter := New(0.75, 0.9)
	store := &fakeLimitStore{
		limits:    &domain.RateLimits{WeightPerMinute: 900, OrdersPer10s: 40},
		fetchedAt: time.Now().Add(-CacheTTL - time.Minute),
	}
	source := &fakeLimitSource{
		limits: &domain.RateLimits{WeightPerMinute: 1200, OrdersPer10s: 50},
	}

	NewRefresher(limiter, source, store, time.Hour).Prime(context.Background())

	if source.calls != 1 {
		t.Fatalf("source calls = %d, want 1 for a stale cache", source.calls)
	}
	if limiter.Status().WeightLimit != 1200 {
		t.Errorf("WeightLimit = %d, want fetched 1200", limiter.Status().WeightLimit)
	}
	if store.saved == nil || store.saved.WeightPerMinute != 1200 {
		t.Errorf("saved = %+v, want fetched limits persisted", store.saved)
	}
}

func TestPrime_FetchFailureKeepsDefaults(t *testing.T) {
	limiter := New(0.75, 0.9)
	source := &fakeLimitSource{err: errors.New("exchange down")}

	before := limiter.Status().WeightLimit
	NewRefresher(limiter, source, nil, time.Hour).Prime(context.Background())

	if limiter.Status().WeightLimit != before {
		t.Errorf("WeightLimit changed to %d on a failed fetch", limiter.Status().WeightLimit)
	}
}
