package storage

import (
	"path/filepath"
	"testing"
	"time"

	"perp_go/internal/domain"
	"perp_go/internal/infra"
	"perp_go/internal/ratelimit"
	"perp_go/internal/risk"
)

var (
	_ ratelimit.LimitStore    = (*Storage)(nil)
	_ infra.AlertHistoryStore = (*Storage)(nil)
	_ risk.EpisodeStore       = (*Storage)(nil)
)

func setupTestDB(t *testing.T) *Storage {
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	return s
}

func TestRateLimits_SaveAndLoad(t *testing.T) {
	s := setupTestDB(t)

	// No record yet
	limits, _, err := s.LoadRateLimits()
	if err != nil {
		t.Fatalf("LoadRateLimits failed: %v", err)
	}
	if limits != nil {
		t.Fatalf("expected no record, got %+v", limits)
	}

	fetchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := domain.RateLimits{WeightPerMinute: 2400, OrdersPer10s: 100}
	if err := s.SaveRateLimits(want, fetchedAt); err != nil {
		t.Fatalf("SaveRateLimits failed: %v", err)
	}

	limits, gotAt, err := s.LoadRateLimits()
	if err != nil {
		t.Fatalf("LoadRateLimits failed: %v", err)
	}
	if limits == nil || *limits != want {
		t.Errorf("loaded %+v, want %+v", limits, want)
	}
	if !gotAt.Equal(fetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", gotAt, fetchedAt)
	}
}

func TestRateLimits_SaveReplacesRecord(t *testing.T) {
	s := setupTestDB(t)

	s.SaveRateLimits(domain.RateLimits{WeightPerMinute: 1200, OrdersPer10s: 50}, time.Now())
	if err := s.SaveRateLimits(domain.RateLimits{WeightPerMinute: 2400, OrdersPer10s: 100}, time.Now()); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	limits, _, err := s.LoadRateLimits()
	if err != nil {
		t.Fatalf("LoadRateLimits failed: %v", err)
	}
	if limits.WeightPerMinute != 2400 {
		t.Errorf("expected replaced record, got %+v", limits)
	}
}

func TestAlerts_History(t *testing.T) {
	s := setupTestDB(t)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"drawdown", "daily_loss", "position_size"} {
		err := s.SaveAlert(domain.Alert{
			ID:        id,
			Severity:  domain.SeverityCritical,
			Type:      "circuit_breaker",
			Message:   "breach",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
	}

	records, err := s.RecentAlerts(2)
	if err != nil {
		t.Fatalf("RecentAlerts failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].AlertID != "position_size" {
		t.Errorf("expected newest first, got %s", records[0].AlertID)
	}
}

func TestBreakerEpisodes_TriggerAndReset(t *testing.T) {
	s := setupTestDB(t)

	triggeredAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.RecordTrigger("drawdown", "drawdown 20% exceeds limit 15%", triggeredAt); err != nil {
		t.Fatalf("RecordTrigger failed: %v", err)
	}

	episodes, err := s.Episodes(10)
	if err != nil {
		t.Fatalf("Episodes failed: %v", err)
	}
	if len(episodes) != 1 || episodes[0].ResetAt != nil {
		t.Fatalf("expected one open episode, got %+v", episodes)
	}

	resetAt := triggeredAt.Add(time.Hour)
	if err := s.RecordReset(resetAt); err != nil {
		t.Fatalf("RecordReset failed: %v", err)
	}

	episodes, _ = s.Episodes(10)
	if episodes[0].ResetAt == nil || !episodes[0].ResetAt.Equal(resetAt) {
		t.Errorf("episode not closed: %+v", episodes[0])
	}
}

func TestBreakerEpisodes_ResetWithoutOpenEpisode(t *testing.T) {
	s := setupTestDB(t)
	if err := s.RecordReset(time.Now()); err != nil {
		t.Errorf("reset without episode must be a no-op, got %v", err)
	}
}
