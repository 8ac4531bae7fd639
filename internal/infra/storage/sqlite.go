package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"perp_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// rateLimitKey is the primary key of the single persisted limit record.
const rateLimitKey = "exchange"

// RateLimitRecord caches exchange-advertised limits between runs.
type RateLimitRecord struct {
	Key             string    `gorm:"primaryKey"`
	WeightPerMinute int       `gorm:"not null"`
	OrdersPer10s    int       `gorm:"not null"`
	FetchedAt       time.Time `gorm:"not null"`
}

// AlertRecord is the persisted history of raised alerts.
type AlertRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	AlertID   string    `gorm:"index;not null"`
	Severity  string    `gorm:"not null"`
	Type      string    `gorm:"not null"`
	Message   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// BreakerEpisode records one circuit-breaker trip and its eventual reset.
type BreakerEpisode struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	Condition   string    `gorm:"not null"`
	Reason      string    `gorm:"not null"`
	TriggeredAt time.Time `gorm:"not null"`
	ResetAt     *time.Time
}

// Storage is the SQLite persistence layer.
type Storage struct {
	db *gorm.DB
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Pure Go SQLite driver, no cgo
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&RateLimitRecord{}, &AlertRecord{}, &BreakerEpisode{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// ======================================================================================
// Rate limit cache (ratelimit.LimitStore)
// ======================================================================================

// LoadRateLimits returns the cached limits and their fetch time.
// A nil result with nil error means no record exists yet.
func (s *Storage) LoadRateLimits() (*domain.RateLimits, time.Time, error) {
	var rec RateLimitRecord
	err := s.db.First(&rec, "key = ?", rateLimitKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return &domain.RateLimits{
		WeightPerMinute: rec.WeightPerMinute,
		OrdersPer10s:    rec.OrdersPer10s,
	}, rec.FetchedAt, nil
}

// SaveRateLimits upserts the cached limit record.
func (s *Storage) SaveRateLimits(limits domain.RateLimits, fetchedAt time.Time) error {
	return s.db.Save(&RateLimitRecord{
		Key:             rateLimitKey,
		WeightPerMinute: limits.WeightPerMinute,
		OrdersPer10s:    limits.OrdersPer10s,
		FetchedAt:       fetchedAt,
	}).Error
}

// ======================================================================================
// Alert history (infra.AlertHistoryStore)
// ======================================================================================

// SaveAlert appends one raised alert to the history.
func (s *Storage) SaveAlert(alert domain.Alert) error {
	return s.db.Create(&AlertRecord{
		AlertID:   alert.ID,
		Severity:  alert.Severity,
		Type:      alert.Type,
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	}).Error
}

// RecentAlerts returns the latest raised alerts, newest first.
func (s *Storage) RecentAlerts(limit int) ([]AlertRecord, error) {
	var records []AlertRecord
	err := s.db.Order("created_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// ======================================================================================
// Breaker episodes (risk.EpisodeStore)
// ======================================================================================

// RecordTrigger opens a new breaker episode.
func (s *Storage) RecordTrigger(condition, reason string, at time.Time) error {
	return s.db.Create(&BreakerEpisode{
		Condition:   condition,
		Reason:      reason,
		TriggeredAt: at,
	}).Error
}

// RecordReset closes the most recent open episode. A reset without an
// open episode is ignored.
func (s *Storage) RecordReset(at time.Time) error {
	var episode BreakerEpisode
	err := s.db.Where("reset_at IS NULL").Order("triggered_at desc").First(&episode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	episode.ResetAt = &at
	return s.db.Save(&episode).Error
}

// Episodes returns the latest breaker episodes, newest first.
func (s *Storage) Episodes(limit int) ([]BreakerEpisode, error) {
	var episodes []BreakerEpisode
	err := s.db.Order("triggered_at desc").Limit(limit).Find(&episodes).Error
	return episodes, err
}
