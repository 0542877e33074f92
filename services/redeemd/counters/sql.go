package counters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundcard/services/redeemd/models"
)

// SQLStore keeps velocity events and claims in the shared relational database.
// Aged rows are removed by Prune, normally from RunJanitor.
type SQLStore struct {
	db        *gorm.DB
	retention time.Duration
	nowFn     func() time.Time
}

// NewSQLStore constructs a store. retention bounds how long velocity events are
// kept and should be at least the largest screening window.
func NewSQLStore(db *gorm.DB, retention time.Duration) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("counters: database required")
	}
	if retention <= 0 {
		return nil, errors.New("counters: retention must be positive")
	}
	return &SQLStore{db: db, retention: retention, nowFn: time.Now}, nil
}

// SetNowFunc overrides the clock used for claim expiry and pruning.
func (s *SQLStore) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Hit records an event at now and counts the events inside the window.
func (s *SQLStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("counters: window must be positive")
	}
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := models.ScanEvent{Key: key, AtUnixMicro: now.UnixMicro()}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		return tx.Model(&models.ScanEvent{}).
			Where("key = ? AND at_unix_micro > ?", key, now.Add(-window).UnixMicro()).
			Count(&count).Error
	})
	if err != nil {
		return 0, fmt.Errorf("counters: sql hit %s: %w", key, err)
	}
	return count, nil
}

// Claim inserts the claim row unless an unexpired claim exists.
func (s *SQLStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.nowFn()
	var claimed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at_unix_micro <= ?", key, now.UnixMicro()).
			Delete(&models.ScanClaim{}).Error; err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.ScanClaim{Key: key, ExpiresAtUnixMicro: now.Add(ttl).UnixMicro()})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("counters: sql claim %s: %w", key, err)
	}
	return claimed, nil
}

// Release deletes the claim row.
func (s *SQLStore) Release(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.ScanClaim{}).Error; err != nil {
		return fmt.Errorf("counters: sql release %s: %w", key, err)
	}
	return nil
}

// Prune deletes events older than the retention period and expired claims. It
// returns the number of rows removed.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	now := s.nowFn()
	events := s.db.WithContext(ctx).
		Where("at_unix_micro <= ?", now.Add(-s.retention).UnixMicro()).
		Delete(&models.ScanEvent{})
	if events.Error != nil {
		return 0, fmt.Errorf("counters: prune events: %w", events.Error)
	}
	claims := s.db.WithContext(ctx).
		Where("expires_at_unix_micro <= ?", now.UnixMicro()).
		Delete(&models.ScanClaim{})
	if claims.Error != nil {
		return events.RowsAffected, fmt.Errorf("counters: prune claims: %w", claims.Error)
	}
	return events.RowsAffected + claims.RowsAffected, nil
}

// RunJanitor prunes on every interval until ctx is cancelled.
func (s *SQLStore) RunJanitor(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Prune(ctx)
			if err != nil {
				logger.Warn("counter prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("counter rows pruned", slog.Int64("removed", removed))
			}
		}
	}
}
