package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/gorm"
)

// GormCounterStore keeps rate counters in the rate_counters table. The
// increment is a single upsert round trip; both supported dialects return the
// post-increment value through RETURNING, which is what makes the
// increment-verify-rollback pattern race-safe without a transaction.
type GormCounterStore struct {
	db *gorm.DB
}

// NewGormCounterStore constructs a GormCounterStore.
func NewGormCounterStore(db *gorm.DB) *GormCounterStore {
	return &GormCounterStore{db: db}
}

// IncrHour atomically increments the (account, bucket) counter and returns
// the new value.
func (s *GormCounterStore) IncrHour(ctx context.Context, accountID uint64, bucket time.Time) (int64, error) {
	bucket = bucket.UTC()
	now := time.Now().UTC()

	var count int64
	errScan := s.db.WithContext(ctx).Raw(
		`INSERT INTO rate_counters (account_id, bucket_start, count, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT (account_id, bucket_start)
		 DO UPDATE SET count = rate_counters.count + 1, updated_at = ?
		 RETURNING count`,
		accountID, bucket, now, now,
	).Scan(&count).Error
	if errScan != nil {
		return 0, fmt.Errorf("ratelimit: upsert counter: %w", errScan)
	}
	return count, nil
}

// DecrHour undoes one increment, guarded so the counter never goes negative.
func (s *GormCounterStore) DecrHour(ctx context.Context, accountID uint64, bucket time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.RateCounter{}).
		Where("account_id = ? AND bucket_start = ? AND count > 0", accountID, bucket.UTC()).
		Update("count", gorm.Expr("count - ?", 1))
	if res.Error != nil {
		return fmt.Errorf("ratelimit: decrement counter: %w", res.Error)
	}
	return nil
}

// HourCount reads one bucket's counter.
func (s *GormCounterStore) HourCount(ctx context.Context, accountID uint64, bucket time.Time) (int64, error) {
	var count int64
	errScan := s.db.WithContext(ctx).
		Model(&models.RateCounter{}).
		Where("account_id = ? AND bucket_start = ?", accountID, bucket.UTC()).
		Select("COALESCE(SUM(count), 0)").
		Scan(&count).Error
	if errScan != nil {
		return 0, fmt.Errorf("ratelimit: hour count: %w", errScan)
	}
	return count, nil
}

// MonthCount sums all buckets since the month start.
func (s *GormCounterStore) MonthCount(ctx context.Context, accountID uint64, monthStart time.Time) (int64, error) {
	var count int64
	errScan := s.db.WithContext(ctx).
		Model(&models.RateCounter{}).
		Where("account_id = ? AND bucket_start >= ?", accountID, monthStart.UTC()).
		Select("COALESCE(SUM(count), 0)").
		Scan(&count).Error
	if errScan != nil {
		return 0, fmt.Errorf("ratelimit: month count: %w", errScan)
	}
	return count, nil
}

var _ CounterStore = (*GormCounterStore)(nil)
