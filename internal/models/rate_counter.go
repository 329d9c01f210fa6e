package models

import "time"

// RateCounter counts messages sent by one account within one hour bucket.
// The monthly quota is derived by summing the current month's buckets.
type RateCounter struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID   uint64    `gorm:"not null;uniqueIndex:idx_rate_counters_account_bucket,priority:1"` // Owning account ID.
	BucketStart time.Time `gorm:"not null;uniqueIndex:idx_rate_counters_account_bucket,priority:2"` // Hour boundary in UTC.

	Count int64 `gorm:"not null;default:0"` // Messages sent in the bucket.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
