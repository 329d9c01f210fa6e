package models

import (
	"time"

	"gorm.io/datatypes"
)

// QueueStatus tracks a deferred send through its lifecycle.
type QueueStatus string

// Queue entry states. Transitions are pending -> processing -> {sent, failed,
// skipped}, plus processing -> pending when a drain run reschedules for lack
// of capacity.
const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueSkipped    QueueStatus = "skipped"
)

// QueueEntry is a deferred send job created when an account is out of
// capacity or when the limiter asked for load spreading.
type QueueEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64 `gorm:"not null;index"` // Owning account ID.
	RuleID    uint64 `gorm:"not null"`       // Rule that matched the original event.

	EventID      string `gorm:"type:text;not null;index"` // External event id of the trigger.
	SubscriberID string `gorm:"type:text;not null"`       // DM recipient.
	Keyword      string `gorm:"type:text;not null"`       // Keyword label of the matched rule.

	Message    string         `gorm:"type:text;not null"` // Rendered DM body.
	Attachment datatypes.JSON `gorm:"type:jsonb"`         // Optional button/thumbnail payload.

	Priority    int         `gorm:"not null;default:0;index"`                   // Higher drains first.
	Status      QueueStatus `gorm:"type:text;not null;default:'pending';index"` // Lifecycle state.
	ClaimToken  string      `gorm:"type:text;index"`                            // Drain run that claimed the entry.
	ScheduledAt time.Time   `gorm:"not null;index"`                             // Earliest send time.

	Attempts  int        `gorm:"not null;default:0"` // Drain attempts so far.
	LastError string     `gorm:"type:text"`          // Most recent gateway error.
	SentAt    *time.Time // Delivery timestamp when sent.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
