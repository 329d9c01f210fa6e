package models

import "time"

// DispatchLog records the outcome of one processed trigger event.
//
// The (account_id, event_id) pair is unique so a redelivered webhook can never
// produce a second row, and the (account_id, subscriber_id, keyword) index
// backs the one-message-per-user-per-rule check.
type DispatchLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64 `gorm:"not null;uniqueIndex:idx_dispatch_logs_account_event,priority:1;index:idx_dispatch_logs_subscriber,priority:1"` // Owning account ID.
	EventID   string `gorm:"type:text;not null;uniqueIndex:idx_dispatch_logs_account_event,priority:2"`                                    // External event id.

	SubscriberID   string `gorm:"type:text;not null;index:idx_dispatch_logs_subscriber,priority:2"` // External subscriber id.
	SubscriberName string `gorm:"type:text"`                                                        // Subscriber display name.

	RuleID  uint64 `gorm:"index"`                                                    // Matched rule ID.
	Keyword string `gorm:"type:text;not null;index:idx_dispatch_logs_subscriber,priority:3"` // Matched keyword label, or "ANY".

	Sent   bool       `gorm:"not null;default:false"` // Whether the DM was delivered.
	SentAt *time.Time // Delivery timestamp when sent.
	Reason string     `gorm:"type:text"` // Queue or failure reason when not sent.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
