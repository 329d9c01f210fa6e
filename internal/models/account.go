package models

import "time"

// PlanTier identifies the subscription level of an account.
type PlanTier string

// Plan tiers in ascending order of capacity.
const (
	// PlanFree is the default tier for newly connected profiles.
	PlanFree PlanTier = "free"
	// PlanPro is the paid mid tier.
	PlanPro PlanTier = "pro"
	// PlanScale is the highest tier.
	PlanScale PlanTier = "scale"
)

// Account represents one connected social profile.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ExternalID string `gorm:"type:text;not null;uniqueIndex"` // Platform profile id, unique system-wide.
	Username   string `gorm:"type:text"`                      // Profile display handle.

	AccessToken string `gorm:"type:text;not null"` // Opaque platform credential.

	Plan PlanTier `gorm:"type:text;not null;default:'free'"` // Subscription tier, drives rate limits.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
