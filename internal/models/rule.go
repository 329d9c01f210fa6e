package models

import "time"

// TriggerKind defines how an automation rule matches inbound events.
type TriggerKind int

// TriggerKind constants define matching strategies.
const (
	// TriggerKeyword matches comments containing the configured keyword.
	TriggerKeyword TriggerKind = 1
	// TriggerAny matches every comment on the rule's scope.
	TriggerAny TriggerKind = 2
	// TriggerStoryReply matches direct replies to a story.
	TriggerStoryReply TriggerKind = 3
	// TriggerPostback matches quick-reply/postback payloads exactly.
	TriggerPostback TriggerKind = 4
)

// RuleScope defines which content a rule applies to.
type RuleScope int

// RuleScope constants, in resolution priority order.
const (
	// ScopePost targets one specific content id.
	ScopePost RuleScope = 1
	// ScopeNextPost targets content published after the rule was created,
	// within the configured freshness window.
	ScopeNextPost RuleScope = 2
	// ScopeAnyPost targets every content item on the account.
	ScopeAnyPost RuleScope = 3
)

// AutomationRule maps a trigger condition to an outbound response.
type AutomationRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64   `gorm:"not null;index"`        // Owning account ID.
	Account   *Account `gorm:"foreignKey:AccountID"`  // Associated account record.

	Scope     RuleScope   `gorm:"not null;default:3"` // Content scoping strategy.
	ContentID string      `gorm:"type:text;index"`    // Target content id, set iff Scope is ScopePost.
	Trigger   TriggerKind `gorm:"not null"`           // Matching strategy.
	Keyword   string      `gorm:"type:text"`          // Keyword or postback payload; required unless Trigger is TriggerAny.

	DMText         string `gorm:"type:text;not null"` // Direct message template.
	DMButtonText   string `gorm:"type:text"`          // Optional button label for the DM.
	DMButtonURL    string `gorm:"type:text"`          // Optional button link for the DM.
	DMThumbnailURL string `gorm:"type:text"`          // Optional thumbnail for the DM attachment.
	ReplyText      string `gorm:"type:text"`          // Optional public comment reply.

	RequireFollow      bool `gorm:"not null;default:false"` // Gate the DM on a follow relationship.
	IgnoreReplies      bool `gorm:"not null;default:true"`  // Skip reply-to-reply comments.
	IgnoreSelfComments bool `gorm:"not null;default:true"`  // Skip the account's own comments.

	Active bool `gorm:"not null;default:true"` // Whether the rule participates in resolution.

	MatchCount int64 `gorm:"not null;default:0"` // Events that matched the trigger.
	SentCount  int64 `gorm:"not null;default:0"` // Messages delivered.
	FailCount  int64 `gorm:"not null;default:0"` // Delivery failures.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// KeywordLabel returns the ledger label for the rule's trigger: the configured
// keyword for keyword-style rules, or "ANY" for match-everything rules.
func (r *AutomationRule) KeywordLabel() string {
	if r == nil {
		return ""
	}
	if r.Trigger == TriggerAny || r.Keyword == "" {
		return "ANY"
	}
	return r.Keyword
}
