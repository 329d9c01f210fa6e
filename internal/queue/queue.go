package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job carries everything needed to deliver a deferred DM.
type Job struct {
	AccountID    uint64
	RuleID       uint64
	EventID      string
	SubscriberID string
	Keyword      string
	Message      string
	Attachment   datatypes.JSON
}

// Queue is the durable overflow store for rate-limited sends.
type Queue struct {
	db *gorm.DB
}

// New constructs a Queue.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends a pending entry. There is deliberately no capacity check
// here: an account at both ceilings must still be able to queue.
func (q *Queue) Enqueue(ctx context.Context, job Job, scheduledAt time.Time, priority int) (*models.QueueEntry, error) {
	if job.AccountID == 0 || job.EventID == "" {
		return nil, errors.New("queue: job missing account or event id")
	}
	entry := models.QueueEntry{
		AccountID:    job.AccountID,
		RuleID:       job.RuleID,
		EventID:      job.EventID,
		SubscriberID: job.SubscriberID,
		Keyword:      job.Keyword,
		Message:      job.Message,
		Attachment:   job.Attachment,
		Priority:     priority,
		Status:       models.QueuePending,
		ScheduledAt:  scheduledAt.UTC(),
	}
	if errCreate := q.db.WithContext(ctx).Create(&entry).Error; errCreate != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", errCreate)
	}
	return &entry, nil
}

// ClaimDue moves up to limit due pending entries to processing and returns
// the rows this caller actually claimed.
//
// The claim is a conditional update guarded on status = 'pending', stamped
// with a per-invocation token; rows another drain run grabbed between the
// select and the update simply do not match and are skipped. Only rows
// carrying our token come back, so two overlapping drains can never both
// hold the same entry.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ids []uint64
	errPick := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("status = ? AND scheduled_at <= ?", models.QueuePending, now.UTC()).
		Order("priority DESC, scheduled_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if errPick != nil {
		return nil, fmt.Errorf("queue: select due: %w", errPick)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	token := uuid.NewString()
	res := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id IN ? AND status = ?", ids, models.QueuePending).
		Updates(map[string]any{
			"status":      models.QueueProcessing,
			"claim_token": token,
			"attempts":    gorm.Expr("attempts + ?", 1),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("queue: claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var claimed []models.QueueEntry
	errFetch := q.db.WithContext(ctx).
		Where("claim_token = ? AND status = ?", token, models.QueueProcessing).
		Order("priority DESC, scheduled_at ASC, id ASC").
		Find(&claimed).Error
	if errFetch != nil {
		return nil, fmt.Errorf("queue: load claimed: %w", errFetch)
	}
	return claimed, nil
}

// Reschedule returns processing entries to pending with a new send time and
// an optional priority bump.
func (q *Queue) Reschedule(ctx context.Context, ids []uint64, at time.Time, priorityBump int) error {
	if len(ids) == 0 {
		return nil
	}
	updates := map[string]any{
		"status":       models.QueuePending,
		"claim_token":  "",
		"scheduled_at": at.UTC(),
		"updated_at":   time.Now().UTC(),
	}
	if priorityBump > 0 {
		updates["priority"] = gorm.Expr("priority + ?", priorityBump)
	}
	res := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id IN ? AND status = ?", ids, models.QueueProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: reschedule: %w", res.Error)
	}
	return nil
}

// MarkSent finishes a processing entry as sent. Terminal; guarded so a sent
// or failed entry can never move again.
func (q *Queue) MarkSent(ctx context.Context, id uint64, at time.Time) error {
	sentAt := at.UTC()
	res := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.QueueProcessing).
		Updates(map[string]any{
			"status":  models.QueueSent,
			"sent_at": &sentAt,
		})
	if res.Error != nil {
		return fmt.Errorf("queue: mark sent: %w", res.Error)
	}
	return nil
}

// MarkFailed finishes a processing entry as failed with the gateway error.
func (q *Queue) MarkFailed(ctx context.Context, id uint64, cause string) error {
	res := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.QueueProcessing).
		Updates(map[string]any{
			"status":     models.QueueFailed,
			"last_error": cause,
		})
	if res.Error != nil {
		return fmt.Errorf("queue: mark failed: %w", res.Error)
	}
	return nil
}

// MarkSkipped finishes a processing entry without a delivery, recording why it
// was dropped. Terminal like sent and failed.
func (q *Queue) MarkSkipped(ctx context.Context, id uint64, cause string) error {
	res := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.QueueProcessing).
		Updates(map[string]any{
			"status":     models.QueueSkipped,
			"last_error": cause,
		})
	if res.Error != nil {
		return fmt.Errorf("queue: mark skipped: %w", res.Error)
	}
	return nil
}

// PendingCount reports how many entries wait for a given account. Used by
// the health surface and tests.
func (q *Queue) PendingCount(ctx context.Context, accountID uint64) (int64, error) {
	var count int64
	errCount := q.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("account_id = ? AND status = ?", accountID, models.QueuePending).
		Count(&count).Error
	if errCount != nil {
		return 0, fmt.Errorf("queue: pending count: %w", errCount)
	}
	return count, nil
}
