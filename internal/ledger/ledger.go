package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/gorm"
)

// ErrDuplicateEvent reports that a dispatch row already exists for the
// (account, event) pair. Callers treat it the same as "already processed";
// it is the storage-level guard against racing redeliveries.
var ErrDuplicateEvent = errors.New("ledger: event already recorded")

// Ledger is the append-only dispatch log used for idempotency and the
// one-message-per-user-per-rule guarantee.
type Ledger struct {
	db *gorm.DB
}

// New constructs a Ledger.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// HasEventBeenProcessed reports whether a row exists for the event id.
func (l *Ledger) HasEventBeenProcessed(ctx context.Context, accountID uint64, eventID string) (bool, error) {
	var count int64
	errCount := l.db.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("account_id = ? AND event_id = ?", accountID, eventID).
		Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("ledger: event lookup: %w", errCount)
	}
	return count > 0, nil
}

// HasUserAlreadyReceivedMessage reports whether a successful send exists for
// the (account, subscriber, keyword label) triple, independent of which
// content item triggered it.
func (l *Ledger) HasUserAlreadyReceivedMessage(ctx context.Context, accountID uint64, subscriberID, keyword string) (bool, error) {
	var count int64
	errCount := l.db.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("account_id = ? AND subscriber_id = ? AND keyword = ? AND sent = ?", accountID, subscriberID, keyword, true).
		Count(&count).Error
	if errCount != nil {
		return false, fmt.Errorf("ledger: subscriber lookup: %w", errCount)
	}
	return count > 0, nil
}

// RecordDispatch inserts one dispatch row. The unique (account_id, event_id)
// index is the authoritative idempotency check; a violation comes back as
// ErrDuplicateEvent.
func (l *Ledger) RecordDispatch(ctx context.Context, entry *models.DispatchLog) error {
	if entry == nil {
		return errors.New("ledger: nil entry")
	}
	errCreate := l.db.WithContext(ctx).Create(entry).Error
	if errCreate != nil {
		if isDuplicateKey(errCreate) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("ledger: record dispatch: %w", errCreate)
	}
	return nil
}

// UpdateDispatch patches the row for (account, event) in place. The drain
// worker uses this to flip "queued" placeholder rows to their final outcome.
func (l *Ledger) UpdateDispatch(ctx context.Context, accountID uint64, eventID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	res := l.db.WithContext(ctx).
		Model(&models.DispatchLog{}).
		Where("account_id = ? AND event_id = ?", accountID, eventID).
		Updates(patch)
	if res.Error != nil {
		return fmt.Errorf("ledger: update dispatch: %w", res.Error)
	}
	return nil
}

// isDuplicateKey detects unique-constraint violations across dialects. GORM's
// TranslateError covers the common case; the string checks catch drivers that
// bypass translation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
