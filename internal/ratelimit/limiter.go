package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Decision is the limiter's answer for one send attempt.
type Decision struct {
	Allowed          bool      // Whether the account may send.
	HourlyRemaining  int64     // Hourly slots left after this decision.
	MonthlyRemaining int64     // Monthly slots left after this decision.
	RetryAfter       time.Time // When to retry (denied) or send (spread); zero means send now.
}

// Deferred reports whether an allowed decision asks the caller to queue the
// send for a later slot instead of sending inline.
func (d Decision) Deferred() bool {
	return d.Allowed && !d.RetryAfter.IsZero()
}

// CounterStore is the atomic per-account counter primitive behind the
// limiter. Implementations must make IncrHour a single serialized operation
// with respect to concurrent callers for the same account.
type CounterStore interface {
	// IncrHour atomically increments the account's counter for the hour
	// bucket and returns the new value.
	IncrHour(ctx context.Context, accountID uint64, bucket time.Time) (int64, error)
	// DecrHour undoes one increment, never taking the counter below zero.
	DecrHour(ctx context.Context, accountID uint64, bucket time.Time) error
	// HourCount reads the counter for the hour bucket.
	HourCount(ctx context.Context, accountID uint64, bucket time.Time) (int64, error)
	// MonthCount sums the account's counters since the given month start.
	MonthCount(ctx context.Context, accountID uint64, monthStart time.Time) (int64, error)
}

// Limiter enforces the hourly speed limit and monthly quota per account.
type Limiter struct {
	counters CounterStore
	spread   bool
	now      func() time.Time
}

// New constructs a Limiter over a counter store.
func New(counters CounterStore) *Limiter {
	return &Limiter{counters: counters, now: func() time.Time { return time.Now().UTC() }}
}

// WithSpread enables the load-spreading delay: once more than one message has
// already been sent this hour, further sends are deferred across the hour
// instead of front-loaded.
func (l *Limiter) WithSpread(enabled bool) *Limiter {
	l.spread = enabled
	return l
}

// WithClock overrides the limiter's clock. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// CheckCapacity decides whether the account may send one more message.
//
// The monthly check is read-only and runs first so a monthly-capped request
// never burns an hourly slot. The hourly check is increment-then-verify: the
// atomic increment serializes concurrent attempts, and an increment that
// lands past the limit is rolled back so a denied request leaves the counter
// where it found it.
//
// A spread delay applies once the hour already carries two sends: the decision
// is allowed but carries a future RetryAfter, telling the caller to queue.
// The hourly increment is rolled back in that case too, because the drain
// worker counts the send when it actually happens.
func (l *Limiter) CheckCapacity(ctx context.Context, accountID uint64, hourlyLimit, monthlyLimit int) (Decision, error) {
	now := l.now()
	hourBucket := HourStart(now)
	monthStart := MonthStart(now)

	monthUsed, errMonth := l.counters.MonthCount(ctx, accountID, monthStart)
	if errMonth != nil {
		return Decision{}, fmt.Errorf("ratelimit: month count: %w", errMonth)
	}
	if monthUsed >= int64(monthlyLimit) {
		hourUsed, errHour := l.counters.HourCount(ctx, accountID, hourBucket)
		if errHour != nil {
			return Decision{}, fmt.Errorf("ratelimit: hour count: %w", errHour)
		}
		return Decision{
			Allowed:          false,
			HourlyRemaining:  clampRemaining(int64(hourlyLimit) - hourUsed),
			MonthlyRemaining: 0,
			RetryAfter:       NextMonth(now),
		}, nil
	}

	hourUsed, errIncr := l.counters.IncrHour(ctx, accountID, hourBucket)
	if errIncr != nil {
		return Decision{}, fmt.Errorf("ratelimit: hour increment: %w", errIncr)
	}
	if hourUsed > int64(hourlyLimit) {
		if errDecr := l.counters.DecrHour(ctx, accountID, hourBucket); errDecr != nil {
			return Decision{}, fmt.Errorf("ratelimit: hour rollback: %w", errDecr)
		}
		return Decision{
			Allowed:          false,
			HourlyRemaining:  0,
			MonthlyRemaining: clampRemaining(int64(monthlyLimit) - monthUsed),
			RetryAfter:       NextHour(now),
		}, nil
	}

	decision := Decision{
		Allowed:          true,
		HourlyRemaining:  clampRemaining(int64(hourlyLimit) - hourUsed),
		MonthlyRemaining: clampRemaining(int64(monthlyLimit) - monthUsed - 1),
	}

	// hourUsed already includes this attempt, so the delay kicks in once two
	// sends are on the books for the hour.
	if l.spread && hourUsed > 2 && hourlyLimit > 0 {
		spread := time.Duration(float64(time.Hour) / float64(hourlyLimit))
		decision.RetryAfter = now.Add(spread)
		if errDecr := l.counters.DecrHour(ctx, accountID, hourBucket); errDecr != nil {
			return Decision{}, fmt.Errorf("ratelimit: spread rollback: %w", errDecr)
		}
	}

	return decision, nil
}

// Usage reports current hourly and monthly usage without mutating anything.
// The drain worker uses it to size batches per account.
func (l *Limiter) Usage(ctx context.Context, accountID uint64) (hourUsed, monthUsed int64, err error) {
	now := l.now()
	hourUsed, err = l.counters.HourCount(ctx, accountID, HourStart(now))
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: hour count: %w", err)
	}
	monthUsed, err = l.counters.MonthCount(ctx, accountID, MonthStart(now))
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: month count: %w", err)
	}
	return hourUsed, monthUsed, nil
}

// Release undoes one hourly slot taken by CheckCapacity when the send it
// authorized did not happen, because the counter tracks delivered messages
// only. Best effort: a failed release over-counts by one for the rest of
// the hour, which errs on the safe side of the ceiling.
func (l *Limiter) Release(ctx context.Context, accountID uint64) {
	if err := l.counters.DecrHour(ctx, accountID, HourStart(l.now())); err != nil {
		log.WithError(err).Warnf("ratelimit: release slot for account %d", accountID)
	}
}

// RecordSend counts one delivered message against the current hour. The drain
// worker calls it after a successful gateway send so the deferred path keeps
// the same books as the inline path.
func (l *Limiter) RecordSend(ctx context.Context, accountID uint64) error {
	_, err := l.counters.IncrHour(ctx, accountID, HourStart(l.now()))
	return err
}

func clampRemaining(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// HourStart truncates t to its hour boundary in UTC.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// NextHour returns the start of the hour after t in UTC.
func NextHour(t time.Time) time.Time {
	return HourStart(t).Add(time.Hour)
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonth returns the first instant of the month after t in UTC.
func NextMonth(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}
