package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/replyflow/replyflow/internal/config"
	"github.com/replyflow/replyflow/internal/dispatch"
	"github.com/replyflow/replyflow/internal/gateway"
	"github.com/replyflow/replyflow/internal/ledger"
	"github.com/replyflow/replyflow/internal/models"
	"github.com/replyflow/replyflow/internal/queue"
	"github.com/replyflow/replyflow/internal/ratelimit"
	"github.com/replyflow/replyflow/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 200
	rescheduleJitter = 5 * time.Minute

	reasonAlreadyDelivered = "skipped: subscriber already received this message"
)

// Worker periodically drains the overflow queue, sending what capacity
// allows and pushing the rest to the next window. Safe to run on several
// instances at once: the queue's conditional claim keeps entries exclusive.
type Worker struct {
	store     *store.Store
	ledger    *ledger.Ledger
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	gateway   gateway.Client
	limits    func(models.PlanTier) config.PlanLimits
	interval  time.Duration
	batchSize int
	now       func() time.Time
	jitter    func(time.Duration) time.Duration
}

// New constructs a drain worker.
func New(st *store.Store, lg *ledger.Ledger, lim *ratelimit.Limiter, q *queue.Queue, gw gateway.Client, limits func(models.PlanTier) config.PlanLimits, interval time.Duration, batchSize int) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		store:     st,
		ledger:    lg,
		limiter:   lim,
		queue:     q,
		gateway:   gw,
		limits:    limits,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		jitter:    func(max time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(max))) },
	}
}

// WithClock overrides the worker's clock and jitter source. Tests only.
func (w *Worker) WithClock(now func() time.Time, jitter func(time.Duration) time.Duration) *Worker {
	w.now = now
	w.jitter = jitter
	return w
}

// Start launches the drain loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go w.run(ctx)
	log.Infof("drain worker started (interval=%s batch=%d)", w.interval, w.batchSize)
}

func (w *Worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		w.DrainDue(ctx)
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// DrainDue claims one batch of due entries and works through it. Failures
// are logged and never abort the batch; every claimed entry leaves the
// processing state before the call returns.
func (w *Worker) DrainDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("drain: panic: %v", r)
		}
	}()

	now := w.now()
	claimed, errClaim := w.queue.ClaimDue(ctx, now, w.batchSize)
	if errClaim != nil {
		log.WithError(errClaim).Warn("drain: claim batch")
		return
	}
	if len(claimed) == 0 {
		return
	}
	log.Infof("drain: claimed %d entries", len(claimed))

	byAccount := make(map[uint64][]models.QueueEntry)
	for _, entry := range claimed {
		byAccount[entry.AccountID] = append(byAccount[entry.AccountID], entry)
	}

	for accountID, entries := range byAccount {
		w.drainAccount(ctx, accountID, entries, now)
	}
}

// drainAccount recomputes the account's remaining capacity and splits its
// claimed entries into immediate sends and rescheduled remainders.
func (w *Worker) drainAccount(ctx context.Context, accountID uint64, entries []models.QueueEntry, now time.Time) {
	account, errAccount := w.store.FindAccountByID(ctx, accountID)
	if errAccount != nil {
		if !errors.Is(errAccount, store.ErrAccountNotFound) {
			log.WithError(errAccount).Warnf("drain: load account %d", accountID)
		}
		w.reschedule(ctx, entries, ratelimit.NextHour(now), 0)
		return
	}

	limits := w.limits(account.Plan)
	hourUsed, monthUsed, errUsage := w.limiter.Usage(ctx, accountID)
	if errUsage != nil {
		log.WithError(errUsage).Warnf("drain: usage for account %d", accountID)
		w.reschedule(ctx, entries, ratelimit.NextHour(now), 0)
		return
	}

	hourLeft := int64(limits.HourlyLimit) - hourUsed
	monthLeft := int64(limits.MonthlyLimit) - monthUsed
	available := hourLeft
	if monthLeft < available {
		available = monthLeft
	}
	if available < 0 {
		available = 0
	}

	sendNow := entries
	var deferred []models.QueueEntry
	if int64(len(entries)) > available {
		cut := int(available)
		sendNow = entries[:cut]
		deferred = entries[cut:]
	}

	if len(deferred) > 0 {
		retryAt := ratelimit.NextHour(now)
		if monthLeft <= 0 {
			// The monthly cap binds: no point retrying before it resets.
			retryAt = ratelimit.NextMonth(now)
		}
		bump := 0
		if limits.QueuePriority > 0 {
			bump = 1
		}
		w.reschedule(ctx, deferred, retryAt, bump)
	}

	for _, entry := range sendNow {
		w.send(ctx, account, entry)
	}
}

func (w *Worker) reschedule(ctx context.Context, entries []models.QueueEntry, at time.Time, bump int) {
	ids := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	// Jitter keeps overlapping drains from re-colliding on the boundary.
	at = at.Add(w.jitter(rescheduleJitter))
	if errReschedule := w.queue.Reschedule(ctx, ids, at, bump); errReschedule != nil {
		log.WithError(errReschedule).Warnf("drain: reschedule %d entries", len(ids))
	}
}

// send delivers one claimed entry, mirroring the inline dispatch path's
// bookkeeping: counter increment on success, ledger row updated in place,
// rule counters bumped, queue entry finished.
func (w *Worker) send(ctx context.Context, account *models.Account, entry models.QueueEntry) {
	// Enqueue never applies the per-user check (the earlier of two queued
	// events is not sent yet when the later one arrives), so it has to run
	// again here or a subscriber could get the same message twice.
	received, errReceived := w.ledger.HasUserAlreadyReceivedMessage(ctx, account.ID, entry.SubscriberID, entry.Keyword)
	if errReceived != nil {
		log.WithError(errReceived).Warnf("drain: subscriber lookup for entry %d", entry.ID)
		w.reschedule(ctx, []models.QueueEntry{entry}, ratelimit.NextHour(w.now()), 0)
		return
	}
	if received {
		if errMark := w.queue.MarkSkipped(ctx, entry.ID, reasonAlreadyDelivered); errMark != nil {
			log.WithError(errMark).Warnf("drain: mark entry %d skipped", entry.ID)
		}
		if errUpdate := w.ledger.UpdateDispatch(ctx, account.ID, entry.EventID, map[string]any{
			"sent":   false,
			"reason": reasonAlreadyDelivered,
		}); errUpdate != nil {
			log.WithError(errUpdate).Warnf("drain: ledger update for entry %d", entry.ID)
		}
		return
	}

	dm := gateway.DM{
		RecipientID: entry.SubscriberID,
		Text:        entry.Message,
	}
	if errDecode := dispatch.DecodeAttachment(entry.Attachment, &dm); errDecode != nil {
		log.WithError(errDecode).Warnf("drain: attachment for entry %d", entry.ID)
	}

	errSend := w.gateway.SendDirectMessage(ctx, account.AccessToken, account.ExternalID, dm)
	if errSend != nil {
		if errMark := w.queue.MarkFailed(ctx, entry.ID, errSend.Error()); errMark != nil {
			log.WithError(errMark).Warnf("drain: mark entry %d failed", entry.ID)
		}
		if errUpdate := w.ledger.UpdateDispatch(ctx, account.ID, entry.EventID, map[string]any{
			"sent":   false,
			"reason": errSend.Error(),
		}); errUpdate != nil {
			log.WithError(errUpdate).Warnf("drain: ledger update for entry %d", entry.ID)
		}
		if errCounter := w.store.IncrementRuleCounter(ctx, entry.RuleID, store.CounterFailed); errCounter != nil {
			log.WithError(errCounter).Warnf("drain: fail counter for rule %d", entry.RuleID)
		}
		log.WithError(errSend).Warnf("drain: send failed for entry %d", entry.ID)
		return
	}

	sentAt := w.now()
	if errRecord := w.limiter.RecordSend(ctx, account.ID); errRecord != nil {
		log.WithError(errRecord).Warnf("drain: count send for account %d", account.ID)
	}
	if errUpdate := w.ledger.UpdateDispatch(ctx, account.ID, entry.EventID, map[string]any{
		"sent":    true,
		"sent_at": &sentAt,
		"reason":  "",
	}); errUpdate != nil {
		log.WithError(errUpdate).Warnf("drain: ledger update for entry %d", entry.ID)
	}
	if errCounter := w.store.IncrementRuleCounter(ctx, entry.RuleID, store.CounterSent); errCounter != nil {
		log.WithError(errCounter).Warnf("drain: sent counter for rule %d", entry.RuleID)
	}
	if errMark := w.queue.MarkSent(ctx, entry.ID, sentAt); errMark != nil {
		log.WithError(errMark).Warnf("drain: mark entry %d sent", entry.ID)
	}
}
