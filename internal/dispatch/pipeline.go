package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/replyflow/replyflow/internal/config"
	"github.com/replyflow/replyflow/internal/gateway"
	"github.com/replyflow/replyflow/internal/ledger"
	"github.com/replyflow/replyflow/internal/models"
	"github.com/replyflow/replyflow/internal/queue"
	"github.com/replyflow/replyflow/internal/ratelimit"
	"github.com/replyflow/replyflow/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Ledger reasons for rows that did not (yet) produce a send.
const (
	ReasonQueuedRateLimit = "queued: rate limit"
	ReasonQueuedSpread    = "queued: spread delay"
	reasonInFlight        = "in flight"
)

// CommentEvent is one inbound comment occurrence. It lives only for the
// duration of a single pipeline invocation.
type CommentEvent struct {
	EventID        string    // External comment id.
	SubscriberID   string    // Commenting user's external id.
	SubscriberName string    // Commenting user's handle.
	ContentID      string    // Media the comment was left on.
	Text           string    // Comment body.
	ParentEventID  string    // Set when this is a reply to another comment.
	Timestamp      time.Time // Platform delivery time.
}

// MessageEvent is a story reply or quick-reply/postback occurrence.
type MessageEvent struct {
	EventID        string             // External message id.
	SubscriberID   string             // Sending user's external id.
	SubscriberName string             // Sending user's handle.
	Kind           models.TriggerKind // TriggerStoryReply or TriggerPostback.
	Payload        string             // Message text or postback payload.
	Timestamp      time.Time          // Platform delivery time.
}

// Pipeline converts trigger events into at most one outbound message each,
// with a durable record of every decision.
type Pipeline struct {
	store   *store.Store
	ledger  *ledger.Ledger
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	gateway gateway.Client
	limits  func(models.PlanTier) config.PlanLimits
	now     func() time.Time
}

// New constructs a Pipeline.
func New(st *store.Store, lg *ledger.Ledger, lim *ratelimit.Limiter, q *queue.Queue, gw gateway.Client, limits func(models.PlanTier) config.PlanLimits) *Pipeline {
	return &Pipeline{
		store:   st,
		ledger:  lg,
		limiter: lim,
		queue:   q,
		gateway: gw,
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the pipeline's clock. Tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// ProcessCommentEvent runs one comment event through the pipeline. Nothing
// ever propagates to the caller: the webhook receiver must acknowledge
// upstream no matter what happened here, and a legitimately failed event is
// safely retried via redelivery thanks to the event-id idempotency key.
func (p *Pipeline) ProcessCommentEvent(ctx context.Context, ownerExternalID string, event CommentEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch: panic processing comment %s: %v", event.EventID, r)
		}
	}()
	if err := p.processComment(ctx, ownerExternalID, event); err != nil {
		log.WithError(err).Warnf("dispatch: comment %s not processed", event.EventID)
	}
}

// ProcessMessageEvent runs one story-reply or postback event through the
// pipeline with the same swallow-everything discipline.
func (p *Pipeline) ProcessMessageEvent(ctx context.Context, ownerExternalID string, event MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch: panic processing message %s: %v", event.EventID, r)
		}
	}()
	if err := p.processMessage(ctx, ownerExternalID, event); err != nil {
		log.WithError(err).Warnf("dispatch: message %s not processed", event.EventID)
	}
}

func (p *Pipeline) processComment(ctx context.Context, ownerExternalID string, event CommentEvent) error {
	if event.ContentID == "" || event.SubscriberID == "" || event.EventID == "" {
		return nil
	}

	account, errAccount := p.store.FindAccountByExternalID(ctx, ownerExternalID)
	if errAccount != nil {
		if errors.Is(errAccount, store.ErrAccountNotFound) {
			return nil
		}
		return errAccount
	}

	processed, errProcessed := p.ledger.HasEventBeenProcessed(ctx, account.ID, event.EventID)
	if errProcessed != nil {
		return errProcessed
	}
	if processed {
		return nil
	}

	eventTime := event.Timestamp
	if eventTime.IsZero() {
		eventTime = p.now()
	}
	rule, errRule := p.store.FindActiveRule(ctx, account.ID, event.ContentID, eventTime)
	if errRule != nil {
		if errors.Is(errRule, store.ErrRuleNotFound) {
			return nil
		}
		return errRule
	}

	if event.ParentEventID != "" && rule.IgnoreReplies {
		return nil
	}
	if event.SubscriberID == account.ExternalID && rule.IgnoreSelfComments {
		return nil
	}
	if rule.Trigger == models.TriggerKeyword && !keywordMatches(event.Text, rule.Keyword) {
		return nil
	}

	if errCounter := p.store.IncrementRuleCounter(ctx, rule.ID, store.CounterMatches); errCounter != nil {
		log.WithError(errCounter).Warnf("dispatch: match counter for rule %d", rule.ID)
	}

	// Public engagement happens first and stands alone: a failed or
	// rate-limited DM must not suppress the comment reply.
	if rule.ReplyText != "" {
		if errReply := p.gateway.ReplyToComment(ctx, account.AccessToken, event.EventID, rule.ReplyText); errReply != nil {
			log.WithError(errReply).Warnf("dispatch: public reply for comment %s", event.EventID)
		}
	}

	if rule.RequireFollow {
		following, errFollow := p.gateway.CheckFollow(ctx, account.AccessToken, account.ExternalID, event.SubscriberID)
		if errFollow != nil {
			// Conservative: an unverifiable relationship counts as not
			// following, so the follow gate is never bypassed by an outage.
			log.WithError(errFollow).Warnf("dispatch: follow check for %s", event.SubscriberID)
			return nil
		}
		if !following {
			return nil
		}
	}

	return p.deliver(ctx, account, rule, event.EventID, event.SubscriberID, event.SubscriberName)
}

func (p *Pipeline) processMessage(ctx context.Context, ownerExternalID string, event MessageEvent) error {
	if event.SubscriberID == "" || event.EventID == "" {
		return nil
	}
	if event.Kind != models.TriggerStoryReply && event.Kind != models.TriggerPostback {
		return nil
	}

	account, errAccount := p.store.FindAccountByExternalID(ctx, ownerExternalID)
	if errAccount != nil {
		if errors.Is(errAccount, store.ErrAccountNotFound) {
			return nil
		}
		return errAccount
	}
	if event.SubscriberID == account.ExternalID {
		return nil
	}

	processed, errProcessed := p.ledger.HasEventBeenProcessed(ctx, account.ID, event.EventID)
	if errProcessed != nil {
		return errProcessed
	}
	if processed {
		return nil
	}

	rule, errRule := p.store.FindMessageRule(ctx, account.ID, event.Kind, event.Payload)
	if errRule != nil {
		if errors.Is(errRule, store.ErrRuleNotFound) {
			return nil
		}
		return errRule
	}

	if errCounter := p.store.IncrementRuleCounter(ctx, rule.ID, store.CounterMatches); errCounter != nil {
		log.WithError(errCounter).Warnf("dispatch: match counter for rule %d", rule.ID)
	}

	if rule.RequireFollow {
		following, errFollow := p.gateway.CheckFollow(ctx, account.AccessToken, account.ExternalID, event.SubscriberID)
		if errFollow != nil {
			log.WithError(errFollow).Warnf("dispatch: follow check for %s", event.SubscriberID)
			return nil
		}
		if !following {
			return nil
		}
	}

	return p.deliver(ctx, account, rule, event.EventID, event.SubscriberID, event.SubscriberName)
}

// deliver runs the shared tail of both pipelines: per-user dedup, capacity
// check, then send or enqueue, with exactly one ledger row per event id.
func (p *Pipeline) deliver(ctx context.Context, account *models.Account, rule *models.AutomationRule, eventID, subscriberID, subscriberName string) error {
	keyword := rule.KeywordLabel()

	received, errReceived := p.ledger.HasUserAlreadyReceivedMessage(ctx, account.ID, subscriberID, keyword)
	if errReceived != nil {
		return errReceived
	}
	if received {
		return nil
	}

	limits := p.limits(account.Plan)
	decision, errCapacity := p.limiter.CheckCapacity(ctx, account.ID, limits.HourlyLimit, limits.MonthlyLimit)
	if errCapacity != nil {
		return errCapacity
	}

	if !decision.Allowed || decision.Deferred() {
		reason := ReasonQueuedRateLimit
		if decision.Deferred() {
			reason = ReasonQueuedSpread
		}
		entry := &models.DispatchLog{
			AccountID:      account.ID,
			EventID:        eventID,
			SubscriberID:   subscriberID,
			SubscriberName: subscriberName,
			RuleID:         rule.ID,
			Keyword:        keyword,
			Sent:           false,
			Reason:         reason,
		}
		if errRecord := p.ledger.RecordDispatch(ctx, entry); errRecord != nil {
			if errors.Is(errRecord, ledger.ErrDuplicateEvent) {
				return nil
			}
			return errRecord
		}
		_, errEnqueue := p.queue.Enqueue(ctx, queue.Job{
			AccountID:    account.ID,
			RuleID:       rule.ID,
			EventID:      eventID,
			SubscriberID: subscriberID,
			Keyword:      keyword,
			Message:      rule.DMText,
			Attachment:   attachmentJSON(rule),
		}, decision.RetryAfter, limits.QueuePriority)
		if errEnqueue != nil {
			return errEnqueue
		}
		log.Infof("dispatch: queued event %s for account %d (%s)", eventID, account.ID, reason)
		return nil
	}

	// Claim the event id before sending; the unique index turns a racing
	// redelivery into ErrDuplicateEvent here, which keeps both the ledger
	// and the outbound send at-most-once.
	entry := &models.DispatchLog{
		AccountID:      account.ID,
		EventID:        eventID,
		SubscriberID:   subscriberID,
		SubscriberName: subscriberName,
		RuleID:         rule.ID,
		Keyword:        keyword,
		Sent:           false,
		Reason:         reasonInFlight,
	}
	if errRecord := p.ledger.RecordDispatch(ctx, entry); errRecord != nil {
		if errors.Is(errRecord, ledger.ErrDuplicateEvent) {
			p.limiter.Release(ctx, account.ID)
			return nil
		}
		return errRecord
	}

	errSend := p.gateway.SendDirectMessage(ctx, account.AccessToken, account.ExternalID, gateway.DM{
		RecipientID:  subscriberID,
		Text:         rule.DMText,
		ButtonText:   rule.DMButtonText,
		ButtonURL:    rule.DMButtonURL,
		ThumbnailURL: rule.DMThumbnailURL,
	})
	if errSend != nil {
		if errUpdate := p.ledger.UpdateDispatch(ctx, account.ID, eventID, map[string]any{
			"sent":   false,
			"reason": errSend.Error(),
		}); errUpdate != nil {
			log.WithError(errUpdate).Warnf("dispatch: record failure for event %s", eventID)
		}
		if errCounter := p.store.IncrementRuleCounter(ctx, rule.ID, store.CounterFailed); errCounter != nil {
			log.WithError(errCounter).Warnf("dispatch: fail counter for rule %d", rule.ID)
		}
		p.limiter.Release(ctx, account.ID)
		log.WithError(errSend).Warnf("dispatch: send failed for event %s", eventID)
		return nil
	}

	sentAt := p.now()
	if errUpdate := p.ledger.UpdateDispatch(ctx, account.ID, eventID, map[string]any{
		"sent":    true,
		"sent_at": &sentAt,
		"reason":  "",
	}); errUpdate != nil {
		log.WithError(errUpdate).Warnf("dispatch: record outcome for event %s", eventID)
	}
	if errCounter := p.store.IncrementRuleCounter(ctx, rule.ID, store.CounterSent); errCounter != nil {
		log.WithError(errCounter).Warnf("dispatch: sent counter for rule %d", rule.ID)
	}
	return nil
}

// keywordMatches applies the trigger's case-insensitive substring match.
func keywordMatches(body, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(body), strings.ToLower(keyword))
}

// attachmentJSON serializes the rule's DM attachment for queued jobs so a
// drained send renders exactly like an inline one.
func attachmentJSON(rule *models.AutomationRule) datatypes.JSON {
	if rule.DMButtonText == "" && rule.DMButtonURL == "" && rule.DMThumbnailURL == "" {
		return nil
	}
	payload, errMarshal := json.Marshal(map[string]string{
		"button_text":   rule.DMButtonText,
		"button_url":    rule.DMButtonURL,
		"thumbnail_url": rule.DMThumbnailURL,
	})
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

// DecodeAttachment restores DM attachment fields from a queued payload.
func DecodeAttachment(raw datatypes.JSON, dm *gateway.DM) error {
	if len(raw) == 0 || dm == nil {
		return nil
	}
	var payload struct {
		ButtonText   string `json:"button_text"`
		ButtonURL    string `json:"button_url"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	if errUnmarshal := json.Unmarshal(raw, &payload); errUnmarshal != nil {
		return fmt.Errorf("dispatch: decode attachment: %w", errUnmarshal)
	}
	dm.ButtonText = payload.ButtonText
	dm.ButtonURL = payload.ButtonURL
	dm.ThumbnailURL = payload.ThumbnailURL
	return nil
}
