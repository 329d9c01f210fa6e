package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/replyflow/replyflow/internal/config"
	"github.com/replyflow/replyflow/internal/db"
	"github.com/replyflow/replyflow/internal/gateway"
	"github.com/replyflow/replyflow/internal/ledger"
	"github.com/replyflow/replyflow/internal/models"
	"github.com/replyflow/replyflow/internal/queue"
	"github.com/replyflow/replyflow/internal/ratelimit"
	"github.com/replyflow/replyflow/internal/store"
	"gorm.io/gorm"
)

// fakeGateway records outbound calls instead of hitting the platform API.
type fakeGateway struct {
	mu        sync.Mutex
	dms       []gateway.DM
	replies   []string
	follows   map[string]bool
	followErr error
	sendErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{follows: make(map[string]bool)}
}

func (f *fakeGateway) SendDirectMessage(_ context.Context, _, _ string, dm gateway.DM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.dms = append(f.dms, dm)
	return nil
}

func (f *fakeGateway) ReplyToComment(_ context.Context, _, commentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, commentID)
	return nil
}

func (f *fakeGateway) CheckFollow(_ context.Context, _, _, subscriberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followErr != nil {
		return false, f.followErr
	}
	return f.follows[subscriberID], nil
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms)
}

func (f *fakeGateway) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

type pipelineFixture struct {
	conn     *gorm.DB
	pipeline *Pipeline
	gw       *fakeGateway
	queue    *queue.Queue
	account  *models.Account
	rule     *models.AutomationRule
}

func planLimits(hourly, monthly int) func(models.PlanTier) config.PlanLimits {
	return func(models.PlanTier) config.PlanLimits {
		return config.PlanLimits{HourlyLimit: hourly, MonthlyLimit: monthly}
	}
}

func newFixture(t *testing.T, hourly, monthly int, mutateRule func(*models.AutomationRule)) *pipelineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:dispatch_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	account := models.Account{ExternalID: "ig_owner", AccessToken: "tok", Plan: models.PlanFree}
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}

	rule := models.AutomationRule{
		AccountID: account.ID,
		Scope:     models.ScopeAnyPost,
		Trigger:   models.TriggerKeyword,
		Keyword:   "LINK",
		DMText:    "here is your link",
		Active:    true,
	}
	if mutateRule != nil {
		mutateRule(&rule)
	}
	if errCreate := conn.Create(&rule).Error; errCreate != nil {
		t.Fatalf("seed rule: %v", errCreate)
	}

	gw := newFakeGateway()
	q := queue.New(conn)
	st := store.New(conn, 0, 48*time.Hour)
	lg := ledger.New(conn)
	lim := ratelimit.New(ratelimit.NewGormCounterStore(conn))
	p := New(st, lg, lim, q, gw, planLimits(hourly, monthly))

	return &pipelineFixture{conn: conn, pipeline: p, gw: gw, queue: q, account: &account, rule: &rule}
}

func comment(eventID, subscriberID, text string) CommentEvent {
	return CommentEvent{
		EventID:      eventID,
		SubscriberID: subscriberID,
		ContentID:    "post_1",
		Text:         text,
		Timestamp:    time.Now().UTC(),
	}
}

func (f *pipelineFixture) ledgerRows(t *testing.T) []models.DispatchLog {
	t.Helper()
	var rows []models.DispatchLog
	if errFind := f.conn.Order("id ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("load ledger: %v", errFind)
	}
	return rows
}

func TestKeywordMatching(t *testing.T) {
	cases := []struct {
		body    string
		keyword string
		want    bool
	}{
		{"please send the Link now", "LINK", true},
		{"LINK", "LINK", true},
		{"linking up later", "LINK", true},
		{"please send it", "LINK", false},
		{"", "LINK", false},
		{"anything", "", false},
		{"anything", "  ", false},
	}
	for _, tc := range cases {
		if got := keywordMatches(tc.body, tc.keyword); got != tc.want {
			t.Errorf("keywordMatches(%q, %q) = %v, want %v", tc.body, tc.keyword, got, tc.want)
		}
	}
}

func TestCommentSendsOneDM(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "send the link please"))

	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs, want 1", f.gw.sentCount())
	}
	rows := f.ledgerRows(t)
	if len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want 1", len(rows))
	}
	if !rows[0].Sent || rows[0].SentAt == nil {
		t.Fatalf("ledger row not marked sent: %+v", rows[0])
	}
	if rows[0].Keyword != "LINK" {
		t.Fatalf("ledger keyword = %q, want LINK", rows[0].Keyword)
	}

	var reloaded models.AutomationRule
	if errFind := f.conn.Take(&reloaded, f.rule.ID).Error; errFind != nil {
		t.Fatalf("reload rule: %v", errFind)
	}
	if reloaded.MatchCount != 1 || reloaded.SentCount != 1 {
		t.Fatalf("rule counters = %d/%d, want 1/1", reloaded.MatchCount, reloaded.SentCount)
	}
}

func TestNonMatchingCommentIsSilentlyDropped(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "please send it"))

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs, want 0", f.gw.sentCount())
	}
	if rows := f.ledgerRows(t); len(rows) != 0 {
		t.Fatalf("ledger has %d rows, want 0", len(rows))
	}
}

func TestConcurrentRedeliverySendsOnce(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()
	event := comment("c_dup", "user_1", "link please")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.pipeline.ProcessCommentEvent(ctx, "ig_owner", event)
		}()
	}
	wg.Wait()

	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs for one event id, want exactly 1", f.gw.sentCount())
	}
	if rows := f.ledgerRows(t); len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want 1", len(rows))
	}

	// The racing losers must hand back their hourly slots: only the
	// delivered message counts.
	lim := ratelimit.New(ratelimit.NewGormCounterStore(f.conn))
	hourUsed, _, errUsage := lim.Usage(ctx, f.account.ID)
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if hourUsed != 1 {
		t.Fatalf("hour counter = %d after redelivery race, want 1", hourUsed)
	}
}

func TestReplyCommentsIgnoredByDefault(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	event := comment("c_reply", "user_1", "link please")
	event.ParentEventID = "c_parent"
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", event)

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs to a reply comment, want 0", f.gw.sentCount())
	}
}

func TestReplyCommentsProcessedWhenOptedIn(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	// The opt-out is per rule; flip it off the way the API layer would.
	if errUpdate := f.conn.Model(&models.AutomationRule{}).
		Where("id = ?", f.rule.ID).
		Update("ignore_replies", false).Error; errUpdate != nil {
		t.Fatalf("update rule: %v", errUpdate)
	}

	event := comment("c_reply", "user_1", "link please")
	event.ParentEventID = "c_parent"
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", event)

	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs, want 1 with replies opted in", f.gw.sentCount())
	}
}

func TestOwnCommentsIgnored(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_self", "ig_owner", "link please"))

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs to the account's own comment, want 0", f.gw.sentCount())
	}
}

func TestOneMessagePerUserPerKeyword(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "link please"))
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_2", "user_1", "LINK again"))
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_3", "user_2", "link for me too"))

	if f.gw.sentCount() != 2 {
		t.Fatalf("sent %d DMs, want 2 (one per user)", f.gw.sentCount())
	}
}

func TestHourlyCeilingQueuesOverflow(t *testing.T) {
	const hourly = 5
	f := newFixture(t, hourly, 1000, nil)
	ctx := context.Background()

	for i := 0; i < hourly+3; i++ {
		f.pipeline.ProcessCommentEvent(ctx, "ig_owner",
			comment(fmt.Sprintf("c_%d", i), fmt.Sprintf("user_%d", i), "link please"))
	}

	if f.gw.sentCount() != hourly {
		t.Fatalf("sent %d DMs inline, want %d", f.gw.sentCount(), hourly)
	}
	pending, errCount := f.queue.PendingCount(ctx, f.account.ID)
	if errCount != nil {
		t.Fatalf("pending count: %v", errCount)
	}
	if pending != 3 {
		t.Fatalf("queued %d entries, want 3", pending)
	}

	// Every event left a ledger row: nothing was dropped.
	rows := f.ledgerRows(t)
	if len(rows) != hourly+3 {
		t.Fatalf("ledger has %d rows, want %d", len(rows), hourly+3)
	}
	queued := 0
	for _, row := range rows {
		if !row.Sent {
			if row.Reason != ReasonQueuedRateLimit {
				t.Fatalf("queued row reason = %q, want %q", row.Reason, ReasonQueuedRateLimit)
			}
			queued++
		}
	}
	if queued != 3 {
		t.Fatalf("%d unsent ledger rows, want 3", queued)
	}
}

func TestMonthlyCapQueuesWithoutBurningHourlySlots(t *testing.T) {
	f := newFixture(t, 25, 0, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "link please"))

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs over a spent monthly quota, want 0", f.gw.sentCount())
	}
	pending, errCount := f.queue.PendingCount(ctx, f.account.ID)
	if errCount != nil {
		t.Fatalf("pending count: %v", errCount)
	}
	if pending != 1 {
		t.Fatalf("queued %d entries, want 1", pending)
	}

	lim := ratelimit.New(ratelimit.NewGormCounterStore(f.conn))
	hourUsed, _, errUsage := lim.Usage(ctx, f.account.ID)
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if hourUsed != 0 {
		t.Fatalf("hour counter = %d after monthly denial, want 0", hourUsed)
	}
}

func TestPublicReplyIndependentOfDMOutcome(t *testing.T) {
	f := newFixture(t, 25, 0, func(rule *models.AutomationRule) {
		rule.ReplyText = "check your DMs!"
	})
	ctx := context.Background()

	// Monthly quota is spent: the DM is queued, but the public reply still
	// goes out immediately.
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "link please"))

	if f.gw.replyCount() != 1 {
		t.Fatalf("posted %d public replies, want 1", f.gw.replyCount())
	}
	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs, want 0", f.gw.sentCount())
	}
}

func TestFollowGate(t *testing.T) {
	f := newFixture(t, 25, 250, func(rule *models.AutomationRule) {
		rule.RequireFollow = true
	})
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "stranger", "link please"))
	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs to a non-follower, want 0", f.gw.sentCount())
	}

	f.gw.follows["follower"] = true
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_2", "follower", "link please"))
	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs, want 1 for a follower", f.gw.sentCount())
	}

	// The match counter still moves for the gated event.
	var reloaded models.AutomationRule
	if errFind := f.conn.Take(&reloaded, f.rule.ID).Error; errFind != nil {
		t.Fatalf("reload rule: %v", errFind)
	}
	if reloaded.MatchCount != 2 {
		t.Fatalf("match count = %d, want 2", reloaded.MatchCount)
	}
}

func TestFollowCheckFailureDeniesSend(t *testing.T) {
	f := newFixture(t, 25, 250, func(rule *models.AutomationRule) {
		rule.RequireFollow = true
	})
	ctx := context.Background()

	f.gw.follows["user_1"] = true
	f.gw.followErr = errors.New("upstream 500")
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "link please"))

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs with an unverifiable follow, want 0", f.gw.sentCount())
	}
}

func TestSendFailureReleasesSlotAndRecordsReason(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.gw.sendErr = errors.New("gateway: send message: status 400")
	f.pipeline.ProcessCommentEvent(ctx, "ig_owner", comment("c_1", "user_1", "link please"))

	rows := f.ledgerRows(t)
	if len(rows) != 1 {
		t.Fatalf("ledger has %d rows, want 1", len(rows))
	}
	if rows[0].Sent {
		t.Fatal("failed send recorded as sent")
	}
	if rows[0].Reason == "" {
		t.Fatal("failed send recorded without a reason")
	}

	var reloaded models.AutomationRule
	if errFind := f.conn.Take(&reloaded, f.rule.ID).Error; errFind != nil {
		t.Fatalf("reload rule: %v", errFind)
	}
	if reloaded.FailCount != 1 {
		t.Fatalf("fail count = %d, want 1", reloaded.FailCount)
	}

	lim := ratelimit.New(ratelimit.NewGormCounterStore(f.conn))
	hourUsed, _, errUsage := lim.Usage(ctx, f.account.ID)
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if hourUsed != 0 {
		t.Fatalf("hour counter = %d after failed send, want 0", hourUsed)
	}
}

func TestUnknownAccountIsIgnored(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	f.pipeline.ProcessCommentEvent(ctx, "ig_stranger", comment("c_1", "user_1", "link please"))

	if f.gw.sentCount() != 0 {
		t.Fatalf("sent %d DMs for an unknown profile, want 0", f.gw.sentCount())
	}
	if rows := f.ledgerRows(t); len(rows) != 0 {
		t.Fatalf("ledger has %d rows, want 0", len(rows))
	}
}

func TestPostbackMessageEvent(t *testing.T) {
	f := newFixture(t, 25, 250, nil)
	ctx := context.Background()

	postback := models.AutomationRule{
		AccountID: f.account.ID,
		Trigger:   models.TriggerPostback,
		Keyword:   "GET_STARTED",
		DMText:    "welcome aboard",
		Active:    true,
	}
	if errCreate := f.conn.Create(&postback).Error; errCreate != nil {
		t.Fatalf("seed postback rule: %v", errCreate)
	}

	f.pipeline.ProcessMessageEvent(ctx, "ig_owner", MessageEvent{
		EventID:      "m_1",
		SubscriberID: "user_1",
		Kind:         models.TriggerPostback,
		Payload:      "GET_STARTED",
		Timestamp:    time.Now().UTC(),
	})

	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs, want 1", f.gw.sentCount())
	}
	f.gw.mu.Lock()
	text := f.gw.dms[0].Text
	f.gw.mu.Unlock()
	if text != "welcome aboard" {
		t.Fatalf("DM text = %q", text)
	}

	// A payload that matches no rule sends nothing.
	f.pipeline.ProcessMessageEvent(ctx, "ig_owner", MessageEvent{
		EventID:      "m_2",
		SubscriberID: "user_2",
		Kind:         models.TriggerPostback,
		Payload:      "SOMETHING_ELSE",
		Timestamp:    time.Now().UTC(),
	})
	if f.gw.sentCount() != 1 {
		t.Fatalf("sent %d DMs, want still 1", f.gw.sentCount())
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	rule := &models.AutomationRule{
		DMButtonText:   "Open",
		DMButtonURL:    "https://example.com/x",
		DMThumbnailURL: "https://example.com/t.png",
	}
	raw := attachmentJSON(rule)
	if raw == nil {
		t.Fatal("attachmentJSON returned nil for a configured button")
	}

	var dm gateway.DM
	if errDecode := DecodeAttachment(raw, &dm); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if dm.ButtonText != "Open" || dm.ButtonURL != "https://example.com/x" || dm.ThumbnailURL != "https://example.com/t.png" {
		t.Fatalf("decoded attachment = %+v", dm)
	}

	if attachmentJSON(&models.AutomationRule{}) != nil {
		t.Fatal("attachmentJSON should be nil when no attachment fields are set")
	}
	if errNil := DecodeAttachment(nil, &dm); errNil != nil {
		t.Fatalf("decode nil payload: %v", errNil)
	}
}
