package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors for lookups that found nothing.
var (
	ErrAccountNotFound = errors.New("store: account not found")
	ErrRuleNotFound    = errors.New("store: no matching rule")
)

// Rule counter names accepted by IncrementRuleCounter.
const (
	CounterMatches = "match_count"
	CounterSent    = "sent_count"
	CounterFailed  = "fail_count"
)

// ruleCounterColumns whitelists updatable counter columns.
var ruleCounterColumns = map[string]struct{}{
	CounterMatches: {},
	CounterSent:    {},
	CounterFailed:  {},
}

// Store reads accounts and automation rules with a read-through TTL cache.
// The cache is an optimization only; ledger and counter correctness never
// depend on it.
type Store struct {
	db             *gorm.DB
	ttl            time.Duration
	nextPostWindow time.Duration

	mu       sync.Mutex
	accounts map[string]accountEntry
	rules    map[uint64]rulesEntry
}

type accountEntry struct {
	account   *models.Account
	fetchedAt time.Time
}

type rulesEntry struct {
	rules     []models.AutomationRule
	fetchedAt time.Time
}

// New constructs a Store. A zero or negative ttl disables caching.
func New(db *gorm.DB, ttl, nextPostWindow time.Duration) *Store {
	return &Store{
		db:             db,
		ttl:            ttl,
		nextPostWindow: nextPostWindow,
		accounts:       make(map[string]accountEntry),
		rules:          make(map[uint64]rulesEntry),
	}
}

// FindAccountByExternalID resolves an account by its platform profile id.
func (s *Store) FindAccountByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrAccountNotFound
	}

	if cached := s.cachedAccount(externalID); cached != nil {
		return cached, nil
	}

	var account models.Account
	errFirst := s.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		Take(&account).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: find account: %w", errFirst)
	}

	s.storeAccount(externalID, &account)
	return &account, nil
}

// FindAccountByID resolves an account by primary key. Uncached; the drain
// worker calls it once per account per batch.
func (s *Store) FindAccountByID(ctx context.Context, id uint64) (*models.Account, error) {
	var account models.Account
	errFirst := s.db.WithContext(ctx).Take(&account, id).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("store: find account: %w", errFirst)
	}
	return &account, nil
}

// FindActiveRule resolves the active comment rule for a content id on an
// account. Resolution priority: a rule scoped to the exact content id, else a
// next-post rule still inside its freshness window, else an any-post rule.
func (s *Store) FindActiveRule(ctx context.Context, accountID uint64, contentID string, eventTime time.Time) (*models.AutomationRule, error) {
	rules, errRules := s.activeRules(ctx, accountID)
	if errRules != nil {
		return nil, errRules
	}
	return ResolveCommentRule(rules, contentID, eventTime, s.nextPostWindow)
}

// FindMessageRule resolves the active rule for a story-reply or postback
// event. Matching is exact equality of the rule payload against the event
// payload; TriggerAny message rules match everything of their kind.
func (s *Store) FindMessageRule(ctx context.Context, accountID uint64, kind models.TriggerKind, payload string) (*models.AutomationRule, error) {
	rules, errRules := s.activeRules(ctx, accountID)
	if errRules != nil {
		return nil, errRules
	}
	for i := range rules {
		rule := &rules[i]
		if rule.Trigger != kind {
			continue
		}
		if rule.Keyword == "" || strings.EqualFold(rule.Keyword, strings.TrimSpace(payload)) {
			return rule, nil
		}
	}
	return nil, ErrRuleNotFound
}

// ResolveCommentRule picks the winning comment rule from a candidate set.
// Kept as a standalone function so the tag dispatch stays in one place.
func ResolveCommentRule(rules []models.AutomationRule, contentID string, eventTime time.Time, nextPostWindow time.Duration) (*models.AutomationRule, error) {
	var nextRule, anyRule *models.AutomationRule
	for i := range rules {
		rule := &rules[i]
		if rule.Trigger != models.TriggerKeyword && rule.Trigger != models.TriggerAny {
			continue
		}
		switch rule.Scope {
		case models.ScopePost:
			if rule.ContentID == contentID {
				return rule, nil
			}
		case models.ScopeNextPost:
			if nextRule != nil {
				continue
			}
			deadline := rule.CreatedAt.Add(nextPostWindow)
			if !eventTime.Before(rule.CreatedAt) && !eventTime.After(deadline) {
				nextRule = rule
			}
		case models.ScopeAnyPost:
			if anyRule == nil {
				anyRule = rule
			}
		}
	}
	if nextRule != nil {
		return nextRule, nil
	}
	if anyRule != nil {
		return anyRule, nil
	}
	return nil, ErrRuleNotFound
}

// IncrementRuleCounter bumps one of the rule's counters atomically.
func (s *Store) IncrementRuleCounter(ctx context.Context, ruleID uint64, counter string) error {
	if _, ok := ruleCounterColumns[counter]; !ok {
		return fmt.Errorf("store: unknown rule counter %q", counter)
	}
	return s.db.WithContext(ctx).
		Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		Update(counter, gorm.Expr(counter+" + ?", 1)).Error
}

// activeRules returns the account's active rules, cache permitting.
func (s *Store) activeRules(ctx context.Context, accountID uint64) ([]models.AutomationRule, error) {
	if cached, ok := s.cachedRules(accountID); ok {
		return cached, nil
	}

	var rules []models.AutomationRule
	errFind := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id ASC").
		Find(&rules).Error
	if errFind != nil {
		return nil, fmt.Errorf("store: load rules: %w", errFind)
	}

	s.storeRules(accountID, rules)
	return rules, nil
}

// Invalidate drops cached state for one account, by external id.
func (s *Store) Invalidate(externalID string, accountID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, externalID)
	delete(s.rules, accountID)
}

func (s *Store) cachedAccount(externalID string) *models.Account {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.accounts[externalID]
	if !ok || time.Since(entry.fetchedAt) > s.ttl {
		return nil
	}
	copied := *entry.account
	return &copied
}

func (s *Store) storeAccount(externalID string, account *models.Account) {
	if s.ttl <= 0 {
		return
	}
	copied := *account
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[externalID] = accountEntry{account: &copied, fetchedAt: time.Now()}
}

func (s *Store) cachedRules(accountID uint64) ([]models.AutomationRule, bool) {
	if s.ttl <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rules[accountID]
	if !ok || time.Since(entry.fetchedAt) > s.ttl {
		return nil, false
	}
	copied := make([]models.AutomationRule, len(entry.rules))
	copy(copied, entry.rules)
	return copied, true
}

func (s *Store) storeRules(accountID uint64, rules []models.AutomationRule) {
	if s.ttl <= 0 {
		return
	}
	copied := make([]models.AutomationRule, len(rules))
	copy(copied, rules)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[accountID] = rulesEntry{rules: copied, fetchedAt: time.Now()}
}
