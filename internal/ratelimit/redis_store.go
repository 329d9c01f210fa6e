package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps rate counters in Redis, one key per account-hour
// plus a rolled-up month key. INCR/DECR give the same atomicity as the SQL
// upsert; the paired hour+month bookkeeping runs inside Lua so the two keys
// can never drift under concurrent dispatchers.
type RedisCounterStore struct {
	client *redis.Client
}

// incrScript bumps both the hour and month keys, attaching expiries on first
// write, and returns the new hour value.
var incrScript = redis.NewScript(`
local hour = redis.call('INCR', KEYS[1])
if hour == 1 then redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1])) end
local month = redis.call('INCR', KEYS[2])
if month == 1 then redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2])) end
return hour
`)

// decrScript undoes one increment on both keys without going negative.
var decrScript = redis.NewScript(`
for i = 1, 2 do
	local v = tonumber(redis.call('GET', KEYS[i]) or '0')
	if v > 0 then redis.call('DECR', KEYS[i]) end
end
return 1
`)

// NewRedisCounterStore constructs a RedisCounterStore.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

// IncrHour atomically increments the hour and month counters and returns the
// new hour value.
func (s *RedisCounterStore) IncrHour(ctx context.Context, accountID uint64, bucket time.Time) (int64, error) {
	hourTTL := int64((2 * time.Hour).Seconds())
	monthTTL := int64(time.Until(NextMonth(bucket).Add(24 * time.Hour)).Seconds())
	if monthTTL <= 0 {
		monthTTL = int64((32 * 24 * time.Hour).Seconds())
	}
	count, errRun := incrScript.Run(ctx, s.client,
		[]string{hourKey(accountID, bucket), monthKey(accountID, bucket)},
		hourTTL, monthTTL,
	).Int64()
	if errRun != nil {
		return 0, fmt.Errorf("ratelimit: redis incr: %w", errRun)
	}
	return count, nil
}

// DecrHour undoes one increment on both counters.
func (s *RedisCounterStore) DecrHour(ctx context.Context, accountID uint64, bucket time.Time) error {
	if errRun := decrScript.Run(ctx, s.client,
		[]string{hourKey(accountID, bucket), monthKey(accountID, bucket)},
	).Err(); errRun != nil {
		return fmt.Errorf("ratelimit: redis decr: %w", errRun)
	}
	return nil
}

// HourCount reads the hour counter.
func (s *RedisCounterStore) HourCount(ctx context.Context, accountID uint64, bucket time.Time) (int64, error) {
	count, errGet := s.client.Get(ctx, hourKey(accountID, bucket)).Int64()
	if errGet != nil {
		if errGet == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("ratelimit: redis hour count: %w", errGet)
	}
	return count, nil
}

// MonthCount reads the month counter.
func (s *RedisCounterStore) MonthCount(ctx context.Context, accountID uint64, monthStart time.Time) (int64, error) {
	count, errGet := s.client.Get(ctx, monthKey(accountID, monthStart)).Int64()
	if errGet != nil {
		if errGet == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("ratelimit: redis month count: %w", errGet)
	}
	return count, nil
}

func hourKey(accountID uint64, t time.Time) string {
	return fmt.Sprintf("rf:hour:%d:%s", accountID, HourStart(t).Format("2006010215"))
}

func monthKey(accountID uint64, t time.Time) string {
	return fmt.Sprintf("rf:month:%d:%s", accountID, MonthStart(t).Format("200601"))
}

var _ CounterStore = (*RedisCounterStore)(nil)
