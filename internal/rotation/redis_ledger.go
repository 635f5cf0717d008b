package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger is a usage ledger backed by Redis, for deployments where
// multiple dispatch workers must share per-account caps. Counters live in
// hour- and day-bucketed keys with TTLs, so expiry replaces explicit resets.
//
// It additionally offers TryReserve, an atomic check-and-increment over both
// windows, which closes the select-then-record race the in-memory ledger
// accepts: a reservation either consumes capacity in both windows or leaves
// the counters untouched.
type RedisLedger struct {
	redis  *redis.Client
	limits map[string]Account

	reserveScript *redis.Script
	releaseScript *redis.Script
}

// Lua script for atomic two-window reserve: checks hourly and daily counters
// against their limits and only increments when both pass.
const reserveLuaScript = `
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local increment = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local hourTTL = tonumber(ARGV[4])
local dayTTL = tonumber(ARGV[5])

local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if hourCurrent + increment > hourLimit then
    return {0, 1, hourCurrent}
end
if dayCurrent + increment > dayLimit then
    return {0, 2, dayCurrent}
end

local newHour = redis.call("INCRBY", hourKey, increment)
if newHour == increment then
    redis.call("EXPIRE", hourKey, hourTTL)
end

local newDay = redis.call("INCRBY", dayKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, 0, newDay}
`

// Lua script for clamped release: decrements each window only as far as
// zero, and not at all when the bucket is absent. An unconditional DECRBY
// could drive a freshly rolled bucket negative and grant phantom capacity.
const releaseLuaScript = `
local n = tonumber(ARGV[1])
for i = 1, 2 do
    local current = tonumber(redis.call("GET", KEYS[i]) or "0")
    if current > 0 then
        local dec = n
        if dec > current then
            dec = current
        end
        redis.call("DECRBY", KEYS[i], dec)
    end
end
return 1
`

// NewRedisLedger creates a Redis-backed ledger covering the given accounts.
func NewRedisLedger(client *redis.Client, accounts []Account) *RedisLedger {
	limits := make(map[string]Account, len(accounts))
	for _, acc := range accounts {
		limits[acc.Key()] = acc
	}
	return &RedisLedger{
		redis:         client,
		limits:        limits,
		reserveScript: redis.NewScript(reserveLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
	}
}

func (l *RedisLedger) keys(key string, now time.Time) (hourKey, dayKey string) {
	hourKey = fmt.Sprintf("usage:%s:h:%d", key, now.Unix()/3600)
	dayKey = fmt.Sprintf("usage:%s:d:%s", key, now.Format("2006-01-02"))
	return
}

// Record adds n successful sends to both windows. Errors are swallowed:
// usage accounting must never fail a send that already went out.
func (l *RedisLedger) Record(ctx context.Context, key string, n int) {
	hourKey, dayKey := l.keys(key, time.Now())
	pipe := l.redis.Pipeline()
	pipe.IncrBy(ctx, hourKey, int64(n))
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	pipe.IncrBy(ctx, dayKey, int64(n))
	pipe.Expire(ctx, dayKey, 25*time.Hour)
	pipe.Exec(ctx)
}

// Snapshot returns per-account usage for the current hour and day buckets.
func (l *RedisLedger) Snapshot(ctx context.Context) (map[string]Usage, error) {
	now := time.Now()
	out := make(map[string]Usage, len(l.limits))

	pipe := l.redis.Pipeline()
	hourCmds := make(map[string]*redis.StringCmd, len(l.limits))
	dayCmds := make(map[string]*redis.StringCmd, len(l.limits))
	for key := range l.limits {
		hourKey, dayKey := l.keys(key, now)
		hourCmds[key] = pipe.Get(ctx, hourKey)
		dayCmds[key] = pipe.Get(ctx, dayKey)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}

	for key, acc := range l.limits {
		hourly, _ := hourCmds[key].Int()
		daily, _ := dayCmds[key].Int()
		out[key] = Usage{
			HourlyUsed:  hourly,
			DailyUsed:   daily,
			HourlyLimit: acc.HourlyLimit,
			DailyLimit:  acc.DailyLimit,
		}
	}
	return out, nil
}

// TryReserve atomically consumes n sends of capacity in both windows.
// Returns false without side effects when either window would overflow.
func (l *RedisLedger) TryReserve(ctx context.Context, key string, n int) (bool, error) {
	acc, ok := l.limits[key]
	if !ok {
		return false, fmt.Errorf("unknown account: %s", key)
	}

	hourKey, dayKey := l.keys(key, time.Now())
	result, err := l.reserveScript.Run(ctx, l.redis,
		[]string{hourKey, dayKey},
		n, acc.HourlyLimit, acc.DailyLimit,
		7200,  // hour TTL (2 hours)
		90000, // day TTL (25 hours)
	).Slice()
	if err != nil {
		return false, fmt.Errorf("reserve failed: %w", err)
	}

	return result[0].(int64) == 1, nil
}

// Release returns n sends of capacity, used when a reserved send fails.
// Each window is decremented at most down to zero: if a bucket rolled over
// between reserve and release there is nothing to give back in the new one.
func (l *RedisLedger) Release(ctx context.Context, key string, n int) {
	hourKey, dayKey := l.keys(key, time.Now())
	l.releaseScript.Run(ctx, l.redis, []string{hourKey, dayKey}, n)
}
