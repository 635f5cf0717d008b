package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// Usage is a point-in-time snapshot of one account's consumption.
type Usage struct {
	HourlyUsed  int
	DailyUsed   int
	HourlyLimit int
	DailyLimit  int
}

// HourlyRemaining returns remaining hourly capacity, floored at zero.
func (u Usage) HourlyRemaining() int {
	if r := u.HourlyLimit - u.HourlyUsed; r > 0 {
		return r
	}
	return 0
}

// DailyRemaining returns remaining daily capacity, floored at zero.
func (u Usage) DailyRemaining() int {
	if r := u.DailyLimit - u.DailyUsed; r > 0 {
		return r
	}
	return 0
}

// Ledger tracks per-account send consumption. Record is called only after a
// confirmed send, so counters reflect deliveries, not attempts.
type Ledger interface {
	Record(ctx context.Context, key string, n int)
	Snapshot(ctx context.Context) (map[string]Usage, error)
}

type counterState struct {
	hourly          int
	daily           int
	lastHourlyReset time.Time
}

// MemoryLedger is a process-local, mutex-guarded usage ledger. Counters are
// lost on restart and are not shared across workers; deployments that need
// cross-process caps use RedisLedger instead.
//
// Hourly counters reset lazily once more than an hour has passed since their
// last reset. Daily counters reset process-wide when the calendar day rolls
// over (local midnight); with midnight reset disabled they roll on a sliding
// 24h window instead.
type MemoryLedger struct {
	mu             sync.Mutex
	counters       map[string]*counterState
	limits         map[string]Account
	lastDailyReset time.Time
	midnightReset  bool
	now            func() time.Time
}

// NewMemoryLedger creates a ledger covering the given accounts.
func NewMemoryLedger(accounts []Account, midnightReset bool) *MemoryLedger {
	l := &MemoryLedger{
		counters:      make(map[string]*counterState),
		limits:        make(map[string]Account),
		midnightReset: midnightReset,
		now:           time.Now,
	}
	start := l.now()
	l.lastDailyReset = start
	for _, acc := range accounts {
		l.limits[acc.Key()] = acc
		l.counters[acc.Key()] = &counterState{lastHourlyReset: start}
	}
	return l
}

// SetClock overrides the time source. Used by tests.
func (l *MemoryLedger) SetClock(now func() time.Time) { l.now = now }

// Record adds n successful sends to an account's hourly and daily counters.
// Exceeding a configured limit logs a warning but never fails: a concurrent
// dispatch may have selected the account before this increment landed, and
// that bounded overshoot is accepted.
func (l *MemoryLedger) Record(_ context.Context, key string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok {
		c = &counterState{lastHourlyReset: l.now()}
		l.counters[key] = c
	}
	c.hourly += n
	c.daily += n

	if acc, ok := l.limits[key]; ok {
		if c.hourly > acc.HourlyLimit {
			logger.Warn("hourly usage exceeds account limit",
				"account", key, "used", c.hourly, "limit", acc.HourlyLimit)
		}
		if c.daily > acc.DailyLimit {
			logger.Warn("daily usage exceeds account limit",
				"account", key, "used", c.daily, "limit", acc.DailyLimit)
		}
	}
}

// Snapshot applies pending hourly/daily resets and returns per-account usage.
func (l *MemoryLedger) Snapshot(_ context.Context) (map[string]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.applyDailyReset(now)

	out := make(map[string]Usage, len(l.counters))
	for key, c := range l.counters {
		if now.Sub(c.lastHourlyReset) > time.Hour {
			c.hourly = 0
			c.lastHourlyReset = now
		}
		acc := l.limits[key]
		out[key] = Usage{
			HourlyUsed:  c.hourly,
			DailyUsed:   c.daily,
			HourlyLimit: acc.HourlyLimit,
			DailyLimit:  acc.DailyLimit,
		}
	}
	return out, nil
}

func (l *MemoryLedger) applyDailyReset(now time.Time) {
	rolled := false
	if l.midnightReset {
		y1, m1, d1 := l.lastDailyReset.Date()
		y2, m2, d2 := now.Date()
		rolled = y1 != y2 || m1 != m2 || d1 != d2
	} else {
		rolled = now.Sub(l.lastDailyReset) > 24*time.Hour
	}
	if !rolled {
		return
	}
	for _, c := range l.counters {
		c.daily = 0
	}
	l.lastDailyReset = now
}
