package rotation

import (
	"context"
	"testing"
	"time"
)

func testAccounts() []Account {
	return []Account{
		{Provider: "sendgrid", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true},
		{Provider: "brevo", AccountID: "1", HourlyLimit: 50, DailyLimit: 500, Enabled: true},
	}
}

func TestMemoryLedgerRecordAndSnapshot(t *testing.T) {
	l := NewMemoryLedger(testAccounts(), true)
	ctx := context.Background()

	l.Record(ctx, "sendgrid-1", 30)
	l.Record(ctx, "sendgrid-1", 5)
	l.Record(ctx, "brevo-1", 1)

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sg := snap["sendgrid-1"]
	if sg.HourlyUsed != 35 || sg.DailyUsed != 35 {
		t.Errorf("sendgrid usage = %d/%d, want 35/35", sg.HourlyUsed, sg.DailyUsed)
	}
	if sg.HourlyRemaining() != 65 {
		t.Errorf("hourly remaining = %d, want 65", sg.HourlyRemaining())
	}
	if br := snap["brevo-1"]; br.DailyRemaining() != 499 {
		t.Errorf("brevo daily remaining = %d, want 499", br.DailyRemaining())
	}
}

func TestMemoryLedgerHourlyReset(t *testing.T) {
	l := NewMemoryLedger(testAccounts(), true)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	l.SetClock(func() time.Time { return base })

	l.Record(ctx, "sendgrid-1", 40)

	// 61 minutes later the hourly window has rolled, the daily has not.
	l.SetClock(func() time.Time { return base.Add(61 * time.Minute) })
	snap, _ := l.Snapshot(ctx)

	sg := snap["sendgrid-1"]
	if sg.HourlyUsed != 0 {
		t.Errorf("hourly not reset after >1h: %d", sg.HourlyUsed)
	}
	if sg.DailyUsed != 40 {
		t.Errorf("daily should survive hourly reset: %d", sg.DailyUsed)
	}
}

func TestMemoryLedgerMidnightDailyReset(t *testing.T) {
	l := NewMemoryLedger(testAccounts(), true)
	ctx := context.Background()

	evening := time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local)
	l.SetClock(func() time.Time { return evening })
	l.Record(ctx, "sendgrid-1", 500)

	// Calendar day rolls over 40 minutes later even though <24h passed.
	l.SetClock(func() time.Time { return evening.Add(40 * time.Minute) })
	snap, _ := l.Snapshot(ctx)

	if used := snap["sendgrid-1"].DailyUsed; used != 0 {
		t.Errorf("daily not reset at midnight: %d", used)
	}
}

func TestMemoryLedgerSlidingDailyReset(t *testing.T) {
	l := NewMemoryLedger(testAccounts(), false)
	ctx := context.Background()

	evening := time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local)
	l.SetClock(func() time.Time { return evening })
	l.Record(ctx, "sendgrid-1", 500)

	// Midnight passes but the 24h window has not elapsed.
	l.SetClock(func() time.Time { return evening.Add(40 * time.Minute) })
	snap, _ := l.Snapshot(ctx)
	if used := snap["sendgrid-1"].DailyUsed; used != 500 {
		t.Errorf("sliding window reset too early: %d", used)
	}

	l.SetClock(func() time.Time { return evening.Add(25 * time.Hour) })
	snap, _ = l.Snapshot(ctx)
	if used := snap["sendgrid-1"].DailyUsed; used != 0 {
		t.Errorf("sliding window did not reset after 24h: %d", used)
	}
}

func TestMemoryLedgerOvershootIsAccepted(t *testing.T) {
	l := NewMemoryLedger(testAccounts(), true)
	ctx := context.Background()

	// Recording past the limit logs but never fails, and remaining floors at 0.
	l.Record(ctx, "brevo-1", 60)

	snap, _ := l.Snapshot(ctx)
	br := snap["brevo-1"]
	if br.HourlyUsed != 60 {
		t.Errorf("overshoot should be recorded as-is: %d", br.HourlyUsed)
	}
	if br.HourlyRemaining() != 0 {
		t.Errorf("remaining should floor at zero, got %d", br.HourlyRemaining())
	}
}

func TestMemoryLedgerUnknownKey(t *testing.T) {
	l := NewMemoryLedger(nil, true)
	ctx := context.Background()

	l.Record(ctx, "mystery-1", 3)
	snap, _ := l.Snapshot(ctx)
	if snap["mystery-1"].HourlyUsed != 3 {
		t.Errorf("unknown keys should still be tracked: %+v", snap["mystery-1"])
	}
}
