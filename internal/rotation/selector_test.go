package rotation

import (
	"context"
	"testing"

	"github.com/essencia/newsletter-engine/internal/esp"
)

// stubLedger returns a fixed snapshot.
type stubLedger struct {
	snapshot map[string]Usage
}

func (s *stubLedger) Record(_ context.Context, _ string, _ int) {}
func (s *stubLedger) Snapshot(_ context.Context) (map[string]Usage, error) {
	return s.snapshot, nil
}

type nopSender struct{ name string }

func (n *nopSender) Name() string { return n.name }
func (n *nopSender) Send(_ context.Context, _ *esp.EmailMessage) (*esp.SendResult, error) {
	return &esp.SendResult{Success: true, Provider: n.name}, nil
}

func buildTestRegistry(accounts ...Account) *Registry {
	r := NewRegistry()
	for _, acc := range accounts {
		r.Register(acc, &nopSender{name: acc.Provider})
	}
	return r
}

func TestPickHighestScore(t *testing.T) {
	a := Account{Provider: "sendgrid", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	b := Account{Provider: "brevo", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	reg := buildTestRegistry(a, b)

	ledger := &stubLedger{snapshot: map[string]Usage{
		a.Key(): {HourlyUsed: 50, DailyUsed: 0, HourlyLimit: 100, DailyLimit: 1000},
		b.Key(): {HourlyUsed: 0, DailyUsed: 0, HourlyLimit: 100, DailyLimit: 1000},
	}}

	sel := NewSelector(reg, ledger)
	c, ok, err := sel.Pick(context.Background(), nil)
	if err != nil {
		t.Fatalf("Pick returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.Account.Key() != b.Key() {
		t.Errorf("expected %s, got %s", b.Key(), c.Account.Key())
	}
	// b is untouched: 100*1 + 50*1 = 150
	if c.Score != 150 {
		t.Errorf("expected score 150, got %v", c.Score)
	}
}

func TestPickTieGoesToFirstConfigured(t *testing.T) {
	a := Account{Provider: "sendgrid", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	b := Account{Provider: "brevo", AccountID: "1", HourlyLimit: 200, DailyLimit: 2000, Enabled: true}
	reg := buildTestRegistry(a, b)

	// Both fully fresh: identical normalized score of 150.
	ledger := &stubLedger{snapshot: map[string]Usage{
		a.Key(): {HourlyLimit: 100, DailyLimit: 1000},
		b.Key(): {HourlyLimit: 200, DailyLimit: 2000},
	}}

	sel := NewSelector(reg, ledger)
	c, ok, _ := sel.Pick(context.Background(), nil)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.Account.Key() != a.Key() {
		t.Errorf("tie should go to first configured account, got %s", c.Account.Key())
	}
}

func TestPickSkipsIneligible(t *testing.T) {
	healthy := Account{Provider: "sendgrid", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	exhausted := Account{Provider: "brevo", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	disabled := Account{Provider: "mailjet", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: false}
	noCreds := Account{Provider: "ses", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}

	reg := NewRegistry()
	reg.Register(healthy, &nopSender{name: "sendgrid"})
	reg.Register(exhausted, &nopSender{name: "brevo"})
	reg.Register(disabled, &nopSender{name: "mailjet"})
	reg.Register(noCreds, nil)

	ledger := &stubLedger{snapshot: map[string]Usage{
		healthy.Key():   {HourlyUsed: 99, HourlyLimit: 100, DailyLimit: 1000},
		exhausted.Key(): {HourlyUsed: 100, HourlyLimit: 100, DailyLimit: 1000},
		disabled.Key():  {HourlyLimit: 100, DailyLimit: 1000},
		noCreds.Key():   {HourlyLimit: 100, DailyLimit: 1000},
	}}

	sel := NewSelector(reg, ledger)
	c, ok, _ := sel.Pick(context.Background(), nil)
	if !ok {
		t.Fatal("expected the healthy account to be picked")
	}
	if c.Account.Key() != healthy.Key() {
		t.Errorf("expected %s, got %s", healthy.Key(), c.Account.Key())
	}
	if c.HourlyRemaining != 1 {
		t.Errorf("expected 1 hourly remaining, got %d", c.HourlyRemaining)
	}
}

func TestPickRespectsExclusion(t *testing.T) {
	a := Account{Provider: "sendgrid", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	b := Account{Provider: "brevo", AccountID: "1", HourlyLimit: 100, DailyLimit: 1000, Enabled: true}
	reg := buildTestRegistry(a, b)

	ledger := &stubLedger{snapshot: map[string]Usage{
		a.Key(): {HourlyLimit: 100, DailyLimit: 1000},
		b.Key(): {HourlyUsed: 90, HourlyLimit: 100, DailyLimit: 1000},
	}}

	sel := NewSelector(reg, ledger)
	c, ok, _ := sel.Pick(context.Background(), map[string]bool{a.Key(): true})
	if !ok {
		t.Fatal("expected fallback candidate")
	}
	if c.Account.Key() != b.Key() {
		t.Errorf("excluded account was picked: %s", c.Account.Key())
	}

	_, ok, _ = sel.Pick(context.Background(), map[string]bool{a.Key(): true, b.Key(): true})
	if ok {
		t.Error("expected no candidate when all accounts are excluded")
	}
}

func TestPickEmptyRegistry(t *testing.T) {
	sel := NewSelector(NewRegistry(), &stubLedger{snapshot: map[string]Usage{}})
	_, ok, err := sel.Pick(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no candidate from empty registry")
	}
}
