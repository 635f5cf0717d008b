// Package rotation implements multi-account provider rotation for bulk
// email dispatch: a registry of vendor accounts with hourly/daily caps, a
// usage ledger, a weighted remaining-capacity selector, and an orchestrator
// that retries with account exclusion on recoverable failures.
package rotation

import (
	"github.com/essencia/newsletter-engine/internal/esp"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// Account is one set of credentials for one vendor, with independent limits.
// Immutable for the process lifetime; loaded once from configuration.
type Account struct {
	Provider    string
	AccountID   string
	HourlyLimit int
	DailyLimit  int
	Enabled     bool
}

// Key returns the "{provider}-{accountID}" identifier used by the ledger
// and exclusion sets.
func (a Account) Key() string { return a.Provider + "-" + a.AccountID }

// Registry holds the configured provider accounts in configuration order,
// each paired with its vendor adapter. Accounts registered without an
// adapter (missing credentials) are kept out of rotation but still listed,
// so usage endpoints can report them as unavailable.
type Registry struct {
	order   []Account
	senders map[string]esp.Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]esp.Sender)}
}

// Register adds an account and its adapter. A nil sender marks the account
// as credential-less: it is never selected, and a warning is logged once at
// registration instead of failing startup.
func (r *Registry) Register(acc Account, sender esp.Sender) {
	r.order = append(r.order, acc)
	if sender == nil {
		logger.Warn("provider account has no credentials, removed from rotation",
			"provider", acc.Provider, "account", acc.AccountID)
		return
	}
	r.senders[acc.Key()] = sender
}

// Accounts returns the registered accounts in configuration order.
func (r *Registry) Accounts() []Account {
	out := make([]Account, len(r.order))
	copy(out, r.order)
	return out
}

// Sender returns the adapter for an account key, if the account has
// credentials.
func (r *Registry) Sender(key string) (esp.Sender, bool) {
	s, ok := r.senders[key]
	return s, ok
}

// Len returns the number of registered accounts.
func (r *Registry) Len() int { return len(r.order) }
