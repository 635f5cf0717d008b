package rotation

import (
	"context"

	"github.com/essencia/newsletter-engine/internal/esp"
)

// Selection weights: short-horizon headroom counts double so selection leans
// toward accounts that can still absorb bursts this hour, with daily headroom
// spreading long-run load as the tie-breaker.
const (
	hourlyWeight = 100.0
	dailyWeight  = 50.0
)

// Candidate is an eligible account scored for the next send. Ephemeral,
// computed per selection call.
type Candidate struct {
	Account         Account
	Sender          esp.Sender
	HourlyRemaining int
	DailyRemaining  int
	Score           float64
}

// Selector picks the single best account for the next send.
type Selector struct {
	registry *Registry
	ledger   Ledger
}

// NewSelector creates a selector over the given registry and ledger.
func NewSelector(registry *Registry, ledger Ledger) *Selector {
	return &Selector{registry: registry, ledger: ledger}
}

// Pick returns the eligible account with the highest weighted
// remaining-capacity score, skipping disabled accounts, accounts without
// credentials, accounts with no hourly or daily headroom, and accounts in
// the excluded set (keyed "{provider}-{accountID}").
//
// Ties go to the account registered first. ok=false means no account
// remains; that is an expected outcome, not an error.
func (s *Selector) Pick(ctx context.Context, excluded map[string]bool) (*Candidate, bool, error) {
	snapshot, err := s.ledger.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	var best *Candidate
	for _, acc := range s.registry.Accounts() {
		if !acc.Enabled {
			continue
		}
		key := acc.Key()
		if excluded[key] {
			continue
		}
		sender, ok := s.registry.Sender(key)
		if !ok {
			continue
		}
		usage, ok := snapshot[key]
		if !ok {
			continue
		}
		hourlyRem := usage.HourlyRemaining()
		dailyRem := usage.DailyRemaining()
		if hourlyRem <= 0 || dailyRem <= 0 {
			continue
		}

		score := hourlyWeight*float64(hourlyRem)/float64(acc.HourlyLimit) +
			dailyWeight*float64(dailyRem)/float64(acc.DailyLimit)

		if best == nil || score > best.Score {
			best = &Candidate{
				Account:         acc,
				Sender:          sender,
				HourlyRemaining: hourlyRem,
				DailyRemaining:  dailyRem,
				Score:           score,
			}
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}
