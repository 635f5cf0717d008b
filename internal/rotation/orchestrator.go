package rotation

import (
	"context"
	"fmt"

	"github.com/essencia/newsletter-engine/internal/esp"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// DefaultMaxRetries is the number of distinct accounts tried per dispatch.
const DefaultMaxRetries = 3

// Reserver is implemented by ledgers that support atomic capacity
// reservation (RedisLedger). When the orchestrator's ledger also reserves,
// select-and-reserve become one atomic step and failed sends return their
// reserved capacity; otherwise usage is recorded only after a confirmed
// send, accepting the bounded concurrent-overshoot race.
type Reserver interface {
	TryReserve(ctx context.Context, key string, n int) (bool, error)
	Release(ctx context.Context, key string, n int)
}

// Orchestrator drives one logical send through selection, sending, failure
// classification, and retry with account exclusion.
type Orchestrator struct {
	selector   *Selector
	ledger     Ledger
	maxRetries int
}

// NewOrchestrator creates an orchestrator. maxRetries <= 0 selects the default.
func NewOrchestrator(selector *Selector, ledger Ledger, maxRetries int) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Orchestrator{selector: selector, ledger: ledger, maxRetries: maxRetries}
}

// Dispatch sends one email, rotating across accounts on recoverable
// failures. emailCount is the usage recorded against the chosen account on
// success (1 for a single recipient; batched callers pass the batch size).
//
// Returns ErrNoProviderAvailable when no eligible account remains, either
// up front or mid-retry. Content-class failures propagate immediately
// without excluding the account: the payload is presumed bad and re-sending
// it through another vendor would fail the same way.
func (o *Orchestrator) Dispatch(ctx context.Context, msg *esp.EmailMessage, emailCount int) (*esp.SendResult, error) {
	if emailCount <= 0 {
		emailCount = 1
	}

	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		candidate, ok, err := o.selector.Pick(ctx, excluded)
		if err != nil {
			return nil, fmt.Errorf("selection: %w", err)
		}
		if !ok {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last failure: %v)", ErrNoProviderAvailable, lastErr)
			}
			return nil, ErrNoProviderAvailable
		}

		key := candidate.Account.Key()
		reserved := false
		if reserver, isReserver := o.ledger.(Reserver); isReserver {
			ok, err := reserver.TryReserve(ctx, key, emailCount)
			if err != nil {
				logger.Warn("capacity reserve failed, falling back to record-on-success",
					"account", key, "error", err)
			} else if !ok {
				// Snapshot said yes, reserve said no: another worker got
				// there first. Treat like a local rate limit.
				excluded[key] = true
				lastErr = fmt.Errorf("account %s at capacity", key)
				continue
			} else {
				reserved = true
			}
		}

		res, err := candidate.Sender.Send(ctx, msg)
		if err == nil && res != nil && res.Success {
			if !reserved {
				o.ledger.Record(ctx, key, emailCount)
			}
			return res, nil
		}

		if reserved {
			o.ledger.(Reserver).Release(ctx, key, emailCount)
		}

		class := Classify(res, err)
		failure := err
		if failure == nil && res != nil {
			failure = res.Error
		}

		if !class.Recoverable() {
			logger.Error("unrecoverable send failure",
				"account", key, "class", string(class), "recipient", msg.To, "error", failure)
			if failure == nil {
				failure = fmt.Errorf("send failed")
			}
			return res, fmt.Errorf("%s: %w", class, failure)
		}

		logger.Warn("send failed, excluding account for this dispatch",
			"account", key, "class", string(class), "attempt", attempt, "error", failure)
		excluded[key] = true
		lastErr = failure
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", o.maxRetries, lastErr)
}
