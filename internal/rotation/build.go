package rotation

import (
	"github.com/essencia/newsletter-engine/internal/config"
	"github.com/essencia/newsletter-engine/internal/esp"
	"github.com/essencia/newsletter-engine/internal/pkg/logger"
)

// senderFactories maps vendor tags to adapter constructors. Adding a vendor
// is one entry here plus its adapter file; nothing in the dispatch path
// switches on provider names.
var senderFactories = map[string]func(config.ProviderAccountConfig) esp.Sender{
	"sendgrid": func(p config.ProviderAccountConfig) esp.Sender {
		if key := p.APIKey(); key != "" {
			return esp.NewSendGridSender(key)
		}
		return nil
	},
	"brevo": func(p config.ProviderAccountConfig) esp.Sender {
		if key := p.APIKey(); key != "" {
			return esp.NewBrevoSender(key)
		}
		return nil
	},
	"mailjet": func(p config.ProviderAccountConfig) esp.Sender {
		if key, secret := p.APIKey(), p.APISecret(); key != "" && secret != "" {
			return esp.NewMailjetSender(key, secret)
		}
		return nil
	},
	"ses": func(p config.ProviderAccountConfig) esp.Sender {
		s := esp.NewSESSender(p.APIKey(), p.APISecret(), p.Region)
		if s.Configured() {
			return s
		}
		return nil
	},
}

// BuildRegistry constructs the provider registry from configuration,
// resolving credentials from the environment. Accounts whose credentials
// are absent stay registered but out of rotation.
func BuildRegistry(providers []config.ProviderAccountConfig) *Registry {
	r := NewRegistry()
	for _, p := range providers {
		accountID := p.AccountID
		if accountID == "" {
			accountID = "default"
		}
		acc := Account{
			Provider:    p.Provider,
			AccountID:   accountID,
			HourlyLimit: p.HourlyLimit,
			DailyLimit:  p.DailyLimit,
			Enabled:     p.Enabled,
		}

		factory, ok := senderFactories[p.Provider]
		if !ok {
			logger.Warn("unknown provider in configuration, skipping",
				"provider", p.Provider, "account", accountID)
			continue
		}
		r.Register(acc, factory(p))
	}
	return r
}
