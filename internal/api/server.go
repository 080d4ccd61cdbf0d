// Package api implements the HTTP surface of the merch commerce service.
package api

import (
	"strings"
	"time"

	"merchapi/internal/auth"
	"merchapi/internal/checkout"
	"merchapi/internal/config"
	"merchapi/internal/product"
	"merchapi/internal/providers"
	"merchapi/internal/reaper"
	"merchapi/internal/store"
	"merchapi/internal/webhooks"
)

type Server struct {
	Store      store.Store
	Registry   *providers.Registry
	Broker     EventBroker
	Auth       *auth.Verifier
	Dispatcher *webhooks.Dispatcher
	Quotes     *checkout.Aggregator
	Checkout   *checkout.Orchestrator
	Reaper     *reaper.Reaper

	// PublicBaseURL is this service's externally reachable base, used when
	// registering webhook URLs with providers.
	PublicBaseURL string
}

// NewServer wires the full dependency graph from config. If DatabaseURL is
// unset, uses the in-memory store.
func NewServer(cfg config.Config, products product.Service) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		_ = sp.MigrateDir("db/migrations")
		s = sp
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	reg := providers.NewRegistry()
	reg.AddPayment(providers.NewPingPay(cfg.PingPay.BaseURL, cfg.PingPay.RecipientAddress, cfg.PingPay.APIKey))
	if cfg.Printful.APIKey != "" {
		reg.AddFulfillment(providers.NewPrintful(cfg.Printful.BaseURL, cfg.Printful.APIKey, cfg.Printful.StoreID))
	}
	if cfg.Gelato.APIKey != "" {
		reg.AddFulfillment(providers.NewGelato(cfg.Gelato.BaseURL, cfg.Gelato.APIKey))
	}

	quotes := &checkout.Aggregator{Products: products, Registry: reg, TaxRate: cfg.TaxRate}
	srv := &Server{
		Store:         s,
		Registry:      reg,
		Broker:        broker,
		Auth:          auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.Secret),
		Quotes:        quotes,
		Checkout:      &checkout.Orchestrator{Store: s, Quotes: quotes},
		PublicBaseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}
	srv.Dispatcher = webhooks.NewDispatcher(s, reg, broker, cfg.PingPay.WebhookSecret)
	srv.Reaper = reaper.New(s, reg,
		time.Duration(cfg.Reaper.MaxAgeHours)*time.Hour,
		time.Duration(cfg.Reaper.IntervalMinutes)*time.Minute)
	srv.Reaper.Publisher = broker
	return srv, nil
}
