package controllers

import (
	"errors"
	"time"

	"github.com/ManuelReschke/ContentPass/app/repository"
	"github.com/ManuelReschke/ContentPass/internal/pkg/cache"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkoutsync"
	"github.com/ManuelReschke/ContentPass/internal/pkg/entitlements"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/linker"
	"github.com/ManuelReschke/ContentPass/internal/pkg/security"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Config carries everything the HTTP layer needs besides the database.
type Config struct {
	WebhookSecret  string
	SessionSecret  string
	SessionTTL     time.Duration
	AdminAPIKey    string
	Operators      entitlements.Operators
	MaxConcurrency int
	// Provider is the checkout API; nil disables reconciliation.
	Provider checkoutsync.TransactionSource
}

// ConfigFromEnv reads the service configuration. The product lookup cache is
// only enabled when Redis answers.
func ConfigFromEnv() Config {
	client := checkout.NewClientFromEnv()
	if err := cache.Ping(2 * time.Second); err == nil {
		client.Cache = cache.Store{}
	} else {
		log.Warnf("[Config] product cache disabled: %v", err)
	}

	return Config{
		WebhookSecret:  env.GetEnv("CHECKOUT_WEBHOOK_SECRET", ""),
		SessionSecret:  env.GetEnv("SESSION_SECRET", ""),
		SessionTTL:     env.GetDuration("SESSION_TTL", security.DefaultSessionTTL),
		AdminAPIKey:    env.GetEnv("ADMIN_API_KEY", ""),
		MaxConcurrency: env.GetInt("SYNC_MAX_CONCURRENCY", checkoutsync.DefaultMaxConcurrency),
		Operators: entitlements.Operators{
			Emails:     env.GetList("OPERATOR_EMAILS"),
			AccountIDs: env.GetList("OPERATOR_ACCOUNT_IDS"),
		},
		Provider: client,
	}
}

// Services bundles the domain services used by the controllers.
type Services struct {
	Catalog  *catalog.Catalog
	Ledger   *ledger.Service
	Linker   *linker.Linker
	Resolver *entitlements.Resolver
	Sync     *checkoutsync.Adapter
	Sessions *security.SessionIssuer
	Accounts repository.AccountRepository
	Webhooks repository.WebhookEventRepository

	WebhookSecret string
	AdminAPIKey   string
}

// NewServices wires the domain services on top of one database handle.
func NewServices(db *gorm.DB, cat *catalog.Catalog, cfg Config) (*Services, error) {
	if db == nil || cat == nil {
		return nil, errors.New("database and catalog are required")
	}
	sessions, err := security.NewSessionIssuer(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	repos := repository.NewFactory(db).GetRepositories()
	ledgerSvc := ledger.NewServiceFromDB(db, cat)
	l := linker.New(db)

	return &Services{
		Catalog:       cat,
		Ledger:        ledgerSvc,
		Linker:        l,
		Resolver:      entitlements.NewResolver(ledgerSvc, l, cat, repos.Account, cfg.Operators),
		Sync:          checkoutsync.New(cfg.Provider, ledgerSvc, cat, cfg.MaxConcurrency),
		Sessions:      sessions,
		Accounts:      repos.Account,
		Webhooks:      repos.WebhookEvent,
		WebhookSecret: cfg.WebhookSecret,
		AdminAPIKey:   cfg.AdminAPIKey,
	}, nil
}
