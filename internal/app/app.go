// Package app wires the core components and their hooks together. Commands
// and integration tests build the same graph through New.
package app

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/acl"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/entitlement"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository"
	"github.com/jmehdipour/entitlements/internal/repository/memory"
	"github.com/jmehdipour/entitlements/internal/service/access"
	"github.com/jmehdipour/entitlements/internal/subscription"
	"github.com/jmehdipour/entitlements/internal/usage"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Repositories is the persistence the core needs.
type Repositories struct {
	Projects      repository.ProjectsRepository
	Customers     repository.CustomersRepository
	Plans         repository.PlansRepository
	Subscriptions repository.SubscriptionsRepository
	Entitlements  repository.EntitlementsRepository
	ACLs          repository.ACLRepository
	Invoices      repository.InvoicesRepository
	UsageFacts    repository.UsageFactsRepository
}

// MySQLRepositories binds the core to MySQL, with usage facts read from ClickHouse.
func MySQLRepositories(db, ch *sqlx.DB) Repositories {
	return Repositories{
		Projects:      repository.NewProjectsRepository(db),
		Customers:     repository.NewCustomersRepository(db),
		Plans:         repository.NewPlansRepository(db),
		Subscriptions: repository.NewSubscriptionsRepository(db),
		Entitlements:  repository.NewEntitlementsRepository(db, repository.NewOutboxRepository(db)),
		ACLs:          repository.NewACLRepository(db),
		Invoices:      repository.NewInvoicesRepository(db),
		UsageFacts:    repository.NewCHUsageRepository(ch),
	}
}

// MemoryRepositories binds the core to a single in-process store.
func MemoryRepositories(store *memory.Store) Repositories {
	return Repositories{
		Projects:      store,
		Customers:     store,
		Plans:         store,
		Subscriptions: store.Subscriptions(),
		Entitlements:  store.Entitlements(),
		ACLs:          store.ACLs(),
		Invoices:      store,
		UsageFacts:    store,
	}
}

type App struct {
	Repos Repositories
	Cache *cache.Tier

	ACL       *acl.Evaluator
	Authority *entitlement.Authority
	Machine   *subscription.Machine
	Gateway   *usage.Gateway
	Access    *access.Service
}

// New builds the graph. now may be nil.
func New(repos Repositories, tier *cache.Tier, cfg config.Config, log *zap.Logger, now func() time.Time) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	policy := model.StatusPolicy{AllowPastDue: cfg.Policy.AllowPastDue}

	a := &App{Repos: repos, Cache: tier}

	a.ACL = acl.NewEvaluator(repos.ACLs, tier, policy, cfg.Authority.Timeout, log)

	a.Machine = subscription.NewMachine(repos.Subscriptions, repos.Plans, repos.Customers, repos.Invoices, tier, subscription.Options{
		MaxRetries: cfg.Authority.MaxRetries,
		OnChange: func(ctx context.Context, customerID string) {
			a.Access.PrewarmAsync(ctx, customerID)
		},
		Logger: log,
		Now:    now,
	})

	a.Authority = entitlement.NewAuthority(repos.Customers, repos.Plans, repos.Entitlements, a.Machine, tier, entitlement.Options{
		Timeout:            cfg.Authority.Timeout,
		MaxRetries:         cfg.Authority.MaxRetries,
		PrewarmConcurrency: cfg.Authority.PrewarmConcurrency,
		Policy:             policy,
		OnRollover: func(ctx context.Context, customerID, featureSlug string) {
			a.Access.ClearUsageFlag(ctx, customerID, featureSlug)
		},
		Logger: log,
		Now:    now,
	})

	a.Gateway = usage.NewGateway(a.Authority, a.ACL, tier, log)

	a.Access = access.New(repos.Customers, a.ACL, a.Authority, a.Gateway, tier, access.Options{
		Timeout:        cfg.Authority.Timeout,
		PrewarmTimeout: 2 * cfg.Authority.Timeout,
		Logger:         log,
	})
	return a
}

// Close drains background prewarms and cache writes.
func (a *App) Close() {
	a.Access.Close()
	a.Cache.Close()
}

// CacheOptions maps the cache config onto tier options.
func CacheOptions(cfg config.CacheConfig, log *zap.Logger) cache.Options {
	ttl := make(map[cache.Namespace]time.Duration, len(cfg.TTL))
	for ns, d := range cfg.TTL {
		ttl[cache.Namespace(ns)] = d
	}
	return cache.Options{
		TTL:              ttl,
		WriteTimeout:     cfg.WriteTimeout,
		BreakerThreshold: cfg.Breaker.FailThreshold,
		BreakerOpenFor:   time.Duration(cfg.Breaker.OpenForMs) * time.Millisecond,
		Logger:           log,
	}
}
