// Package access is the inbound surface of the core: every call is scoped to
// a project and answers with typed decisions rather than errors.
package access

import (
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/entitlements/internal/acl"
	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/entitlement"
	"github.com/jmehdipour/entitlements/internal/metrics"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository"
	"github.com/jmehdipour/entitlements/internal/usage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	customers repository.CustomersRepository
	acl       *acl.Evaluator
	authority *entitlement.Authority
	gateway   *usage.Gateway
	cache     *cache.Tier

	timeout        time.Duration
	prewarmTimeout time.Duration
	log            *zap.Logger
	background     sync.WaitGroup
}

// Options tunes the service. Timeout bounds the customer lookup that scopes
// every call.
type Options struct {
	Timeout        time.Duration
	PrewarmTimeout time.Duration
	Logger         *zap.Logger
}

func New(
	customers repository.CustomersRepository,
	evaluator *acl.Evaluator,
	authority *entitlement.Authority,
	gateway *usage.Gateway,
	tier *cache.Tier,
	opts Options,
) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 800 * time.Millisecond
	}
	if opts.PrewarmTimeout <= 0 {
		opts.PrewarmTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		customers:      customers,
		acl:            evaluator,
		authority:      authority,
		gateway:        gateway,
		cache:          tier,
		timeout:        opts.Timeout,
		prewarmTimeout: opts.PrewarmTimeout,
		log:            opts.Logger.Named("access"),
	}
}

// customer loads the customer and checks it belongs to projectID. A foreign
// customer reads as not found.
func (s *Service) customer(ctx context.Context, customerID, projectID string) (*model.Customer, error) {
	if customerID == "" {
		return nil, apperr.Invalid("customer id is required")
	}
	c, _, ok := cache.GetJSON[model.Customer](ctx, s.cache, cache.NamespaceCustomer, customerID, cache.ReadOptions{})
	if !ok {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		var err error
		c, err = s.customers.Get(rctx, customerID)
		if err != nil {
			return nil, apperr.Passthrough(err)
		}
		cache.SetJSON(s.cache, cache.NamespaceCustomer, customerID, c, 0)
	}
	if projectID != "" && c.ProjectID != projectID {
		return nil, apperr.NotFound("customer", customerID)
	}
	return c, nil
}

// Authorize checks that customerID exists and belongs to projectID.
func (s *Service) Authorize(ctx context.Context, customerID, projectID string) error {
	_, err := s.customer(ctx, customerID, projectID)
	return err
}

// CheckEntitlement answers whether customerID may use featureSlug now.
func (s *Service) CheckEntitlement(ctx context.Context, customerID, projectID, featureSlug string, opts cache.ReadOptions) (*model.Decision, error) {
	d, err := s.check(ctx, customerID, projectID, featureSlug, opts)
	switch {
	case err != nil:
		metrics.Decisions.WithLabelValues("error", "").Inc()
	case d.Allow:
		metrics.Decisions.WithLabelValues("allow", "").Inc()
	default:
		metrics.Decisions.WithLabelValues("deny", d.Reason.String()).Inc()
	}
	return d, err
}

func (s *Service) check(ctx context.Context, customerID, projectID, featureSlug string, opts cache.ReadOptions) (*model.Decision, error) {
	if featureSlug == "" {
		return nil, apperr.Invalid("feature slug is required")
	}
	if _, err := s.customer(ctx, customerID, projectID); err != nil {
		return nil, err
	}

	verdict, e, err := s.gateway.Verdict(ctx, customerID, featureSlug, opts)
	if err != nil {
		return nil, err
	}
	if !verdict.Allow {
		return model.Deny(verdict.Reason, e), nil
	}

	if e == nil {
		if e, err = s.authority.GetEntitlement(ctx, customerID, featureSlug, opts); err != nil {
			return nil, err
		}
	}
	if e.Denial != model.ReasonNone {
		return model.Deny(e.Denial, e), nil
	}
	if e.Exhausted() && e.OveragePolicy != model.OverageAllow {
		return model.Deny(model.ReasonUsageLimitReached, e), nil
	}
	return model.Allow(e), nil
}

func (s *Service) ReportUsage(ctx context.Context, customerID, projectID, featureSlug string, quantity int64, idempotencyKey string) (*model.UsageOutcome, error) {
	if _, err := s.customer(ctx, customerID, projectID); err != nil {
		return nil, err
	}
	return s.gateway.ReportUsage(ctx, customerID, featureSlug, quantity, idempotencyKey)
}

func (s *Service) UpdateACL(ctx context.Context, customerID, projectID string, upd model.ACLUpdate) (*model.AccessControlList, error) {
	if _, err := s.customer(ctx, customerID, projectID); err != nil {
		return nil, err
	}
	return s.acl.Update(ctx, customerID, upd)
}

// PrewarmEntitlements populates the ACL and entitlement entries of the customer.
func (s *Service) PrewarmEntitlements(ctx context.Context, customerID, projectID string) error {
	if _, err := s.customer(ctx, customerID, projectID); err != nil {
		return err
	}

	// the ACL entry and the feature fan-out in Authority.Prewarm
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.acl.Get(gctx, customerID, cache.ReadOptions{SkipCache: true})
		return err
	})
	g.Go(func() error {
		return s.authority.Prewarm(gctx, customerID)
	})
	return g.Wait()
}

// ClearUsageFlag lifts the usage-limit override once a counter rolled over.
// The flag stays while another hard-capped feature is still used up.
func (s *Service) ClearUsageFlag(ctx context.Context, customerID, featureSlug string) {
	cur, err := s.acl.Get(ctx, customerID, cache.ReadOptions{SkipCache: true})
	if err != nil || !cur.UsageLimitReached {
		return
	}
	exhausted, err := s.authority.ExhaustedHardCap(ctx, customerID)
	if err != nil {
		s.log.Warn("check hard caps before clearing usage limit flag",
			zap.String("customer_id", customerID), zap.Error(err))
		return
	}
	if exhausted {
		s.log.Debug("usage limit flag kept", zap.String("customer_id", customerID), zap.String("feature", featureSlug))
		return
	}
	flag := false
	if _, err := s.acl.Update(ctx, customerID, model.ACLUpdate{UsageLimitReached: &flag}); err != nil {
		s.log.Warn("clear usage limit flag",
			zap.String("customer_id", customerID),
			zap.String("feature", featureSlug),
			zap.Error(err))
		return
	}
	s.log.Info("usage limit flag cleared on rollover", zap.String("customer_id", customerID), zap.String("feature", featureSlug))
}

// PrewarmAsync re-derives the customer's entries in the background after a
// subscription change. Close waits for outstanding runs.
func (s *Service) PrewarmAsync(ctx context.Context, customerID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.prewarmTimeout)
		defer cancel()
		if err := s.PrewarmEntitlements(pctx, customerID, ""); err != nil {
			s.log.Warn("prewarm after subscription change", zap.String("customer_id", customerID), zap.Error(err))
		}
	}()
}

func (s *Service) Close() { s.background.Wait() }
