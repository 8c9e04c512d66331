// Package entitlement is the authoritative holder of entitlement counters.
// Mutations for one customer are serialized in-process and guarded by a
// version compare-and-swap in the store across processes.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/metrics"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SubscriptionResolver yields the derived subscription state of a customer.
// It returns ErrNotFound when the customer never subscribed.
type SubscriptionResolver interface {
	Resolve(ctx context.Context, customerID string, opts cache.ReadOptions) (*model.SubscriptionView, error)
}

// RolloverHook runs after a counter was reset at a cycle boundary.
type RolloverHook func(ctx context.Context, customerID, featureSlug string)

// Options tunes the authority. PrewarmConcurrency bounds the features that
// Prewarm loads at once.
type Options struct {
	Timeout            time.Duration
	MaxRetries         int
	PrewarmConcurrency int
	Policy             model.StatusPolicy
	OnRollover         RolloverHook
	Logger             *zap.Logger
	Now                func() time.Time
}

type Authority struct {
	customers repository.CustomersRepository
	plans     repository.PlansRepository
	repo      repository.EntitlementsRepository
	subs      SubscriptionResolver
	cache     *cache.Tier

	timeout    time.Duration
	maxRetries int
	prewarmN   int
	policy     model.StatusPolicy
	onRollover RolloverHook
	log        *zap.Logger
	now        func() time.Time

	locks *keyedLocks
	group singleflight.Group
}

func NewAuthority(
	customers repository.CustomersRepository,
	plans repository.PlansRepository,
	repo repository.EntitlementsRepository,
	subs SubscriptionResolver,
	tier *cache.Tier,
	opts Options,
) *Authority {
	if opts.Timeout <= 0 {
		opts.Timeout = 800 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PrewarmConcurrency <= 0 {
		opts.PrewarmConcurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authority{
		customers:  customers,
		plans:      plans,
		repo:       repo,
		subs:       subs,
		cache:      tier,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		prewarmN:   opts.PrewarmConcurrency,
		policy:     opts.Policy,
		onRollover: opts.OnRollover,
		log:        opts.Logger.Named("entitlement"),
		now:        opts.Now,
		locks:      newKeyedLocks(),
	}
}

func cacheKey(customerID, featureSlug string) string { return customerID + ":" + featureSlug }

// GetEntitlement returns the current entitlement. A subscription whose status
// withholds access yields Limit 0 with Denial set, not an error.
func (a *Authority) GetEntitlement(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error) {
	if customerID == "" || featureSlug == "" {
		return nil, apperr.Invalid("customer id and feature slug are required")
	}

	key := cacheKey(customerID, featureSlug)
	if e, ok := a.cached(ctx, customerID, key, opts); ok {
		return e, nil
	}

	// concurrent misses on one key share a single authoritative load; the
	// load is detached from the first caller so its cancellation does not
	// fail the others
	ch := a.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		return a.observe("get", func() (*model.Entitlement, error) {
			return a.loadAndCache(lctx, customerID, featureSlug, opts)
		})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e := *res.Val.(*model.Entitlement)
		return &e, nil
	case <-ctx.Done():
		return nil, apperr.FromContext(ctx)
	}
}

// cached serves a cached value while its cycle is running and the
// subscription view it was derived under is still current.
func (a *Authority) cached(ctx context.Context, customerID, key string, opts cache.ReadOptions) (*model.Entitlement, bool) {
	e, _, ok := cache.GetJSON[model.Entitlement](ctx, a.cache, cache.NamespaceEntitlement, key, opts)
	if !ok || !a.now().Before(e.ResetAt) {
		return nil, false
	}
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	view, err := a.subs.Resolve(rctx, customerID, opts)
	if err != nil || view.Version != e.SubscriptionVersion || !a.policy.Allows(view.Status) {
		return nil, false
	}
	return e, true
}

func (a *Authority) loadAndCache(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error) {
	unlock, err := a.locks.lock(ctx, customerID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.loadLocked(ctx, customerID, featureSlug, opts)
}

func (a *Authority) loadLocked(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error) {
	var e *model.Entitlement
	err := a.withRetry(ctx, func() error {
		var err error
		e, err = a.current(ctx, customerID, featureSlug, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if e.Denial == model.ReasonNone {
		cache.SetJSON(a.cache, cache.NamespaceEntitlement, cacheKey(customerID, featureSlug), e, e.Version)
	}
	return e, nil
}

// current loads the counter, creating it on first use and persisting any
// rollover or plan limit change. Callers hold the customer lock.
func (a *Authority) current(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error) {
	if _, err := a.customers.Get(ctx, customerID); err != nil {
		return nil, apperr.Passthrough(err)
	}

	view, err := a.subs.Resolve(ctx, customerID, opts)
	if apperr.IsNotFound(err) {
		return denied(customerID, featureSlug), nil
	}
	if err != nil {
		return nil, apperr.Passthrough(err)
	}
	if !a.policy.Allows(view.Status) {
		return denied(customerID, featureSlug), nil
	}

	plan, err := a.plans.GetVersion(ctx, view.PlanVersionID)
	if err != nil {
		return nil, apperr.Passthrough(err)
	}
	feature, ok := plan.Feature(featureSlug)
	if !ok {
		return nil, apperr.NotFound("feature", featureSlug)
	}

	now := a.now().UTC()
	loc := view.Location()

	row, err := a.repo.Get(ctx, customerID, featureSlug)
	if apperr.IsNotFound(err) {
		row = &model.Entitlement{
			CustomerID:    customerID,
			FeatureSlug:   featureSlug,
			Limit:         feature.Limit,
			ResetAt:       plan.NextReset(view.BillingCycleAnchor.In(loc), now).UTC(),
			Version:       1,
			OveragePolicy: feature.OveragePolicy,
			UpdatedAt:     now,
		}
		err = a.repo.Insert(ctx, row)
		if errors.Is(err, apperr.ErrDuplicate) {
			return nil, fmt.Errorf("entitlement %s/%s created concurrently: %w", customerID, featureSlug, apperr.ErrConflict)
		}
		if err != nil {
			return nil, apperr.Passthrough(err)
		}
		row.SubscriptionVersion = view.Version
		return row, nil
	}
	if err != nil {
		return nil, apperr.Passthrough(err)
	}
	row.SubscriptionVersion = view.Version

	next := *row
	rolled := false
	if !now.Before(row.ResetAt) {
		next.Used = 0
		// boundaries count from the anchor; stepping from the previous
		// boundary would drift after a clamped month end
		next.ResetAt = plan.NextReset(view.BillingCycleAnchor.In(loc), now).UTC()
		rolled = true
	}
	if next.Limit != feature.Limit || next.OveragePolicy != feature.OveragePolicy {
		next.Limit = feature.Limit
		next.OveragePolicy = feature.OveragePolicy
	}
	if next == *row {
		return row, nil
	}

	next.Version = row.Version + 1
	next.UpdatedAt = now
	if err := a.repo.CompareAndSwap(ctx, &next, row.Version); err != nil {
		return nil, apperr.Passthrough(err)
	}
	if err := a.cache.Supersede(ctx, cache.NamespaceEntitlement, cacheKey(customerID, featureSlug), next.Version); err != nil {
		a.log.Warn("entitlement cache supersede failed", zap.String("customer_id", customerID), zap.Error(err))
	}

	if rolled {
		a.log.Info("entitlement rolled over",
			zap.String("customer_id", customerID),
			zap.String("feature", featureSlug),
			zap.Time("reset_at", next.ResetAt))
		if a.onRollover != nil {
			a.onRollover(ctx, customerID, featureSlug)
		}
	}
	return &next, nil
}

func denied(customerID, featureSlug string) *model.Entitlement {
	return &model.Entitlement{
		CustomerID:  customerID,
		FeatureSlug: featureSlug,
		Limit:       0,
		Denial:      model.ReasonSubscriptionInvalid,
	}
}

// ApplyUsage charges quantity against the counter exactly once per hash.
func (a *Authority) ApplyUsage(ctx context.Context, customerID, featureSlug string, quantity int64, hash string) (*model.UsageOutcome, error) {
	if quantity <= 0 {
		return nil, apperr.Invalid("quantity must be positive, got %d", quantity)
	}
	if hash == "" {
		return nil, apperr.Invalid("idempotency hash is required")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var out *model.UsageOutcome
	_, err := a.observe("apply", func() (*model.Entitlement, error) {
		unlock, err := a.locks.lock(ctx, customerID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		err = a.withRetry(ctx, func() error {
			var err error
			out, err = a.apply(ctx, customerID, featureSlug, quantity, hash)
			return err
		})
		if err != nil {
			return nil, err
		}
		return out.Entitlement, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Authority) apply(ctx context.Context, customerID, featureSlug string, quantity int64, hash string) (*model.UsageOutcome, error) {
	rec, err := a.repo.GetUsageRecord(ctx, hash)
	if err != nil && !apperr.IsNotFound(err) {
		return nil, apperr.Passthrough(err)
	}

	cur, err := a.current(ctx, customerID, featureSlug, cache.ReadOptions{SkipCache: true})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return &model.UsageOutcome{Entitlement: cur, Applied: rec.Applied, Duplicate: true, LimitReached: cur.Exhausted()}, nil
	}
	if cur.Denial != model.ReasonNone {
		return &model.UsageOutcome{Entitlement: cur, Reason: cur.Denial}, nil
	}

	applied, reached := charge(cur, quantity)
	out := &model.UsageOutcome{Entitlement: cur, Applied: applied, LimitReached: reached}
	if applied < quantity {
		out.Reason = model.ReasonUsageLimitReached
	}
	if applied == 0 {
		// nothing fits under a hard cap; the report is rejected, not recorded
		return out, nil
	}

	now := a.now().UTC()
	next := *cur
	next.Used += applied
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	err = a.repo.ApplyUsage(ctx, &next, cur.Version, model.UsageReportRecord{
		IdempotencyHash: hash,
		CustomerID:      customerID,
		FeatureSlug:     featureSlug,
		Quantity:        quantity,
		Applied:         applied,
		AppliedAt:       now,
	})
	if errors.Is(err, apperr.ErrDuplicate) {
		// a concurrent writer recorded the same hash; retry reads it back
		return nil, fmt.Errorf("usage record %s: %w", hash, apperr.ErrConflict)
	}
	if err != nil {
		return nil, apperr.Passthrough(err)
	}

	key := cacheKey(customerID, featureSlug)
	if err := a.cache.Supersede(ctx, cache.NamespaceEntitlement, key, next.Version); err != nil {
		a.log.Warn("entitlement cache supersede failed", zap.String("customer_id", customerID), zap.Error(err))
	}
	cache.SetJSON(a.cache, cache.NamespaceEntitlement, key, &next, next.Version)

	out.Entitlement = &next
	return out, nil
}

// charge decides how much of quantity fits the counter under its overage policy.
func charge(e *model.Entitlement, quantity int64) (applied int64, limitReached bool) {
	if e.Unlimited() {
		return quantity, false
	}
	if e.OveragePolicy == model.OverageAllow {
		return quantity, e.Used+quantity >= e.Limit
	}
	applied = quantity
	if room := e.Remaining(); applied > room {
		applied = room
	}
	return applied, e.Used+applied >= e.Limit
}

// Prewarm recomputes and caches every feature of the customer's current plan.
// It never applies usage.
func (a *Authority) Prewarm(ctx context.Context, customerID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if _, err := a.customers.Get(ctx, customerID); err != nil {
		return apperr.Passthrough(err)
	}
	view, err := a.subs.Resolve(ctx, customerID, cache.ReadOptions{SkipCache: true})
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return apperr.Passthrough(err)
	}
	if !a.policy.Allows(view.Status) {
		if err := a.cache.InvalidateAll(ctx, cache.NamespaceEntitlement, customerID+":"); err != nil {
			a.log.Warn("entitlement cache purge failed", zap.String("customer_id", customerID), zap.Error(err))
		}
		return nil
	}

	plan, err := a.plans.GetVersion(ctx, view.PlanVersionID)
	if err != nil {
		return apperr.Passthrough(err)
	}

	unlock, err := a.locks.lock(ctx, customerID)
	if err != nil {
		return err
	}
	defer unlock()

	// the customer lock covers the whole fan-out; each feature is its own row
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.prewarmN)
	for _, f := range plan.Features {
		slug := f.FeatureSlug
		g.Go(func() error {
			if _, err := a.loadLocked(gctx, customerID, slug, cache.ReadOptions{SkipCache: true}); err != nil {
				return fmt.Errorf("prewarm %s/%s: %w", customerID, slug, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.log.Debug("entitlements prewarmed", zap.String("customer_id", customerID), zap.Int("features", len(plan.Features)))
	return nil
}

// ExhaustedHardCap reports whether a hard-capped counter of the customer's
// current plan is used up within its running cycle. It reads rows without the
// customer lock, so the rollover hook may call it.
func (a *Authority) ExhaustedHardCap(ctx context.Context, customerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	view, err := a.subs.Resolve(ctx, customerID, cache.ReadOptions{})
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Passthrough(err)
	}
	plan, err := a.plans.GetVersion(ctx, view.PlanVersionID)
	if err != nil {
		return false, apperr.Passthrough(err)
	}

	now := a.now()
	for _, f := range plan.Features {
		if f.OveragePolicy != model.OverageHardCap || f.Limit == model.Unlimited {
			continue
		}
		row, err := a.repo.Get(ctx, customerID, f.FeatureSlug)
		if apperr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return false, apperr.Passthrough(err)
		}
		// a row past its reset rolls over on the next read
		if now.Before(row.ResetAt) && row.Used >= f.Limit {
			return true, nil
		}
	}
	return false, nil
}

// withRetry reruns fn on version conflicts, up to maxRetries extra attempts.
func (a *Authority) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if cerr := apperr.FromContext(ctx); cerr != nil {
			return cerr
		}
		err = fn()
		if !apperr.IsConflict(err) {
			return err
		}
		metrics.AuthorityConflicts.Inc()
	}
	return err
}

func (a *Authority) observe(op string, fn func() (*model.Entitlement, error)) (*model.Entitlement, error) {
	start := time.Now()
	e, err := fn()
	metrics.AuthorityLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = apperr.Unavailable(err)
	}
	return e, err
}
