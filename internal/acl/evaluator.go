// Package acl evaluates the administrative override flags of a customer.
// It never looks at entitlement counters or subscription phases.
package acl

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/repository"
	"go.uber.org/zap"
)

type Evaluator struct {
	repo    repository.ACLRepository
	cache   *cache.Tier
	policy  model.StatusPolicy
	timeout time.Duration
	log     *zap.Logger
}

// NewEvaluator builds an evaluator whose store calls are bounded by timeout.
func NewEvaluator(repo repository.ACLRepository, tier *cache.Tier, policy model.StatusPolicy, timeout time.Duration, log *zap.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{repo: repo, cache: tier, policy: policy, timeout: timeout, log: log.Named("acl")}
}

// Evaluate applies the override flags in precedence order.
func (e *Evaluator) Evaluate(ctx context.Context, customerID string, opts cache.ReadOptions) (model.Verdict, error) {
	acl, err := e.Get(ctx, customerID, opts)
	if err != nil {
		return model.Verdict{Allow: false}, err
	}
	return e.verdict(acl), nil
}

func (e *Evaluator) verdict(acl *model.AccessControlList) model.Verdict {
	switch {
	case acl.Disabled:
		return model.Verdict{Reason: model.ReasonCustomerDisabled}
	case acl.UsageLimitReached:
		return model.Verdict{Reason: model.ReasonUsageLimitReached}
	case acl.SubscriptionStatusOverride != nil && !e.policy.Allows(*acl.SubscriptionStatusOverride):
		return model.Verdict{Reason: model.ReasonSubscriptionInvalid}
	}
	return model.Verdict{Allow: true}
}

// Get returns the customer's ACL; a customer without overrides gets the zero ACL.
func (e *Evaluator) Get(ctx context.Context, customerID string, opts cache.ReadOptions) (*model.AccessControlList, error) {
	if acl, _, ok := cache.GetJSON[model.AccessControlList](ctx, e.cache, cache.NamespaceACL, customerID, opts); ok {
		return acl, nil
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	acl, err := e.repo.Get(rctx, customerID)
	switch {
	case apperr.IsNotFound(err):
		acl = &model.AccessControlList{CustomerID: customerID}
	case err != nil:
		return nil, apperr.Unavailable(fmt.Errorf("load acl %s: %w", customerID, err))
	}

	cache.SetJSON(e.cache, cache.NamespaceACL, customerID, acl, acl.Version)
	return acl, nil
}

// Update applies a partial update. The cache entry is superseded before
// returning, so any Evaluate issued after a successful Update sees it.
func (e *Evaluator) Update(ctx context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error) {
	if upd.SubscriptionStatus != nil && !upd.SubscriptionStatus.Valid() {
		return nil, apperr.Invalid("unknown subscription status %q", *upd.SubscriptionStatus)
	}
	if upd.Empty() {
		return e.Get(ctx, customerID, cache.ReadOptions{SkipCache: true})
	}

	wctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	acl, err := e.repo.Update(wctx, customerID, upd)
	if err != nil {
		return nil, apperr.Passthrough(err)
	}

	if err := e.cache.Supersede(ctx, cache.NamespaceACL, customerID, acl.Version); err != nil {
		e.log.Error("acl cache supersede failed after update",
			zap.String("customer_id", customerID), zap.Int64("version", acl.Version), zap.Error(err))
		return nil, apperr.Unavailable(fmt.Errorf("invalidate acl %s: %w", customerID, err))
	}
	cache.SetJSON(e.cache, cache.NamespaceACL, customerID, acl, acl.Version)

	e.log.Info("acl updated", zap.String("customer_id", customerID), zap.Int64("version", acl.Version))
	return acl, nil
}
