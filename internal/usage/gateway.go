// Package usage ingests usage reports and applies each logical event at most
// once through the entitlement authority.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/cache"
	"github.com/jmehdipour/entitlements/internal/metrics"
	"github.com/jmehdipour/entitlements/internal/model"
	"go.uber.org/zap"
)

type Authority interface {
	GetEntitlement(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (*model.Entitlement, error)
	ApplyUsage(ctx context.Context, customerID, featureSlug string, quantity int64, hash string) (*model.UsageOutcome, error)
}

type ACL interface {
	Evaluate(ctx context.Context, customerID string, opts cache.ReadOptions) (model.Verdict, error)
	Update(ctx context.Context, customerID string, upd model.ACLUpdate) (*model.AccessControlList, error)
}

type Gateway struct {
	authority Authority
	acl       ACL
	cache     *cache.Tier
	log       *zap.Logger
}

func NewGateway(authority Authority, acl ACL, tier *cache.Tier, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{authority: authority, acl: acl, cache: tier, log: log.Named("usage")}
}

// Hash fingerprints a logical usage event. Fields are length-prefixed so
// ("ab","c") and ("a","bc") never collide.
func Hash(customerID, featureSlug, idempotencyKey string) string {
	h := sha256.New()
	var n [8]byte
	for _, part := range []string{customerID, featureSlug, idempotencyKey} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashKey(customerID, hash string) string { return customerID + ":" + hash }

// Verdict runs the ACL fast path for featureSlug. Reading a counter rolls it
// over and lifts the usage-limit flag, so a flagged customer whose counter has
// room again is evaluated once more against the store.
func (g *Gateway) Verdict(ctx context.Context, customerID, featureSlug string, opts cache.ReadOptions) (model.Verdict, *model.Entitlement, error) {
	verdict, err := g.acl.Evaluate(ctx, customerID, opts)
	if err != nil || verdict.Allow || verdict.Reason != model.ReasonUsageLimitReached {
		return verdict, nil, err
	}
	e, err := g.authority.GetEntitlement(ctx, customerID, featureSlug, opts)
	if err != nil {
		return verdict, nil, nil
	}
	if e.Denial != model.ReasonNone || (e.Exhausted() && e.OveragePolicy != model.OverageAllow) {
		return verdict, e, nil
	}
	verdict, err = g.acl.Evaluate(ctx, customerID, cache.ReadOptions{SkipCache: true})
	return verdict, e, err
}

// ReportUsage applies quantity for the event identified by idempotencyKey.
// Retries of the same event return the first outcome with Duplicate set.
func (g *Gateway) ReportUsage(ctx context.Context, customerID, featureSlug string, quantity int64, idempotencyKey string) (*model.UsageOutcome, error) {
	if customerID == "" || featureSlug == "" {
		return nil, apperr.Invalid("customer id and feature slug are required")
	}
	if idempotencyKey == "" {
		return nil, apperr.Invalid("idempotency key is required")
	}
	if quantity <= 0 {
		return nil, apperr.Invalid("quantity must be positive, got %d", quantity)
	}

	hash := Hash(customerID, featureSlug, idempotencyKey)
	if prior, _, ok := cache.GetJSON[model.UsageOutcome](ctx, g.cache, cache.NamespaceUsageByHash, hashKey(customerID, hash), cache.ReadOptions{}); ok {
		prior.Duplicate = true
		metrics.UsageReports.WithLabelValues("duplicate").Inc()
		return prior, nil
	}

	verdict, e, err := g.Verdict(ctx, customerID, featureSlug, cache.ReadOptions{})
	if err != nil {
		metrics.UsageReports.WithLabelValues("error").Inc()
		return nil, err
	}
	if !verdict.Allow {
		metrics.UsageReports.WithLabelValues("denied").Inc()
		out := &model.UsageOutcome{Reason: verdict.Reason, Entitlement: e}
		if e == nil {
			out.Entitlement, _ = g.authority.GetEntitlement(ctx, customerID, featureSlug, cache.ReadOptions{})
		}
		if out.Entitlement != nil {
			out.LimitReached = out.Entitlement.Exhausted()
		}
		return out, nil
	}

	out, err := g.authority.ApplyUsage(ctx, customerID, featureSlug, quantity, hash)
	if err != nil {
		metrics.UsageReports.WithLabelValues("error").Inc()
		return nil, err
	}

	switch {
	case out.Duplicate:
		metrics.UsageReports.WithLabelValues("duplicate").Inc()
	case out.Applied > 0:
		metrics.UsageReports.WithLabelValues("applied").Inc()
	default:
		metrics.UsageReports.WithLabelValues("denied").Inc()
	}

	if out.LimitReached && !out.Duplicate && out.Entitlement != nil &&
		out.Entitlement.OveragePolicy != model.OverageAllow {
		flag := true
		if _, err := g.acl.Update(ctx, customerID, model.ACLUpdate{UsageLimitReached: &flag}); err != nil {
			g.log.Error("flag usage limit reached",
				zap.String("customer_id", customerID),
				zap.String("feature", featureSlug),
				zap.Error(err))
		}
	}

	if out.Applied > 0 || out.Duplicate {
		cache.SetJSON(g.cache, cache.NamespaceUsageByHash, hashKey(customerID, hash), out, out.Entitlement.Version)
	}
	return out, nil
}
