// Package subscription manages subscription phases and derives the status
// consumed by the ACL evaluator and the entitlement authority.
package subscription

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
	"github.com/jmehdipour/entitlements/internal/util"
	"go.uber.org/zap"
)

// ChangeHook runs after a subscription of the customer was mutated. It may be
// called while the entitlement authority holds the customer's lock, so it must
// not block on entitlement work.
type ChangeHook func(ctx context.Context, customerID string)

type Options struct {
	MaxRetries int
	OnChange   ChangeHook
	Logger     *zap.Logger
	Now        func() time.Time
}

type Machine struct {
	subs      repository.SubscriptionsRepository
	plans     repository.PlansRepository
	customers repository.CustomersRepository
	invoices  repository.InvoicesRepository
	cache     *cache.Tier

	maxRetries int
	onChange   ChangeHook
	log        *zap.Logger
	now        func() time.Time
}

func NewMachine(
	subs repository.SubscriptionsRepository,
	plans repository.PlansRepository,
	customers repository.CustomersRepository,
	invoices repository.InvoicesRepository,
	tier *cache.Tier,
	opts Options,
) *Machine {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		subs:       subs,
		plans:      plans,
		customers:  customers,
		invoices:   invoices,
		cache:      tier,
		maxRetries: opts.MaxRetries,
		onChange:   opts.OnChange,
		log:        opts.Logger.Named("subscription"),
		now:        opts.Now,
	}
}

type CreateRequest struct {
	CustomerID    string            `json:"customer_id"`
	PlanVersionID string            `json:"plan_version_id"`
	Timezone      string            `json:"timezone"`
	EndAt         *time.Time        `json:"end_at,omitempty"` // fixed term
	Params        map[string]string `json:"params,omitempty"`
}

// Create opens a subscription with a single open phase. It fails with
// ErrConflict while the customer holds a live subscription.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*model.Subscription, error) {
	if req.CustomerID == "" || req.PlanVersionID == "" {
		return nil, apperr.Invalid("customer_id and plan_version_id are required")
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return nil, apperr.Invalid("unknown timezone %q", req.Timezone)
	}
	if _, err := m.customers.Get(ctx, req.CustomerID); err != nil {
		return nil, apperr.Passthrough(err)
	}
	plan, err := m.plans.GetVersion(ctx, req.PlanVersionID)
	if err != nil {
		return nil, apperr.Passthrough(err)
	}

	now := m.now().UTC()
	if req.EndAt != nil && !req.EndAt.After(now) {
		return nil, apperr.Invalid("end_at must be in the future")
	}

	// versions stay monotonic per customer so cache fences of an old
	// subscription never reject the new one
	var version int64 = 1
	prev, err := m.subs.LatestByCustomer(ctx, req.CustomerID)
	switch {
	case err == nil:
		prev, err = m.refresh(ctx, prev)
		if err != nil {
			return nil, err
		}
		if !prev.Status.Terminal() {
			return nil, fmt.Errorf("customer %s already has subscription %s: %w", req.CustomerID, prev.ID, apperr.ErrConflict)
		}
		version = prev.Version + 1
	case !apperr.IsNotFound(err):
		return nil, apperr.Passthrough(err)
	}

	sub := &model.Subscription{
		ID:                 util.NewID("sub"),
		CustomerID:         req.CustomerID,
		PlanVersionID:      plan.ID,
		Status:             model.StatusActive,
		Timezone:           req.Timezone,
		BillingCycleAnchor: now,
		EndAt:              copyTime(req.EndAt),
		Version:            version,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = model.StatusTrialing
		sub.TrialEndsAt = &trialEnd
	}

	phase := model.Phase{
		ID:             util.NewID("phs"),
		SubscriptionID: sub.ID,
		PlanVersionID:  plan.ID,
		StartAt:        now,
		EndAt:          copyTime(req.EndAt),
		SequenceIndex:  0,
		Params:         req.Params,
	}
	sub.Phases = []model.Phase{phase}
	sub.CurrentPhaseID = phase.ID

	if err := model.ValidatePhases(sub.Phases); err != nil {
		return nil, apperr.Invalid("%v", err)
	}
	if err := m.subs.Create(ctx, sub); err != nil {
		return nil, apperr.Passthrough(err)
	}

	metrics.SubscriptionTransitions.WithLabelValues("", sub.Status.String()).Inc()
	m.log.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("customer_id", sub.CustomerID),
		zap.String("plan_version_id", sub.PlanVersionID),
		zap.String("status", sub.Status.String()))

	m.changed(ctx, sub)
	return sub, nil
}

// Get returns the subscription with time-based transitions applied.
func (m *Machine) Get(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := m.subs.Get(ctx, id)
	if err != nil {
		return nil, apperr.Passthrough(err)
	}
	return m.refresh(ctx, sub)
}

// Resolve returns the derived view of the customer's latest subscription.
func (m *Machine) Resolve(ctx context.Context, customerID string, opts cache.ReadOptions) (*model.SubscriptionView, error) {
	now := m.now().UTC()
	if v, _, ok := cache.GetJSON[model.SubscriptionView](ctx, m.cache, cache.NamespaceSubscription, customerID, opts); ok && !v.Stale(now) {
		return v, nil
	}

	sub, err := m.subs.LatestByCustomer(ctx, customerID)
	if err != nil {
		return nil, apperr.Passthrough(err)
	}
	sub, err = m.refresh(ctx, sub)
	if err != nil {
		return nil, err
	}

	view := viewOf(sub, now)
	cache.SetJSON(m.cache, cache.NamespaceSubscription, customerID, view, sub.Version)
	return view, nil
}

// refresh persists any transition that became due since the last write.
func (m *Machine) refresh(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	for attempt := 0; ; attempt++ {
		next := sub.Clone()
		from := next.Status
		if !advance(next, m.now().UTC()) {
			return sub, nil
		}
		next.Version = sub.Version + 1
		next.UpdatedAt = m.now().UTC()

		err := m.subs.Save(ctx, next, sub.Version)
		if err == nil {
			m.transitioned(ctx, next, from)
			return next, nil
		}
		if !apperr.IsConflict(err) || attempt >= m.maxRetries {
			return nil, apperr.Passthrough(err)
		}
		if sub, err = m.subs.Get(ctx, sub.ID); err != nil {
			return nil, apperr.Passthrough(err)
		}
	}
}

// errUnchanged lets a mutation report that it has nothing to write.
var errUnchanged = errors.New("unchanged")

// mutate loads the subscription, applies fn and saves it at the loaded
// version, retrying on concurrent writes.
func (m *Machine) mutate(ctx context.Context, id string, fn func(sub *model.Subscription, now time.Time) error) (*model.Subscription, error) {
	for attempt := 0; ; attempt++ {
		if err := apperr.FromContext(ctx); err != nil {
			return nil, err
		}
		cur, err := m.subs.Get(ctx, id)
		if err != nil {
			return nil, apperr.Passthrough(err)
		}

		now := m.now().UTC()
		next := cur.Clone()
		from := next.Status
		due := advance(next, now)
		if err := fn(next, now); errors.Is(err, errUnchanged) {
			if !due {
				return cur, nil
			}
		} else if err != nil {
			return nil, err
		}
		if err := model.ValidatePhases(next.Phases); err != nil {
			return nil, apperr.Invalid("%v", err)
		}
		advance(next, now)
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		err = m.subs.Save(ctx, next, cur.Version)
		if err == nil {
			m.transitioned(ctx, next, from)
			return next, nil
		}
		if !apperr.IsConflict(err) || attempt >= m.maxRetries {
			return nil, apperr.Passthrough(err)
		}
	}
}

func (m *Machine) transitioned(ctx context.Context, sub *model.Subscription, from model.SubscriptionStatus) {
	if sub.Status != from {
		metrics.SubscriptionTransitions.WithLabelValues(from.String(), sub.Status.String()).Inc()
		m.log.Info("subscription status changed",
			zap.String("subscription_id", sub.ID),
			zap.String("from", from.String()),
			zap.String("to", sub.Status.String()))
	}
	m.changed(ctx, sub)
}

// changed fences the cached view, drops the customer's cached entitlements
// and notifies the hook. Cache failures are logged only.
func (m *Machine) changed(ctx context.Context, sub *model.Subscription) {
	if err := m.cache.Supersede(ctx, cache.NamespaceSubscription, sub.CustomerID, sub.Version); err != nil {
		m.log.Warn("subscription cache supersede failed", zap.String("customer_id", sub.CustomerID), zap.Error(err))
	}
	if err := m.cache.InvalidateAll(ctx, cache.NamespaceEntitlement, sub.CustomerID+":"); err != nil {
		m.log.Warn("entitlement cache purge failed", zap.String("customer_id", sub.CustomerID), zap.Error(err))
	}
	if m.onChange != nil {
		m.onChange(ctx, sub.CustomerID)
	}
}

// advance applies the transitions that are due at now and tracks the
// current phase. It reports whether anything changed.
func advance(sub *model.Subscription, now time.Time) bool {
	status, phase, plan := sub.Status, sub.CurrentPhaseID, sub.PlanVersionID

	if sub.Status == model.StatusTrialing && sub.TrialEndsAt != nil && !now.Before(*sub.TrialEndsAt) {
		sub.Status = model.StatusActive
	}
	if !sub.Status.Terminal() && sub.CancelAt != nil && !now.Before(*sub.CancelAt) {
		sub.Status = model.StatusCanceled
		sub.CanceledAt = copyTime(sub.CancelAt)
	}
	if !sub.Status.Terminal() && sub.EndAt != nil && !now.Before(*sub.EndAt) {
		sub.Status = model.StatusExpired
	}

	if p, ok := sub.PhaseAt(now); ok {
		sub.CurrentPhaseID = p.ID
		sub.PlanVersionID = p.PlanVersionID
	} else if sub.Status.Terminal() {
		sub.CurrentPhaseID = ""
	}

	return status != sub.Status || phase != sub.CurrentPhaseID || plan != sub.PlanVersionID
}

func viewOf(sub *model.Subscription, now time.Time) *model.SubscriptionView {
	v := &model.SubscriptionView{
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		Status:             sub.Status,
		PlanVersionID:      sub.PlanVersionID,
		PhaseID:            sub.CurrentPhaseID,
		Timezone:           sub.Timezone,
		BillingCycleAnchor: sub.BillingCycleAnchor,
		Version:            sub.Version,
	}
	if sub.Status.Terminal() {
		return v
	}

	var until *time.Time
	consider := func(t *time.Time) {
		if t != nil && t.After(now) && (until == nil || t.Before(*until)) {
			until = copyTime(t)
		}
	}
	if sub.Status == model.StatusTrialing {
		consider(sub.TrialEndsAt)
	}
	consider(sub.CancelAt)
	consider(sub.EndAt)
	for i := range sub.Phases {
		consider(&sub.Phases[i].StartAt)
		consider(sub.Phases[i].EndAt)
	}
	v.ValidUntil = until
	return v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
