package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/util"
	"go.uber.org/zap"
)

const paymentPending = "pending"

// Invoice freezes the phases and status of period for the billing
// collaborator. Repeated calls for the same period return the first snapshot.
func (m *Machine) Invoice(ctx context.Context, subscriptionID string, period model.Period) (*model.InvoiceSnapshot, error) {
	if !period.Valid() {
		return nil, apperr.Invalid("period end must be after its start")
	}
	period = model.Period{Start: period.Start.UTC(), End: period.End.UTC()}

	if inv, err := m.invoices.GetByPeriod(ctx, subscriptionID, period); err == nil {
		return inv, nil
	} else if !apperr.IsNotFound(err) {
		return nil, apperr.Passthrough(err)
	}

	sub, err := m.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	inv := &model.InvoiceSnapshot{
		ID:             util.NewID("inv"),
		SubscriptionID: sub.ID,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		Status:         sub.Status,
		Phases:         phasesIn(sub.Phases, period),
		PaymentStatus:  paymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = m.invoices.Insert(ctx, inv)
	if errors.Is(err, apperr.ErrDuplicate) {
		return m.invoices.GetByPeriod(ctx, subscriptionID, period)
	}
	if err != nil {
		return nil, apperr.Passthrough(err)
	}

	m.log.Info("invoice snapshot taken",
		zap.String("subscription_id", sub.ID),
		zap.String("invoice_id", inv.ID),
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End))
	return inv, nil
}

// RecordPayment applies a payment outcome reported by the billing collaborator:
// a failed payment moves a live subscription to past_due, a paid one brings it back.
func (m *Machine) RecordPayment(ctx context.Context, subscriptionID string, period model.Period, outcome model.PaymentOutcome) (*model.Subscription, error) {
	if !outcome.Valid() {
		return nil, apperr.Invalid("unknown payment outcome %q", outcome)
	}
	inv, err := m.Invoice(ctx, subscriptionID, period)
	if err != nil {
		return nil, err
	}
	if err := m.invoices.SetPaymentStatus(ctx, inv.ID, outcome); err != nil {
		return nil, apperr.Passthrough(err)
	}

	return m.mutate(ctx, subscriptionID, func(sub *model.Subscription, _ time.Time) error {
		target := model.StatusPastDue
		if outcome == model.PaymentPaid {
			if sub.Status != model.StatusPastDue {
				return errUnchanged
			}
			target = model.StatusActive
		}
		if sub.Status == target || sub.Status.Terminal() {
			return errUnchanged
		}
		if !model.CanTransition(sub.Status, target) {
			return apperr.Invalid("cannot move a %s subscription to %s", sub.Status, target)
		}
		sub.Status = target
		return nil
	})
}

// phasesIn returns copies of the phases overlapping period.
func phasesIn(phases []model.Phase, period model.Period) []model.Phase {
	var out []model.Phase
	for _, p := range phases {
		if !p.StartAt.Before(period.End) {
			continue
		}
		if p.EndAt != nil && !p.EndAt.After(period.Start) {
			continue
		}
		out = append(out, p)
	}
	return out
}
