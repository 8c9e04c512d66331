package subscription

import (
	"context"
	"time"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/model"
	"github.com/jmehdipour/entitlements/internal/util"
	"go.uber.org/zap"
)

type PhaseRequest struct {
	PlanVersionID string            `json:"plan_version_id"`
	StartAt       *time.Time        `json:"start_at,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// CreatePhase schedules a new phase at req.StartAt, closing the open phase at
// that boundary. Without StartAt the boundary is now.
func (m *Machine) CreatePhase(ctx context.Context, subscriptionID string, req PhaseRequest) (*model.Subscription, error) {
	return m.schedule(ctx, subscriptionID, req)
}

// ChangePhasePlan switches the subscription to another plan version, by
// default immediately.
func (m *Machine) ChangePhasePlan(ctx context.Context, subscriptionID, planVersionID string, at *time.Time) (*model.Subscription, error) {
	return m.schedule(ctx, subscriptionID, PhaseRequest{PlanVersionID: planVersionID, StartAt: at})
}

func (m *Machine) schedule(ctx context.Context, subscriptionID string, req PhaseRequest) (*model.Subscription, error) {
	if req.PlanVersionID == "" {
		return nil, apperr.Invalid("plan_version_id is required")
	}
	if _, err := m.plans.GetVersion(ctx, req.PlanVersionID); err != nil {
		return nil, apperr.Passthrough(err)
	}

	sub, err := m.mutate(ctx, subscriptionID, func(sub *model.Subscription, now time.Time) error {
		if sub.Status.Terminal() {
			return apperr.Invalid("subscription %s is %s", sub.ID, sub.Status)
		}
		boundary := now
		if req.StartAt != nil {
			boundary = req.StartAt.UTC()
		}
		if boundary.Before(now) {
			return apperr.Invalid("phase boundary %s is in the past", boundary.Format(time.RFC3339))
		}
		if sub.CancelAt != nil && !boundary.Before(*sub.CancelAt) {
			return apperr.Invalid("phase boundary is after the scheduled cancellation")
		}

		last, ok := sub.LastPhase()
		if !ok {
			return apperr.Invalid("subscription %s has no phases", sub.ID)
		}
		if !boundary.After(last.StartAt) {
			return apperr.Invalid("phase boundary must be after the start of phase %d", last.SequenceIndex)
		}
		if last.EndAt != nil && !boundary.Before(*last.EndAt) {
			return apperr.Invalid("phase boundary is after the end of the subscription term")
		}

		// close and open in the same save
		end := boundary
		next := model.Phase{
			ID:             util.NewID("phs"),
			SubscriptionID: sub.ID,
			PlanVersionID:  req.PlanVersionID,
			StartAt:        boundary,
			EndAt:          copyTime(last.EndAt),
			SequenceIndex:  last.SequenceIndex + 1,
			Params:         req.Params,
		}
		last.EndAt = &end
		sub.Phases = append(sub.Phases, next)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("phase scheduled",
		zap.String("subscription_id", sub.ID),
		zap.String("plan_version_id", req.PlanVersionID))
	return sub, nil
}

// UpdatePhase merges params into a phase that has not ended yet. An empty
// value removes the key. Structural fields are never touched.
func (m *Machine) UpdatePhase(ctx context.Context, subscriptionID, phaseID string, params map[string]string) (*model.Subscription, error) {
	if len(params) == 0 {
		return nil, apperr.Invalid("params are required")
	}
	return m.mutate(ctx, subscriptionID, func(sub *model.Subscription, now time.Time) error {
		p := findPhase(sub, phaseID)
		if p == nil {
			return apperr.NotFound("phase", phaseID)
		}
		if p.Closed(now) {
			return apperr.Invalid("phase %s is closed", phaseID)
		}
		if p.Params == nil {
			p.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			if v == "" {
				delete(p.Params, k)
				continue
			}
			p.Params[k] = v
		}
		return nil
	})
}

// RemovePhase drops a phase that has not started. Its predecessor takes over
// its end, which re-opens the predecessor when the removed phase was last.
func (m *Machine) RemovePhase(ctx context.Context, subscriptionID, phaseID string) (*model.Subscription, error) {
	return m.mutate(ctx, subscriptionID, func(sub *model.Subscription, now time.Time) error {
		idx := -1
		for i := range sub.Phases {
			if sub.Phases[i].ID == phaseID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.NotFound("phase", phaseID)
		}
		removed := sub.Phases[idx]
		if !removed.Future(now) {
			return apperr.Invalid("phase %s already started", phaseID)
		}
		if idx == 0 {
			return apperr.Invalid("the first phase cannot be removed")
		}

		sub.Phases[idx-1].EndAt = copyTime(removed.EndAt)
		sub.Phases = append(sub.Phases[:idx], sub.Phases[idx+1:]...)
		return nil
	})
}

// Cancel ends the subscription now, or schedules the end at at. Phases after
// the cancellation point are dropped and the covering phase is closed there.
func (m *Machine) Cancel(ctx context.Context, subscriptionID string, at *time.Time) (*model.Subscription, error) {
	sub, err := m.mutate(ctx, subscriptionID, func(sub *model.Subscription, now time.Time) error {
		if sub.Status.Terminal() {
			return apperr.Invalid("subscription %s is already %s", sub.ID, sub.Status)
		}
		when := now
		if at != nil {
			when = at.UTC()
		}
		if when.Before(now) {
			return apperr.Invalid("cancellation time is in the past")
		}
		if sub.EndAt != nil && when.After(*sub.EndAt) {
			return apperr.Invalid("cancellation is after the end of the subscription term")
		}

		kept := sub.Phases[:0]
		for _, p := range sub.Phases {
			if !p.StartAt.Before(when) {
				continue
			}
			if p.EndAt == nil || p.EndAt.After(when) {
				end := when
				p.EndAt = &end
			}
			kept = append(kept, p)
		}
		sub.Phases = kept

		end := when
		sub.CancelAt = &end
		sub.EndAt = copyTime(&end)
		if !when.After(now) {
			if !model.CanTransition(sub.Status, model.StatusCanceled) {
				return apperr.Invalid("cannot cancel a %s subscription", sub.Status)
			}
			sub.Status = model.StatusCanceled
			sub.CanceledAt = copyTime(&end)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("subscription canceled",
		zap.String("subscription_id", sub.ID),
		zap.Timep("cancel_at", sub.CancelAt),
		zap.String("status", sub.Status.String()))
	return sub, nil
}

func findPhase(sub *model.Subscription, id string) *model.Phase {
	for i := range sub.Phases {
		if sub.Phases[i].ID == id {
			return &sub.Phases[i]
		}
	}
	return nil
}
