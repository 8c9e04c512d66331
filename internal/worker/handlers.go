package worker

import (
	"context"
	"encoding/json"

	"github.com/jmehdipour/entitlements/internal/apperr"
	"github.com/jmehdipour/entitlements/internal/kafka"
	"github.com/jmehdipour/entitlements/internal/model"
	"go.uber.org/zap"
)

type UsageReporter interface {
	ReportUsage(ctx context.Context, customerID, featureSlug string, quantity int64, idempotencyKey string) (*model.UsageOutcome, error)
}

// UsageHandler applies usage.reports envelopes. Producers deliver at least
// once; the idempotency key makes redelivery a no-op.
func UsageHandler(reporter UsageReporter, log *zap.Logger) Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, m kafka.Message) error {
		var env model.UsageEnvelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return apperr.Invalid("bad usage envelope: %v", err)
		}
		out, err := reporter.ReportUsage(ctx, env.CustomerID, env.FeatureSlug, env.Quantity, env.IdempotencyKey)
		if err != nil {
			return err
		}
		if out.Reason != model.ReasonNone {
			log.Info("usage report denied",
				zap.String("customer_id", env.CustomerID),
				zap.String("feature", env.FeatureSlug),
				zap.Int64("applied", out.Applied),
				zap.String("reason", out.Reason.String()))
		}
		return nil
	}
}

type PaymentRecorder interface {
	RecordPayment(ctx context.Context, subscriptionID string, period model.Period, outcome model.PaymentOutcome) (*model.Subscription, error)
}

// PaymentHandler applies billing.payments envelopes to the subscription.
func PaymentHandler(recorder PaymentRecorder, log *zap.Logger) Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, m kafka.Message) error {
		var env model.PaymentEnvelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			return apperr.Invalid("bad payment envelope: %v", err)
		}
		period := model.Period{Start: env.PeriodStart, End: env.PeriodEnd}
		sub, err := recorder.RecordPayment(ctx, env.SubscriptionID, period, env.Outcome)
		if err != nil {
			return err
		}
		log.Info("payment recorded",
			zap.String("subscription_id", sub.ID),
			zap.String("outcome", string(env.Outcome)),
			zap.String("status", sub.Status.String()))
		return nil
	}
}
