package model

import "time"

// UsageEnvelope is the payload of the usage.reports topic.
type UsageEnvelope struct {
	CustomerID     string `json:"customer_id"`
	FeatureSlug    string `json:"feature_slug"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

// PaymentEnvelope is the payload of the billing.payments topic.
type PaymentEnvelope struct {
	SubscriptionID string         `json:"subscription_id"`
	PeriodStart    time.Time      `json:"period_start"`
	PeriodEnd      time.Time      `json:"period_end"`
	Outcome        PaymentOutcome `json:"outcome"`
}
