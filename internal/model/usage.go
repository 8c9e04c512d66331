package model

import "time"

// UsageReportRecord guarantees exactly-once application of a usage delta.
// Immutable once written.
type UsageReportRecord struct {
	IdempotencyHash string    `db:"idempotency_hash" json:"idempotency_hash"`
	CustomerID      string    `db:"customer_id"      json:"customer_id"`
	FeatureSlug     string    `db:"feature_slug"     json:"feature_slug"`
	Quantity        int64     `db:"quantity"         json:"quantity"`
	Applied         int64     `db:"applied"          json:"applied"`
	AppliedAt       time.Time `db:"applied_at"       json:"applied_at"`
}
