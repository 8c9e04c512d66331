package model

import "time"

type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Valid() bool { return p.End.After(p.Start) }

// InvoiceSnapshot freezes the phase/status data of a billing period for the
// external invoicing collaborator.
type InvoiceSnapshot struct {
	ID             string             `db:"id"              json:"id"`
	SubscriptionID string             `db:"subscription_id" json:"subscription_id"`
	PeriodStart    time.Time          `db:"period_start"    json:"period_start"`
	PeriodEnd      time.Time          `db:"period_end"      json:"period_end"`
	Status         SubscriptionStatus `db:"status"          json:"status"`
	Phases         []Phase            `db:"-"               json:"phases"`
	PaymentStatus  string             `db:"payment_status"  json:"payment_status"` // pending|paid|failed
	CreatedAt      time.Time          `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time          `db:"updated_at"      json:"updated_at"`
}

type PaymentOutcome string

const (
	PaymentPaid   PaymentOutcome = "paid"
	PaymentFailed PaymentOutcome = "failed"
)

func (o PaymentOutcome) Valid() bool { return o == PaymentPaid || o == PaymentFailed }
