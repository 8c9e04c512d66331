package model

import (
	"strings"
	"time"
)

// Unlimited is the limit sentinel that always passes the capacity check.
const Unlimited int64 = -1

type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// OveragePolicy decides what happens when a report would exceed the limit.
type OveragePolicy string

const (
	// OverageHardCap applies usage up to the limit and flags the customer.
	OverageHardCap OveragePolicy = "hard_cap"
	// OverageAllow applies the full quantity and flags the customer.
	OverageAllow OveragePolicy = "allow_overage"
)

// ParseOveragePolicy normalizes input; empty => hard_cap.
func ParseOveragePolicy(s string) (OveragePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hard_cap":
		return OverageHardCap, true
	case "allow_overage":
		return OverageAllow, true
	default:
		return OverageHardCap, false
	}
}

type PlanVersion struct {
	ID              string          `db:"id"               json:"id"`
	PlanSlug        string          `db:"plan_slug"        json:"plan_slug"`
	Version         int             `db:"version"          json:"version"`
	TrialDays       int             `db:"trial_days"       json:"trial_days"`
	BillingInterval BillingInterval `db:"billing_interval" json:"billing_interval"`
	IntervalCount   int             `db:"interval_count"   json:"interval_count"`
	Features        []PlanFeature   `db:"-"                json:"features"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
}

type PlanFeature struct {
	PlanVersionID string        `db:"plan_version_id" json:"plan_version_id"`
	FeatureSlug   string        `db:"feature_slug"    json:"feature_slug"`
	Limit         int64         `db:"usage_limit"     json:"limit"`
	OveragePolicy OveragePolicy `db:"overage_policy"  json:"overage_policy"`
}

// Feature returns the plan feature with the given slug.
func (p *PlanVersion) Feature(slug string) (PlanFeature, bool) {
	for _, f := range p.Features {
		if f.FeatureSlug == slug {
			return f, true
		}
	}
	return PlanFeature{}, false
}

// AdvanceCycle moves t forward by n billing intervals. Month and year steps
// are calendar based in t's location.
func (p *PlanVersion) AdvanceCycle(t time.Time, n int) time.Time {
	count := p.IntervalCount
	if count <= 0 {
		count = 1
	}
	step := count * n
	switch p.BillingInterval {
	case IntervalDay:
		return t.AddDate(0, 0, step)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*step)
	case IntervalYear:
		return t.AddDate(step, 0, 0)
	default:
		return t.AddDate(0, step, 0)
	}
}

// NextReset returns the first cycle boundary after now, counting from anchor.
func (p *PlanVersion) NextReset(anchor, now time.Time) time.Time {
	next := anchor
	for i := 1; !next.After(now); i++ {
		next = p.AdvanceCycle(anchor, i)
	}
	return next
}
