package model

import "time"

// Reason explains an access denial.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonCustomerDisabled    Reason = "CUSTOMER_DISABLED"
	ReasonUsageLimitReached   Reason = "USAGE_LIMIT_REACHED"
	ReasonSubscriptionInvalid Reason = "SUBSCRIPTION_INVALID"
)

func (r Reason) String() string { return string(r) }

type Entitlement struct {
	CustomerID    string        `db:"customer_id"    json:"customer_id"`
	FeatureSlug   string        `db:"feature_slug"   json:"feature_slug"`
	Limit         int64         `db:"usage_limit"    json:"limit"`
	Used          int64         `db:"used"           json:"used"`
	ResetAt       time.Time     `db:"reset_at"       json:"reset_at"`
	Version       int64         `db:"version"        json:"version"`
	OveragePolicy OveragePolicy `db:"overage_policy" json:"overage_policy"`
	UpdatedAt     time.Time     `db:"updated_at"     json:"updated_at"`

	// Denial is set when the subscription status withholds access; Limit is 0 then.
	Denial Reason `db:"-" json:"denial,omitempty"`
	// SubscriptionVersion is the subscription view the value was derived under.
	// Cached values from an older view are not served.
	SubscriptionVersion int64 `db:"-" json:"subscription_version,omitempty"`
}

func (e *Entitlement) Unlimited() bool { return e.Limit == Unlimited }

// Remaining returns the quota left, or -1 when unlimited.
func (e *Entitlement) Remaining() int64 {
	if e.Unlimited() {
		return Unlimited
	}
	if e.Used >= e.Limit {
		return 0
	}
	return e.Limit - e.Used
}

// Exhausted reports whether no further usage fits under the limit.
func (e *Entitlement) Exhausted() bool {
	return !e.Unlimited() && e.Used >= e.Limit
}

// Decision is the answer of an entitlement check. Denials are values, not errors.
type Decision struct {
	Allow       bool         `json:"allow"`
	Reason      Reason       `json:"reason,omitempty"`
	Entitlement *Entitlement `json:"entitlement,omitempty"`
}

func Allow(e *Entitlement) *Decision { return &Decision{Allow: true, Entitlement: e} }

func Deny(r Reason, e *Entitlement) *Decision {
	return &Decision{Allow: false, Reason: r, Entitlement: e}
}

// UsageOutcome is what a usage report produced.
type UsageOutcome struct {
	Entitlement  *Entitlement `json:"entitlement"`
	Applied      int64        `json:"applied"`
	Duplicate    bool         `json:"duplicate"`
	LimitReached bool         `json:"limit_reached"`
	Reason       Reason       `json:"reason,omitempty"`
}
