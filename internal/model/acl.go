package model

import "time"

// AccessControlList holds administrative overrides for a customer. It is never
// derived from entitlement or subscription state.
type AccessControlList struct {
	CustomerID                 string              `db:"customer_id"                  json:"customer_id"`
	UsageLimitReached          bool                `db:"usage_limit_reached"          json:"usage_limit_reached"`
	Disabled                   bool                `db:"disabled"                     json:"disabled"`
	SubscriptionStatusOverride *SubscriptionStatus `db:"subscription_status_override" json:"subscription_status_override,omitempty"`
	Version                    int64               `db:"version"                      json:"version"`
	UpdatedAt                  time.Time           `db:"updated_at"                   json:"updated_at"`
}

// ACLUpdate is a partial update; nil fields are left untouched.
type ACLUpdate struct {
	UsageLimitReached *bool `json:"usage_limit_reached,omitempty"`
	Disabled          *bool `json:"customer_disabled,omitempty"`
	// SubscriptionStatus sets the override; ClearSubscriptionStatus removes it.
	SubscriptionStatus      *SubscriptionStatus `json:"subscription_status,omitempty"`
	ClearSubscriptionStatus bool                `json:"clear_subscription_status,omitempty"`
}

func (u ACLUpdate) Empty() bool {
	return u.UsageLimitReached == nil && u.Disabled == nil &&
		u.SubscriptionStatus == nil && !u.ClearSubscriptionStatus
}

// Apply merges u into a copy of acl.
func (u ACLUpdate) Apply(acl AccessControlList) AccessControlList {
	if u.UsageLimitReached != nil {
		acl.UsageLimitReached = *u.UsageLimitReached
	}
	if u.Disabled != nil {
		acl.Disabled = *u.Disabled
	}
	if u.ClearSubscriptionStatus {
		acl.SubscriptionStatusOverride = nil
	}
	if u.SubscriptionStatus != nil {
		s := *u.SubscriptionStatus
		acl.SubscriptionStatusOverride = &s
	}
	return acl
}

// Verdict is the result of the ACL fast path.
type Verdict struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason,omitempty"`
}
