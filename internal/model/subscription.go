package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Terminal statuses can only be left by creating a new subscription.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled, StatusExpired},
	StatusActive:   {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusExpired},
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusPolicy decides which subscription statuses grant access.
type StatusPolicy struct {
	AllowPastDue bool
}

func (p StatusPolicy) Allows(s SubscriptionStatus) bool {
	switch s {
	case StatusTrialing, StatusActive:
		return true
	case StatusPastDue:
		return p.AllowPastDue
	default:
		return false
	}
}

type Subscription struct {
	ID                 string             `db:"id"                   json:"id"`
	CustomerID         string             `db:"customer_id"          json:"customer_id"`
	PlanVersionID      string             `db:"plan_version_id"      json:"plan_version_id"`
	Status             SubscriptionStatus `db:"status"               json:"status"`
	CurrentPhaseID     string             `db:"current_phase_id"     json:"current_phase_id"`
	Timezone           string             `db:"timezone"             json:"timezone"`
	BillingCycleAnchor time.Time          `db:"billing_cycle_anchor" json:"billing_cycle_anchor"`
	TrialEndsAt        *time.Time         `db:"trial_ends_at"        json:"trial_ends_at,omitempty"`
	CancelAt           *time.Time         `db:"cancel_at"            json:"cancel_at,omitempty"`
	CanceledAt         *time.Time         `db:"canceled_at"          json:"canceled_at,omitempty"`
	EndAt              *time.Time         `db:"end_at"               json:"end_at,omitempty"`
	Version            int64              `db:"version"              json:"version"`
	CreatedAt          time.Time          `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"           json:"updated_at"`

	Phases []Phase `db:"-" json:"phases"`
}

// Location resolves the subscription timezone, falling back to UTC.
func (s *Subscription) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PhaseAt returns the phase covering t, if any.
func (s *Subscription) PhaseAt(t time.Time) (*Phase, bool) {
	for i := range s.Phases {
		if s.Phases[i].Covers(t) {
			return &s.Phases[i], true
		}
	}
	return nil, false
}

// LastPhase returns the phase with the highest sequence index.
func (s *Subscription) LastPhase() (*Phase, bool) {
	if len(s.Phases) == 0 {
		return nil, false
	}
	return &s.Phases[len(s.Phases)-1], true
}

// Clone returns a deep copy safe to mutate.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Phases = make([]Phase, len(s.Phases))
	for i, p := range s.Phases {
		c.Phases[i] = p.clone()
	}
	return &c
}

type Phase struct {
	ID             string            `db:"id"              json:"id"`
	SubscriptionID string            `db:"subscription_id" json:"subscription_id"`
	PlanVersionID  string            `db:"plan_version_id" json:"plan_version_id"`
	StartAt        time.Time         `db:"start_at"        json:"start_at"`
	EndAt          *time.Time        `db:"end_at"          json:"end_at,omitempty"`
	SequenceIndex  int               `db:"sequence_index"  json:"sequence_index"`
	Params         map[string]string `db:"-"               json:"params,omitempty"`
}

// Covers reports whether t falls in [StartAt, EndAt).
func (p *Phase) Covers(t time.Time) bool {
	if t.Before(p.StartAt) {
		return false
	}
	return p.EndAt == nil || t.Before(*p.EndAt)
}

// Closed reports whether the phase ended at or before now.
func (p *Phase) Closed(now time.Time) bool {
	return p.EndAt != nil && !p.EndAt.After(now)
}

// Future reports whether the phase has not started yet.
func (p *Phase) Future(now time.Time) bool {
	return p.StartAt.After(now)
}

func (p Phase) clone() Phase {
	if p.EndAt != nil {
		e := *p.EndAt
		p.EndAt = &e
	}
	if p.Params != nil {
		m := make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			m[k] = v
		}
		p.Params = m
	}
	return p
}

var ErrPhaseLayout = errors.New("invalid phase layout")

// ValidatePhases checks ordering, contiguity and that only the last phase may be open.
// Phases are sorted by sequence index in place.
func ValidatePhases(phases []Phase) error {
	sort.Slice(phases, func(i, j int) bool { return phases[i].SequenceIndex < phases[j].SequenceIndex })
	for i := range phases {
		p := &phases[i]
		if p.EndAt != nil && !p.EndAt.After(p.StartAt) {
			return fmt.Errorf("%w: phase %d ends before it starts", ErrPhaseLayout, p.SequenceIndex)
		}
		if i == len(phases)-1 {
			break
		}
		next := &phases[i+1]
		if next.SequenceIndex <= p.SequenceIndex {
			return fmt.Errorf("%w: sequence index %d not increasing", ErrPhaseLayout, next.SequenceIndex)
		}
		if p.EndAt == nil {
			return fmt.Errorf("%w: phase %d is open but not last", ErrPhaseLayout, p.SequenceIndex)
		}
		if !p.EndAt.Equal(next.StartAt) {
			return fmt.Errorf("%w: gap or overlap between phases %d and %d", ErrPhaseLayout, p.SequenceIndex, next.SequenceIndex)
		}
	}
	return nil
}

// SubscriptionView is the derived state consumed by the ACL evaluator and the
// entitlement authority.
type SubscriptionView struct {
	SubscriptionID     string             `json:"subscription_id"`
	CustomerID         string             `json:"customer_id"`
	Status             SubscriptionStatus `json:"status"`
	PlanVersionID      string             `json:"plan_version_id"`
	PhaseID            string             `json:"phase_id"`
	Timezone           string             `json:"timezone"`
	BillingCycleAnchor time.Time          `json:"billing_cycle_anchor"`
	Version            int64              `json:"version"`

	// ValidUntil is the next time-based boundary (trial end, phase switch,
	// cancellation); the view must be re-derived once it passes.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// Stale reports whether a time-based boundary passed since the view was built.
func (v *SubscriptionView) Stale(now time.Time) bool {
	return v.ValidUntil != nil && !now.Before(*v.ValidUntil)
}

// Location resolves the view timezone, falling back to UTC.
func (v *SubscriptionView) Location() *time.Location {
	if v.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(v.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
