package registry

import "slices"

// SubscriptionState is the billing-side state of a paid license, tracked
// separately from the license Status the desktop app sees.
type SubscriptionState string

const (
	SubStateTrialing  SubscriptionState = "trialing"
	SubStateActive    SubscriptionState = "active"
	SubStateGrace     SubscriptionState = "grace"
	SubStateSuspended SubscriptionState = "suspended"
	SubStateExpired   SubscriptionState = "expired"
	SubStateCanceled  SubscriptionState = "canceled"
)

// Transition represents a subscription state change.
type Transition struct {
	From SubscriptionState
	To   SubscriptionState
}

// validTransitions lists every allowed subscription state change. Canceled
// has no outgoing edge: a deleted subscription never grants access again, and
// a new purchase arrives with a new subscription.
var validTransitions = map[Transition]bool{
	{SubStateTrialing, SubStateActive}:    true, // trial period converted
	{SubStateTrialing, SubStateGrace}:     true, // first charge failed
	{SubStateTrialing, SubStateSuspended}: true,
	{SubStateTrialing, SubStateExpired}:   true,
	{SubStateTrialing, SubStateCanceled}:  true,
	{SubStateActive, SubStateGrace}:       true, // payment failed, dunning
	{SubStateActive, SubStateSuspended}:   true, // paused
	{SubStateActive, SubStateExpired}:     true, // unpaid after dunning
	{SubStateActive, SubStateCanceled}:    true,
	{SubStateGrace, SubStateActive}:       true, // payment recovered
	{SubStateGrace, SubStateExpired}:      true,
	{SubStateGrace, SubStateCanceled}:     true,
	{SubStateSuspended, SubStateActive}:   true, // resumed
	{SubStateSuspended, SubStateExpired}:  true,
	{SubStateSuspended, SubStateCanceled}: true,
	{SubStateExpired, SubStateActive}:     true, // late payment settled the open invoice
	{SubStateExpired, SubStateCanceled}:   true,
}

// CanTransition checks if a subscription may move from one state to another.
func CanTransition(from, to SubscriptionState) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from SubscriptionState) []SubscriptionState {
	targets := make([]SubscriptionState, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// GrantsAccess reports whether a subscription in this state keeps the
// license usable. Grace covers Stripe's dunning retries.
func (s SubscriptionState) GrantsAccess() bool {
	switch s {
	case SubStateActive, SubStateTrialing, SubStateGrace:
		return true
	default:
		return false
	}
}

// LicenseStatus is the stored license status implied by the subscription
// state. A paid license never returns to StatusTrial.
func (s SubscriptionState) LicenseStatus() Status {
	if s.GrantsAccess() {
		return StatusActive
	}
	return StatusInactive
}
