// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package payments

// Status is the lifecycle state of an Order or Subscription.
type Status string

const (
	// StatusPending means checkout has started but the provider has not confirmed.
	StatusPending Status = "pending"
	// StatusProcessing means a provider-side operation for this record is in
	// flight: initial confirmation, or a money-touching transition out of
	// active/completed. Claiming this state through a conditional update is
	// what keeps refund reconciliation single-writer.
	StatusProcessing Status = "processing"
	// StatusTrialing means the provider subscription is in a trial period.
	StatusTrialing Status = "trialing"
	// StatusActive means the record is confirmed and live.
	StatusActive Status = "active"
	// StatusPaused means the subscription is paused and may resume.
	StatusPaused Status = "paused"
	// StatusCompleted means the order was fulfilled.
	StatusCompleted Status = "completed"

	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
	// StatusRejected is terminal.
	StatusRejected Status = "rejected"
	// StatusExpired is terminal.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether no transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusRejected, StatusExpired},
	StatusProcessing: {StatusTrialing, StatusActive, StatusCompleted, StatusCancelled, StatusRejected, StatusExpired},
	StatusTrialing:   {StatusActive, StatusProcessing, StatusPaused, StatusCancelled, StatusExpired},
	StatusActive:     {StatusPaused, StatusCompleted, StatusProcessing, StatusCancelled, StatusExpired},
	StatusPaused:     {StatusActive, StatusProcessing, StatusCancelled, StatusExpired},
	StatusCompleted:  {StatusProcessing, StatusCancelled, StatusRejected},
}

// CanTransition reports whether s → to is a legal lifecycle transition.
// Setting a status to itself is allowed everywhere but terminal states, since
// corrective sync updates are idempotent.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return !s.IsTerminal()
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Billable reports whether the subscription status is one the provider is
// expected to still know about. A billable local subscription with no provider
// counterpart has drifted and can no longer be charged.
func (s Status) Billable() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPaused:
		return true
	}
	return false
}
