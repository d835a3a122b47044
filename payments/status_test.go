// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package payments_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/greenroomhq/greenroom/payments"
)

func TestStatusTransitions(t *testing.T) {
	require.True(t, payments.StatusPending.CanTransition(payments.StatusProcessing))
	require.True(t, payments.StatusProcessing.CanTransition(payments.StatusActive))
	require.True(t, payments.StatusActive.CanTransition(payments.StatusPaused))
	require.True(t, payments.StatusPaused.CanTransition(payments.StatusActive))
	require.True(t, payments.StatusActive.CanTransition(payments.StatusProcessing))
	require.True(t, payments.StatusCompleted.CanTransition(payments.StatusProcessing))

	// nothing leaves a terminal state
	require.False(t, payments.StatusRejected.CanTransition(payments.StatusActive))
	require.False(t, payments.StatusCancelled.CanTransition(payments.StatusActive))
	require.False(t, payments.StatusExpired.CanTransition(payments.StatusPending))

	require.True(t, payments.StatusPaused.CanTransition(payments.StatusExpired))
	require.False(t, payments.StatusPending.CanTransition(payments.StatusCompleted))
}

func TestStatusSelfTransition(t *testing.T) {
	// corrective sync updates are idempotent, so setting a non-terminal
	// status to itself is legal
	require.True(t, payments.StatusActive.CanTransition(payments.StatusActive))
	require.False(t, payments.StatusRejected.CanTransition(payments.StatusRejected))
}

func TestStatusTerminal(t *testing.T) {
	terminal := []payments.Status{payments.StatusCancelled, payments.StatusRejected, payments.StatusExpired}
	for _, status := range terminal {
		require.True(t, status.IsTerminal(), status)
	}
	open := []payments.Status{
		payments.StatusPending, payments.StatusProcessing, payments.StatusTrialing,
		payments.StatusActive, payments.StatusPaused, payments.StatusCompleted,
	}
	for _, status := range open {
		require.False(t, status.IsTerminal(), status)
	}
}

func TestStatusBillable(t *testing.T) {
	require.True(t, payments.StatusTrialing.Billable())
	require.True(t, payments.StatusActive.Billable())
	require.True(t, payments.StatusPaused.Billable())
	require.False(t, payments.StatusPending.Billable())
	require.False(t, payments.StatusCompleted.Billable())
	require.False(t, payments.StatusCancelled.Billable())
}
