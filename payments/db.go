// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package payments

import (
	"context"
	"time"

	"storj.io/common/uuid"
)

// DB is the split-payment database interface.
//
// architecture: Database
type DB interface {
	// Orders is a getter for the orders db.
	Orders() OrdersDB
	// Subscriptions is a getter for the subscriptions db.
	Subscriptions() SubscriptionsDB
	// Refunds is a getter for the refund evidence db.
	Refunds() RefundsDB
	// SyncReports is a getter for the sync report db.
	SyncReports() SyncReportsDB
}

// OrdersDB stores one-off split payment records. The provider charge
// reference is a natural key: inserting a second order for the same charge
// fails with ErrDuplicate.
type OrdersDB interface {
	// Insert adds a new order. Fails with ErrDuplicate if an order for the
	// same charge reference already exists.
	Insert(ctx context.Context, order Order) (Order, error)
	// Get returns the order with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	// GetByChargeRef returns the order for the given provider charge reference, or ErrNotFound.
	GetByChargeRef(ctx context.Context, chargeRef string) (Order, error)
	// UpdateStatus sets the status only if the row currently carries the
	// expected status; otherwise it fails with ErrStaleStatus. This is the
	// single-writer guard for money-touching transitions.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status) error
	// AppendEvent appends a typed event to the order's history.
	AppendEvent(ctx context.Context, id uuid.UUID, event Event) error
}

// SubscriptionsDB stores recurring split payment records, keyed by the
// provider subscription reference.
type SubscriptionsDB interface {
	// Insert adds a new subscription. Fails with ErrDuplicate if one for the
	// same provider reference already exists.
	Insert(ctx context.Context, subscription Subscription) (Subscription, error)
	// Get returns the subscription with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Subscription, error)
	// GetByProviderRef returns the subscription for the given provider reference, or ErrNotFound.
	GetByProviderRef(ctx context.Context, providerRef string) (Subscription, error)
	// UpdateStatus sets the status only if the row currently carries the
	// expected status; otherwise it fails with ErrStaleStatus.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status) error
	// SetPeriod updates the current billing period.
	SetPeriod(ctx context.Context, id uuid.UUID, start, end time.Time) error
	// ListByStatus returns all subscriptions carrying any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Subscription, error)
	// AppendEvent appends a typed event to the subscription's history.
	AppendEvent(ctx context.Context, id uuid.UUID, event Event) error
}

// RefundsDB stores append-only refund evidence. Rows are never updated.
type RefundsDB interface {
	// Insert records a completed refund reconciliation.
	Insert(ctx context.Context, refund Refund) (Refund, error)
}

// SyncReportsDB stores one row per synchronization run.
type SyncReportsDB interface {
	// Insert records the outcome of a sync run.
	Insert(ctx context.Context, report SyncReport) (SyncReport, error)
}
