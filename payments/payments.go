// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package payments holds the domain types for the creator split-payment core:
// splits, orders, subscriptions, refund reconciliation results and the
// database interfaces the services are built on.
package payments

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// ErrInvalidAmount is returned for negative or otherwise malformed amounts.
	ErrInvalidAmount = errs.Class("invalid amount")
	// ErrInvalidRefundAmount is returned when a refund exceeds the refundable remainder.
	ErrInvalidRefundAmount = errs.Class("invalid refund amount")
	// ErrProvider wraps payment provider call failures.
	ErrProvider = errs.Class("payment provider")
	// ErrProviderUnknown marks provider calls whose outcome is unknown, e.g. a
	// timeout on a mutating call. Such calls must not be blindly retried; the
	// provider-side state has to be confirmed first.
	ErrProviderUnknown = errs.Class("payment provider outcome unknown")
	// ErrPersistence marks local store failures after provider-side money movement.
	ErrPersistence = errs.Class("persistence")
	// ErrStaleStatus is returned by conditional status updates when the row no
	// longer carries the expected status.
	ErrStaleStatus = errs.Class("stale status")
	// ErrDuplicate is returned when inserting a record whose natural key already exists.
	ErrDuplicate = errs.Class("duplicate record")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errs.Class("not found")
)

// Ratio is a rational share of a gross amount, e.g. 70/100 for the creator share.
type Ratio struct {
	Numerator   int64
	Denominator int64
}

// DefaultCreatorRatio is the platform-wide creator share of every charge.
var DefaultCreatorRatio = Ratio{Numerator: 70, Denominator: 100}

// Decimal returns the ratio as an exact decimal fraction.
func (r Ratio) Decimal() decimal.Decimal {
	return decimal.NewFromInt(r.Numerator).Div(decimal.NewFromInt(r.Denominator))
}

// Valid reports whether the ratio is a fraction in (0, 1].
func (r Ratio) Valid() bool {
	return r.Denominator > 0 && r.Numerator > 0 && r.Numerator <= r.Denominator
}

// Split is the division of a gross amount between creator and platform, in
// minor currency units. CreatorShare+PlatformShare always equals GrossAmount.
type Split struct {
	GrossAmount   int64
	CreatorShare  int64
	PlatformShare int64
	Ratio         Ratio
}

// RefundResult is the outcome of a split refund reconciliation.
type RefundResult struct {
	MainRefundID           string
	ApplicationFeeRefundID string
	TotalRefunded          int64
	CreatorRefunded        int64
	PlatformRefunded       int64
	Success                bool
	Failure                string
}

// PartialRefundError reports that the creator-side refund succeeded but the
// application-fee refund failed. Compensated tells whether the creator-side
// refund could be cancelled again; when false, the charge needs manual
// reconciliation because the creator has been debited without the platform
// returning its proportional fee.
type PartialRefundError struct {
	MainRefundID    string
	Compensated     bool
	Cause           error
	CompensationErr error
}

// Error implements the error interface.
func (e *PartialRefundError) Error() string {
	if e.Compensated {
		return "partial refund: application fee refund failed, creator refund " + e.MainRefundID + " cancelled: " + e.Cause.Error()
	}
	msg := "partial refund: application fee refund failed and creator refund " + e.MainRefundID + " could not be cancelled: " + e.Cause.Error()
	if e.CompensationErr != nil {
		msg += " (cancel: " + e.CompensationErr.Error() + ")"
	}
	return msg
}

// Unwrap returns the application-fee refund failure.
func (e *PartialRefundError) Unwrap() error { return e.Cause }

// RefundValidation is the result of a pre-flight refund check.
type RefundValidation struct {
	Valid         bool
	MaxRefundable int64
	Reason        string
}

// MismatchType classifies drift found by the subscription synchronizer.
type MismatchType string

const (
	// MismatchMissingInDatabase means the provider has a subscription with no local record.
	MismatchMissingInDatabase MismatchType = "missing_in_database"
	// MismatchMissingInStripe means a billable local subscription no longer exists at the provider.
	MismatchMissingInStripe MismatchType = "missing_in_stripe"
	// MismatchStatus means the local status diverged from the provider status.
	MismatchStatus MismatchType = "status_drift"
	// MismatchPeriod means the local billing period diverged from the provider period.
	MismatchPeriod MismatchType = "period_drift"
)

// Mismatch is a single piece of drift detected during a sync run.
type Mismatch struct {
	Type        MismatchType
	ProviderRef string
	Detail      string
}

// SyncReport is the outcome of one subscription synchronization run.
// It is written once per run and never mutated.
type SyncReport struct {
	ID         uuid.UUID
	Checked    int
	Synced     int
	Errors     int
	Mismatches []Mismatch
	FinishedAt time.Time
}

// Order is a locally owned record of a one-off split payment, keyed by the
// provider charge reference. Amount, PlatformFee and CreatorEarnings are fixed
// at creation; the split is never recalculated against a different ratio.
type Order struct {
	ID              uuid.UUID
	PayerID         uuid.UUID
	CreatorID       uuid.UUID
	ChargeRef       string
	Amount          int64
	PlatformFee     int64
	CreatorEarnings int64
	Currency        string
	Status          Status
	Events          []Event
	CreatedAt       time.Time
}

// Subscription is a locally owned record of a recurring split payment, keyed
// by the provider subscription reference.
type Subscription struct {
	ID                 uuid.UUID
	PayerID            uuid.UUID
	CreatorID          uuid.UUID
	ProviderRef        string
	Amount             int64
	PlatformFee        int64
	CreatorEarnings    int64
	Currency           string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Events             []Event
	CreatedAt          time.Time
}

// Refund is append-only evidence of a completed refund reconciliation.
type Refund struct {
	ID                     uuid.UUID
	OrderID                uuid.UUID
	ChargeRef              string
	MainRefundID           string
	ApplicationFeeRefundID string
	TotalRefunded          int64
	CreatorRefunded        int64
	PlatformRefunded       int64
	Reason                 string
	CreatedAt              time.Time
}
