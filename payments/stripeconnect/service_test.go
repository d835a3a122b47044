// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package stripeconnect_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/greenroomhq/greenroom/payments"
	"github.com/greenroomhq/greenroom/payments/memorydb"
	"github.com/greenroomhq/greenroom/payments/mockstripe"
	"github.com/greenroomhq/greenroom/payments/stripeconnect"
)

func newTestService(t *testing.T) (*stripeconnect.Service, *mockstripe.Client, *memorydb.DB) {
	client := mockstripe.NewClient()
	db := memorydb.New()
	service, err := stripeconnect.NewService(zaptest.NewLogger(t), client, stripeconnect.Config{
		CreatorSharePercent: 70,
		ProviderTimeout:     time.Second,
		ListingLimit:        100,
	}, db)
	require.NoError(t, err)
	return service, client, db
}

func createOrder(ctx *testcontext.Context, t *testing.T, service *stripeconnect.Service, gross int64, key string) payments.Order {
	order, err := service.CreateSplitPayment(ctx, stripeconnect.CreatePaymentParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        gross,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     key,
	})
	require.NoError(t, err)
	return order
}

func activateOrder(ctx *testcontext.Context, t *testing.T, db *memorydb.DB, order payments.Order) {
	require.NoError(t, db.Orders().UpdateStatus(ctx, order.ID, payments.StatusPending, payments.StatusProcessing))
	require.NoError(t, db.Orders().UpdateStatus(ctx, order.ID, payments.StatusProcessing, payments.StatusActive))
}

func TestCreateSplitPayment(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)

	order := createOrder(ctx, t, service, 10000, "checkout-1")
	require.EqualValues(t, 10000, order.Amount)
	require.EqualValues(t, 7000, order.CreatorEarnings)
	require.EqualValues(t, 3000, order.PlatformFee)
	require.Equal(t, payments.StatusPending, order.Status)

	charge := client.Charge(order.ChargeRef)
	require.NotNil(t, charge)
	require.EqualValues(t, 10000, charge.Amount)
	require.NotNil(t, charge.ApplicationFee)
	require.EqualValues(t, 3000, charge.ApplicationFee.Amount)

	stored, err := db.Orders().GetByChargeRef(ctx, order.ChargeRef)
	require.NoError(t, err)
	require.Equal(t, order.ID, stored.ID)
}

func TestCreateSplitPaymentIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, db := newTestService(t)

	first := createOrder(ctx, t, service, 10000, "checkout-1")
	second, err := service.CreateSplitPayment(ctx, stripeconnect.CreatePaymentParams{
		PayerID:            first.PayerID,
		CreatorID:          first.CreatorID,
		GrossAmount:        10000,
		Currency:           "usd",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "checkout-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.ChargeRef, second.ChargeRef)

	_, err = db.Orders().GetByChargeRef(ctx, first.ChargeRef)
	require.NoError(t, err)
}

func TestCreateSplitPaymentProviderFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	client.FailNextCharge = mockstripe.Error.New("card declined")

	_, err := service.CreateSplitPayment(ctx, stripeconnect.CreatePaymentParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        10000,
		Currency:           "usd",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "checkout-1",
	})
	require.True(t, payments.ErrProvider.Has(err))

	// no local record may exist after a provider failure
	require.Empty(t, db.RefundRecords())
	_, err = db.Orders().GetByChargeRef(ctx, "ch_00000001")
	require.True(t, payments.ErrNotFound.Has(err))
}

func TestValidateRefund(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)
	order := createOrder(ctx, t, service, 5000, "checkout-1")

	validation, err := service.ValidateRefund(ctx, order.ChargeRef, 5000)
	require.NoError(t, err)
	require.True(t, validation.Valid)
	require.EqualValues(t, 5000, validation.MaxRefundable)

	validation, err = service.ValidateRefund(ctx, order.ChargeRef, 5001)
	require.NoError(t, err)
	require.False(t, validation.Valid)

	validation, err = service.ValidateRefund(ctx, order.ChargeRef, 0)
	require.NoError(t, err)
	require.False(t, validation.Valid)

	// exhaust the charge, then any positive amount must be invalid
	_, err = client.Refunds().New(&stripe.RefundParams{
		Charge: stripe.String(order.ChargeRef),
		Amount: stripe.Int64(5000),
	})
	require.NoError(t, err)

	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, charge.Amount, charge.AmountRefunded)

	for _, requested := range []int64{1, 100, 5000} {
		validation, err = service.ValidateRefund(ctx, order.ChargeRef, requested)
		require.NoError(t, err)
		require.False(t, validation.Valid)
		require.EqualValues(t, 0, validation.MaxRefundable)
	}
}

func TestProcessSplitRefundFull(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	result, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    10000,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		Reason:          "booking rejected",
		IdempotencyKey:  "refund-1",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 7000, result.CreatorRefunded)
	require.EqualValues(t, 3000, result.PlatformRefunded)
	require.EqualValues(t, 10000, result.TotalRefunded)
	require.NotEmpty(t, result.MainRefundID)
	require.NotEmpty(t, result.ApplicationFeeRefundID)

	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 7000, charge.AmountRefunded)
	require.EqualValues(t, 3000, client.FeeRefunded(charge.ApplicationFee.ID))
}

func TestProcessSplitRefundPartial(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, _ := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	// $30 of a $100 charge: ratio 0.30
	result, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    3000,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 2100, result.CreatorRefunded)
	require.EqualValues(t, 900, result.PlatformRefunded)
	require.EqualValues(t, 3000, result.TotalRefunded)
}

func TestProcessSplitRefundRounding(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, _ := newTestService(t)
	order := createOrder(ctx, t, service, 999, "checkout-1")
	require.EqualValues(t, 699, order.CreatorEarnings)
	require.EqualValues(t, 300, order.PlatformFee)

	// refund 500/999: creator leg 699*500/999 = 349.85 rounds up to 350,
	// platform leg 300*500/999 = 150.15 rounds down to 150.
	result, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    500,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 350, result.CreatorRefunded)
	require.EqualValues(t, 150, result.PlatformRefunded)

	// the platform absorbs the remainder: the total never exceeds the request
	// and stays within one minor unit below it.
	require.LessOrEqual(t, result.TotalRefunded, int64(500))
	require.GreaterOrEqual(t, result.TotalRefunded, int64(499))
}

func TestProcessSplitRefundInvalidAmount(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, _ := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	_, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    10001,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.True(t, payments.ErrInvalidRefundAmount.Has(err))

	_, err = service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    0,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.True(t, payments.ErrInvalidRefundAmount.Has(err))
}

func TestProcessSplitRefundCompensation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	client.FailNextFeeRefund = mockstripe.Error.New("fee ledger unavailable")

	result, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    10000,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.Error(t, err)
	require.False(t, result.Success)

	var partial *payments.PartialRefundError
	require.ErrorAs(t, err, &partial)
	require.True(t, partial.Compensated)
	require.NotEmpty(t, partial.MainRefundID)

	// either both refunds are reflected or neither; here the creator-side
	// refund was cancelled, so the charge must show no refund at all.
	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 0, charge.AmountRefunded)
	require.EqualValues(t, 0, client.FeeRefunded(charge.ApplicationFee.ID))
}

func TestProcessSplitRefundCompensationFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	client.FailNextFeeRefund = mockstripe.Error.New("fee ledger unavailable")
	client.FailNextRefundCancel = mockstripe.Error.New("refund already settled")

	result, err := service.ProcessSplitRefund(ctx, stripeconnect.ProcessRefundParams{
		ChargeRef:       order.ChargeRef,
		RefundAmount:    10000,
		OriginalGross:   order.Amount,
		CreatorEarnings: order.CreatorEarnings,
		PlatformFee:     order.PlatformFee,
		IdempotencyKey:  "refund-1",
	})
	require.Error(t, err)
	require.False(t, result.Success)

	var partial *payments.PartialRefundError
	require.ErrorAs(t, err, &partial)
	require.False(t, partial.Compensated)
	require.Error(t, partial.CompensationErr)

	// the creator-side refund stands; the error reports that money is
	// currently split incorrectly and needs manual reconciliation.
	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 7000, charge.AmountRefunded)
}

func TestRejectOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")
	activateOrder(ctx, t, db, order)

	result, err := service.RejectOrder(ctx, order.ID, "creator declined the booking")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 10000, result.TotalRefunded)

	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 7000, charge.AmountRefunded)

	updated, err := db.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusRejected, updated.Status)

	var refundEvents, rejectionEvents int
	for _, event := range updated.Events {
		switch typed := event.(type) {
		case payments.RefundRecorded:
			refundEvents++
			require.True(t, typed.Succeeded)
			require.EqualValues(t, 10000, typed.TotalRefunded)
		case payments.RejectionRecorded:
			rejectionEvents++
			require.Equal(t, "creator declined the booking", typed.Reason)
		}
	}
	require.Equal(t, 1, refundEvents)
	require.Equal(t, 1, rejectionEvents)

	evidence := db.RefundRecords()
	require.Len(t, evidence, 1)
	require.Equal(t, order.ID, evidence[0].OrderID)
	require.EqualValues(t, 10000, evidence[0].TotalRefunded)
}

func TestRejectOrderSingleWriter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, db := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")
	activateOrder(ctx, t, db, order)

	_, err := service.RejectOrder(ctx, order.ID, "first")
	require.NoError(t, err)

	// the order is terminal now; a second rejection must not refund again
	_, err = service.RejectOrder(ctx, order.ID, "second")
	require.True(t, payments.ErrStaleStatus.Has(err))

	require.Len(t, db.RefundRecords(), 1)
}

func TestRejectOrderRefundFailureStillCommits(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")
	activateOrder(ctx, t, db, order)

	client.FailNextRefund = mockstripe.Error.New("provider down")

	_, err := service.RejectOrder(ctx, order.ID, "creator declined")
	require.Error(t, err)

	// the status change happens regardless of the refund outcome, and the
	// failed outcome is recorded, never dropped.
	updated, err := db.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusRejected, updated.Status)

	var found bool
	for _, event := range updated.Events {
		if typed, ok := event.(payments.RefundRecorded); ok {
			found = true
			require.False(t, typed.Succeeded)
			require.NotEmpty(t, typed.Failure)
		}
	}
	require.True(t, found)
	require.Empty(t, db.RefundRecords())
}

func TestRejectOrderBeforeMoneyMoved(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	order := createOrder(ctx, t, service, 10000, "checkout-1")

	_, err := service.RejectOrder(ctx, order.ID, "payer bailed")
	require.NoError(t, err)

	updated, err := db.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusRejected, updated.Status)

	// nothing was refunded since nothing had settled
	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 0, charge.AmountRefunded)
	require.Empty(t, db.RefundRecords())
}

func TestCreateSplitSubscription(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, db := newTestService(t)

	subscription, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "sub-checkout-1",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1050, subscription.CreatorEarnings)
	require.EqualValues(t, 450, subscription.PlatformFee)
	require.Equal(t, payments.StatusActive, subscription.Status)

	replay, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            subscription.PayerID,
		CreatorID:          subscription.CreatorID,
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "sub-checkout-1",
	})
	require.NoError(t, err)
	require.Equal(t, subscription.ID, replay.ID)

	stored, err := db.Subscriptions().GetByProviderRef(ctx, subscription.ProviderRef)
	require.NoError(t, err)
	require.Equal(t, subscription.ID, stored.ID)
}

func TestPauseResumeSubscription(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)

	subscription, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "sub-checkout-1",
	})
	require.NoError(t, err)

	require.NoError(t, service.PauseSubscription(ctx, subscription.ID))

	paused, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusPaused, paused.Status)
	require.NotZero(t, client.Subscription(subscription.ProviderRef).PauseCollection)

	require.NoError(t, service.ResumeSubscription(ctx, subscription.ID))

	resumed, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusActive, resumed.Status)
	require.Zero(t, client.Subscription(subscription.ProviderRef).PauseCollection)
}

func TestCancelSubscriptionWithRefund(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)

	subscription, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "sub-checkout-1",
	})
	require.NoError(t, err)

	// the current period was paid through a charge
	order := createOrder(ctx, t, service, 1500, "period-charge")

	result, err := service.CancelSubscription(ctx, subscription.ID, order.ChargeRef, "subscriber cancelled")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 1500, result.TotalRefunded)

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusCancelled, updated.Status)

	charge := client.Charge(order.ChargeRef)
	require.EqualValues(t, 1050, charge.AmountRefunded)
	require.EqualValues(t, 450, client.FeeRefunded(charge.ApplicationFee.ID))
}
