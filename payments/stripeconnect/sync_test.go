// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package stripeconnect_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/greenroomhq/greenroom/payments"
	"github.com/greenroomhq/greenroom/payments/mockstripe"
	"github.com/greenroomhq/greenroom/payments/stripeconnect"
)

func createSubscription(ctx *testcontext.Context, t *testing.T, service *stripeconnect.Service, key string) payments.Subscription {
	subscription, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     key,
	})
	require.NoError(t, err)
	return subscription
}

func TestSyncSubscriptionsNoDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, db := newTestService(t)
	createSubscription(ctx, t, service, "sub-1")
	createSubscription(ctx, t, service, "sub-2")

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Zero(t, report.Synced)
	require.Zero(t, report.Errors)
	require.Empty(t, report.Mismatches)

	require.Len(t, db.SyncReportRecords(), 1)
}

func TestSyncSubscriptionsStatusDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	subscription := createSubscription(ctx, t, service, "sub-1")

	client.SetSubscriptionStatus(subscription.ProviderRef, stripe.SubscriptionStatusCanceled)

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Synced)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, payments.MismatchStatus, report.Mismatches[0].Type)
	require.Equal(t, subscription.ProviderRef, report.Mismatches[0].ProviderRef)

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusCancelled, updated.Status)

	var drift payments.SyncDrift
	for _, event := range updated.Events {
		if typed, ok := event.(payments.SyncDrift); ok {
			drift = typed
		}
	}
	require.Equal(t, "status", drift.Field)
	require.Equal(t, string(payments.StatusActive), drift.Local)
	require.Equal(t, string(payments.StatusCancelled), drift.Provider)
}

func TestSyncSubscriptionsPeriodDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	subscription := createSubscription(ctx, t, service, "sub-1")

	providerSub := &stripe.Subscription{
		ID:                 subscription.ProviderRef,
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: subscription.CurrentPeriodEnd.Unix(),
		CurrentPeriodEnd:   subscription.CurrentPeriodEnd.AddDate(0, 1, 0).Unix(),
	}
	client.AddSubscription(providerSub)

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Synced)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, payments.MismatchPeriod, report.Mismatches[0].Type)

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusActive, updated.Status)
	require.True(t, updated.CurrentPeriodStart.Equal(subscription.CurrentPeriodEnd))
}

func TestSyncSubscriptionsMissingInDatabase(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)

	client.AddSubscription(&stripe.Subscription{
		ID:     "sub_untracked",
		Status: stripe.SubscriptionStatusActive,
	})

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Synced)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, payments.MismatchMissingInDatabase, report.Mismatches[0].Type)
	require.Equal(t, "sub_untracked", report.Mismatches[0].ProviderRef)

	// no local record may be fabricated: a second run reports the same drift
	report, err = service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, payments.MismatchMissingInDatabase, report.Mismatches[0].Type)
}

func TestSyncSubscriptionsMissingInProvider(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	subscription := createSubscription(ctx, t, service, "sub-1")

	// the provider no longer knows the subscription and can no longer bill it
	client.RemoveSubscription(subscription.ProviderRef)

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, 1, report.Synced)
	require.Len(t, report.Mismatches, 1)
	require.Equal(t, payments.MismatchMissingInStripe, report.Mismatches[0].Type)
	require.Equal(t, subscription.ProviderRef, report.Mismatches[0].ProviderRef)

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusExpired, updated.Status)
}

func TestSyncSubscriptionsIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, _ := newTestService(t)
	subscription := createSubscription(ctx, t, service, "sub-1")

	client.SetSubscriptionStatus(subscription.ProviderRef, stripe.SubscriptionStatusCanceled)

	first, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Synced)

	// the drift was repaired; a second run finds nothing left to fix
	second, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Zero(t, second.Synced)
	require.Empty(t, second.Mismatches)
	require.Zero(t, second.Errors)
}

func TestSyncSubscriptionsPausedAtProvider(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	subscription := createSubscription(ctx, t, service, "sub-1")

	providerSub := client.Subscription(subscription.ProviderRef)
	require.NotNil(t, providerSub)
	providerSub.PauseCollection = stripe.SubscriptionPauseCollection{
		Behavior: stripe.SubscriptionPauseCollectionBehavior("void"),
	}
	client.AddSubscription(providerSub)

	report, err := service.SyncSubscriptions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Synced)

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusPaused, updated.Status)
}

func TestSyncSubscriptionsListFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, client, db := newTestService(t)
	createSubscription(ctx, t, service, "sub-1")

	client.FailNextList = mockstripe.Error.New("provider down")

	_, err := service.SyncSubscriptions(ctx)
	require.True(t, payments.ErrProvider.Has(err))
	require.Empty(t, db.SyncReportRecords())
}
