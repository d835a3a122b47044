// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package subsync_test

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
	"github.com/greenroomhq/greenroom/payments/subsync"
)

func newTestChore(t *testing.T, config subsync.Config) (*subsync.Chore, *mockstripe.Client, *memorydb.DB, *stripeconnect.Service) {
	client := mockstripe.NewClient()
	db := memorydb.New()
	service, err := stripeconnect.NewService(zaptest.NewLogger(t), client, stripeconnect.Config{
		CreatorSharePercent: 70,
		ProviderTimeout:     time.Second,
		ListingLimit:        100,
	}, db)
	require.NoError(t, err)
	return subsync.NewChore(zaptest.NewLogger(t), service, config), client, db, service
}

func TestChoreRepairsDrift(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	chore, client, db, service := newTestChore(t, subsync.Config{Enabled: true, Interval: time.Hour})
	chore.Loop.SetDelayStart()

	subscription, err := service.CreateSplitSubscription(ctx, stripeconnect.CreateSubscriptionParams{
		PayerID:            testrand.UUID(),
		CreatorID:          testrand.UUID(),
		GrossAmount:        1500,
		Currency:           "usd",
		CustomerRef:        "cus_test",
		PriceRef:           "price_tier1",
		DestinationAccount: "acct_creator",
		IdempotencyKey:     "sub-1",
	})
	require.NoError(t, err)

	client.SetSubscriptionStatus(subscription.ProviderRef, stripe.SubscriptionStatusCanceled)

	ctx.Go(func() error {
		return chore.Run(ctx)
	})
	defer ctx.Check(chore.Close)
	chore.Loop.Pause()

	chore.Loop.TriggerWait()

	updated, err := db.Subscriptions().Get(ctx, subscription.ID)
	require.NoError(t, err)
	require.Equal(t, payments.StatusCancelled, updated.Status)
	require.Len(t, db.SyncReportRecords(), 1)

	// a second cycle finds nothing left to fix but still reports
	chore.Loop.TriggerWait()
	reports := db.SyncReportRecords()
	require.Len(t, reports, 2)
	require.Zero(t, reports[1].Synced)
}

func TestChoreSurvivesProviderOutage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	chore, client, db, _ := newTestChore(t, subsync.Config{Enabled: true, Interval: time.Hour})
	chore.Loop.SetDelayStart()

	client.AddSubscription(&stripe.Subscription{
		ID:     "sub_untracked",
		Status: stripe.SubscriptionStatusActive,
	})
	client.FailNextList = mockstripe.Error.New("provider down")

	ctx.Go(func() error {
		return chore.Run(ctx)
	})
	defer ctx.Check(chore.Close)
	chore.Loop.Pause()

	// the failed run is logged, not fatal; the loop stays alive
	chore.Loop.TriggerWait()
	require.Empty(t, db.SyncReportRecords())

	chore.Loop.TriggerWait()
	reports := db.SyncReportRecords()
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Mismatches, 1)
	require.Equal(t, payments.MismatchMissingInDatabase, reports[0].Mismatches[0].Type)
}

func TestChoreDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	chore, client, db, _ := newTestChore(t, subsync.Config{Enabled: false, Interval: time.Hour})
	chore.Loop.SetDelayStart()

	client.AddSubscription(&stripe.Subscription{
		ID:     "sub_untracked",
		Status: stripe.SubscriptionStatusActive,
	})

	ctx.Go(func() error {
		return chore.Run(ctx)
	})
	defer ctx.Check(chore.Close)
	chore.Loop.Pause()

	chore.Loop.TriggerWait()
	require.Empty(t, db.SyncReportRecords())
}
