// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

package stripeconnect

import (
	"context"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/greenroomhq/greenroom/payments"
)

// SyncSubscriptions reconciles local subscription records against the
// provider, which is the source of truth for subscription lifecycle state.
//
// Provider subscriptions missing locally are flagged but never fabricated:
// a local record cannot be re-derived from the provider record alone. Local
// status and billing-period drift is repaired from the provider copy. Local
// billable subscriptions absent from the provider are expired, since the
// provider can no longer bill them.
//
// Errors on individual records are collected, not fatal to the run, and every
// corrective action is idempotent, so a partially failed run converges by
// simply running again.
func (service *Service) SyncSubscriptions(ctx context.Context) (report payments.SyncReport, err error) {
	defer mon.Task()(&ctx)(&err)

	providerSubs, err := service.listProviderSubscriptions(ctx)
	if err != nil {
		return payments.SyncReport{}, providerError("list subscriptions", err)
	}

	seen := make(map[string]bool)
	for _, providerSub := range providerSubs {
		report.Checked++
		seen[providerSub.ID] = true

		local, err := service.db.Subscriptions().GetByProviderRef(ctx, providerSub.ID)
		if err != nil {
			if payments.ErrNotFound.Has(err) {
				report.Mismatches = append(report.Mismatches, payments.Mismatch{
					Type:        payments.MismatchMissingInDatabase,
					ProviderRef: providerSub.ID,
					Detail:      "provider subscription has no local record",
				})
				continue
			}
			report.Errors++
			service.log.Error("failed to load local subscription",
				zap.String("providerRef", providerSub.ID), zap.Error(err))
			continue
		}

		repaired, mismatches, syncErr := service.repairSubscription(ctx, local, providerSub)
		report.Mismatches = append(report.Mismatches, mismatches...)
		if syncErr != nil {
			report.Errors++
			service.log.Error("failed to repair subscription drift",
				zap.String("providerRef", providerSub.ID), zap.Error(syncErr))
			continue
		}
		if repaired {
			report.Synced++
		}
	}

	locals, err := service.db.Subscriptions().ListByStatus(ctx,
		payments.StatusTrialing, payments.StatusActive, payments.StatusPaused)
	if err != nil {
		return report, payments.ErrPersistence.Wrap(err)
	}
	for _, local := range locals {
		if seen[local.ProviderRef] {
			continue
		}
		report.Checked++

		mismatch := payments.Mismatch{
			Type:        payments.MismatchMissingInStripe,
			ProviderRef: local.ProviderRef,
			Detail:      "billable local subscription absent from provider",
		}
		report.Mismatches = append(report.Mismatches, mismatch)

		if err := service.db.Subscriptions().UpdateStatus(ctx, local.ID, local.Status, payments.StatusExpired); err != nil {
			report.Errors++
			service.log.Error("failed to expire orphaned subscription",
				zap.String("providerRef", local.ProviderRef), zap.Error(err))
			continue
		}
		_ = service.db.Subscriptions().AppendEvent(ctx, local.ID, payments.SyncDrift{
			Field:      "status",
			Local:      string(local.Status),
			Provider:   "absent",
			OccurredAt: service.nowFn(),
		})
		report.Synced++
	}

	report.FinishedAt = service.nowFn()
	if report.ID, err = uuid.New(); err != nil {
		return report, Error.Wrap(err)
	}
	if _, err := service.db.SyncReports().Insert(ctx, report); err != nil {
		report.Errors++
		service.log.Error("failed to store sync report", zap.Error(err))
	}

	service.log.Info("subscription sync finished",
		zap.Int("checked", report.Checked),
		zap.Int("synced", report.Synced),
		zap.Int("errors", report.Errors),
		zap.Int("mismatches", len(report.Mismatches)),
	)

	return report, nil
}

func (service *Service) listProviderSubscriptions(ctx context.Context) ([]*stripe.Subscription, error) {
	cctx, cancel := service.providerCtx(ctx)
	defer cancel()

	listParams := &stripe.SubscriptionListParams{Status: "all"}
	listParams.Context = cctx
	listParams.Filters.AddFilter("limit", "", strconv.Itoa(service.listingLimit))

	return service.client.Subscriptions().List(listParams)
}

// repairSubscription converges one local record onto the provider copy.
// It reports whether anything had to change.
func (service *Service) repairSubscription(ctx context.Context, local payments.Subscription, providerSub *stripe.Subscription) (repaired bool, mismatches []payments.Mismatch, err error) {
	target := statusFromProvider(providerSub)
	if local.Status != target {
		mismatches = append(mismatches, payments.Mismatch{
			Type:        payments.MismatchStatus,
			ProviderRef: providerSub.ID,
			Detail:      string(local.Status) + " -> " + string(target),
		})
		if !local.Status.CanTransition(target) {
			return false, mismatches, Error.New("illegal transition %s -> %s for %s", local.Status, target, providerSub.ID)
		}
		if err := service.db.Subscriptions().UpdateStatus(ctx, local.ID, local.Status, target); err != nil {
			return false, mismatches, err
		}
		_ = service.db.Subscriptions().AppendEvent(ctx, local.ID, payments.SyncDrift{
			Field:      "status",
			Local:      string(local.Status),
			Provider:   string(target),
			OccurredAt: service.nowFn(),
		})
		repaired = true
	}

	periodStart := unixUTC(providerSub.CurrentPeriodStart)
	periodEnd := unixUTC(providerSub.CurrentPeriodEnd)
	if !local.CurrentPeriodStart.Equal(periodStart) || !local.CurrentPeriodEnd.Equal(periodEnd) {
		mismatches = append(mismatches, payments.Mismatch{
			Type:        payments.MismatchPeriod,
			ProviderRef: providerSub.ID,
			Detail:      "billing period diverged from provider",
		})
		if err := service.db.Subscriptions().SetPeriod(ctx, local.ID, periodStart, periodEnd); err != nil {
			return repaired, mismatches, err
		}
		_ = service.db.Subscriptions().AppendEvent(ctx, local.ID, payments.SyncDrift{
			Field:      "billing_period",
			Local:      local.CurrentPeriodStart.String() + "/" + local.CurrentPeriodEnd.String(),
			Provider:   periodStart.String() + "/" + periodEnd.String(),
			OccurredAt: service.nowFn(),
		})
		repaired = true
	}

	return repaired, mismatches, nil
}

func unixUTC(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// statusFromProvider maps a provider subscription onto the local lifecycle.
func statusFromProvider(sub *stripe.Subscription) payments.Status {
	if sub.PauseCollection.Behavior != "" {
		return payments.StatusPaused
	}
	switch sub.Status {
	case stripe.SubscriptionStatusTrialing:
		return payments.StatusTrialing
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue:
		return payments.StatusActive
	case stripe.SubscriptionStatusIncomplete:
		return payments.StatusPending
	case stripe.SubscriptionStatusIncompleteExpired, stripe.SubscriptionStatusUnpaid:
		return payments.StatusExpired
	case stripe.SubscriptionStatusCanceled:
		return payments.StatusCancelled
	default:
		return payments.StatusActive
	}
}
