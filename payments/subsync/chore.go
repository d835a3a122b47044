// Copyright (C) 2025 Greenroom Labs, Inc.
// See LICENSE for copying information.

// Package subsync runs the subscription lifecycle synchronizer on a schedule.
package subsync

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/greenroomhq/greenroom/payments"
	"github.com/greenroomhq/greenroom/payments/stripeconnect"
)

var (
	// Error is the subsync chore error class.
	Error = errs.Class("subsync chore")

	mon = monkit.Package()
)

// Config contains configurable values for the subscription sync chore.
type Config struct {
	Enabled  bool          `help:"whether to run subscription synchronization" default:"true"`
	Interval time.Duration `help:"how often local subscriptions are reconciled against the provider" default:"1h"`
}

// Chore periodically reconciles local subscription records against the
// provider. Runs are idempotent: a partially failed run simply re-examines and
// re-converges all records on the next cycle.
//
// architecture: Chore
type Chore struct {
	log     *zap.Logger
	service *stripeconnect.Service
	config  Config

	Loop *sync2.Cycle
}

// NewChore creates a new subscription sync chore.
func NewChore(log *zap.Logger, service *stripeconnect.Service, config Config) *Chore {
	return &Chore{
		log:     log,
		service: service,
		config:  config,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run runs the subscription sync loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if !chore.config.Enabled {
			chore.log.Debug("skipping chore iteration; subscription sync is disabled")
			return nil
		}

		report, err := chore.service.SyncSubscriptions(ctx)
		if err != nil {
			// Collected per-record errors are already inside the report; an
			// error here means the run itself could not proceed. Keep the
			// loop alive, the next cycle re-converges everything.
			chore.log.Error("subscription sync run failed", zap.Error(Error.Wrap(err)))
			return nil
		}

		for _, mismatch := range report.Mismatches {
			if mismatch.Type == payments.MismatchMissingInDatabase {
				chore.log.Warn("provider subscription has no local record; needs follow-up",
					zap.String("providerRef", mismatch.ProviderRef))
			}
		}
		return nil
	})
}

// Close closes all underlying resources.
func (chore *Chore) Close() (err error) {
	defer mon.Task()(nil)(&err)
	chore.Loop.Close()
	return nil
}
