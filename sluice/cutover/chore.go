// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cutover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore fires controller cycles on the configured interval.
//
// architecture: Chore
type Chore struct {
	log        *zap.Logger
	controller *Controller
	Loop       *sync2.Cycle
}

// NewChore instantiates Chore.
func NewChore(log *zap.Logger, controller *Controller, interval time.Duration) *Chore {
	return &Chore{
		log:        log,
		controller: controller,
		Loop:       sync2.NewCycle(interval),
	}
}

// Run starts the chore. A failed cycle is logged and swallowed so the
// schedule keeps going; the records it touched are safe in the spool
// or the staging area.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)

		result, err := chore.controller.RunCycle(ctx)
		if err != nil {
			chore.log.Error("cycle failed",
				zap.Stringer("phase", result.Phase),
				zap.String("flow", result.Flow),
				zap.Error(err))
			return nil
		}
		switch {
		case result.Busy:
			chore.log.Debug("cycle skipped, processing already active",
				zap.Stringer("phase", result.Phase))
		case result.RolledBack:
			chore.log.Warn("cycle finished with a rollback",
				zap.Stringer("phase", chore.controller.Phase()))
		default:
			chore.log.Debug("cycle finished",
				zap.Stringer("phase", result.Phase),
				zap.String("flow", result.Flow))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
