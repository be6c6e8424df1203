// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ledger

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Chore persists the ledger snapshot on the configured interval. A
// failed flush is logged and the next tick tries again.
type Chore struct {
	log    *zap.Logger
	ledger *Ledger
	Loop   *sync2.Cycle
}

// NewChore instantiates Chore.
func NewChore(log *zap.Logger, ledger *Ledger) *Chore {
	return &Chore{
		log:    log,
		ledger: ledger,
		Loop:   sync2.NewCycle(ledger.config.FlushInterval),
	}
}

// Run starts the chore.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.ledger.Flush(ctx); err != nil {
			chore.log.Warn("snapshot flush failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
