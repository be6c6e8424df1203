// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package recovery sweeps up work the pipeline left behind: staged
// objects whose load never succeeded, spool entries orphaned in the
// processing state by a crash, and completed entries past their
// retention. The sweep is idempotent; load jobs are deduplicated by
// the staged key, so re-driving a load that actually succeeded is
// harmless.
package recovery

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/common/sync2"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/telemetry"
	"storj.io/sluice/sluice/warehouse"
)

var (
	// Error is the default error class for the recovery package.
	Error = errs.Class("recovery")

	mon = monkit.Package()
)

// Config holds the recovery sweeper configuration.
type Config struct {
	Interval   time.Duration `help:"time between recovery sweeps" default:"10m" testDefault:"-0s"`
	MinAge     time.Duration `help:"staged objects younger than this are left to the cycle that created them" default:"10m"`
	RecentSize int           `help:"recently handled staged keys remembered between sweeps" default:"512"`
}

// SweepResult reports one recovery pass.
type SweepResult struct {
	Contended bool `json:"contended,omitempty"`
	Requeued  int  `json:"requeued"`
	Scanned   int  `json:"scanned"`
	Recovered int  `json:"recovered"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	CleanedUp int  `json:"cleanedUp"`
	Reclaimed int  `json:"reclaimed"`
}

// Sweeper is the recovery chore. It owns its own lock handle so its
// sweeps and the processing cycles exclude each other the same way two
// processes would.
//
// architecture: Chore
type Sweeper struct {
	log     *zap.Logger
	mutex   *redisq.Mutex
	store   staging.Store
	loader  warehouse.Loader
	spool   *spool.Store
	ledger  *ledger.Ledger
	cleanup bool
	config  Config

	recent *lru.Cache[string, time.Time]
	Loop   *sync2.Cycle
	now    func() time.Time
}

// NewSweeper wires the recovery chore. cleanup mirrors the pipeline's
// cleanup-processed setting: when set, staged objects are deleted once
// their load is confirmed.
func NewSweeper(log *zap.Logger, mutex *redisq.Mutex, store staging.Store, loader warehouse.Loader, spoolStore *spool.Store, ledger *ledger.Ledger, cleanup bool, config Config) (*Sweeper, error) {
	if config.RecentSize <= 0 {
		config.RecentSize = 512
	}
	recent, err := lru.New[string, time.Time](config.RecentSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Sweeper{
		log:     log,
		mutex:   mutex,
		store:   store,
		loader:  loader,
		spool:   spoolStore,
		ledger:  ledger,
		cleanup: cleanup,
		config:  config,
		recent:  recent,
		Loop:    sync2.NewCycle(config.Interval),
		now:     time.Now,
	}, nil
}

// TestingSetNow overrides the clock.
func (sweeper *Sweeper) TestingSetNow(now func() time.Time) { sweeper.now = now }

// Run starts the sweeper. Sweep errors are logged and swallowed; the
// next sweep picks up whatever this one could not finish.
func (sweeper *Sweeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return sweeper.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)

		result, err := sweeper.RunOnce(ctx)
		if err != nil {
			sweeper.log.Error("sweep failed", zap.Error(err))
			return nil
		}
		if result.Contended {
			sweeper.log.Debug("sweep skipped, processing lock held elsewhere")
			return nil
		}
		if result.Requeued+result.Recovered+result.CleanedUp+result.Reclaimed+result.Failed > 0 {
			sweeper.log.Info("sweep finished",
				zap.Int("requeued", result.Requeued),
				zap.Int("recovered", result.Recovered),
				zap.Int("cleaned-up", result.CleanedUp),
				zap.Int("reclaimed", result.Reclaimed),
				zap.Int("failed", result.Failed))
		}
		return nil
	})
}

// Close stops the sweeper.
func (sweeper *Sweeper) Close() error {
	sweeper.Loop.Close()
	return nil
}

// RunOnce performs one sweep under the processing lock: requeue
// interrupted spool entries, re-drive loads for orphaned staged
// objects, then reclaim completed spool entries past retention.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (result SweepResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := sweeper.mutex.Lock(ctx); err != nil {
		if redisq.ErrContended.Has(err) {
			return SweepResult{Contended: true}, nil
		}
		return result, err
	}
	defer func() {
		if unlockErr := sweeper.mutex.Unlock(context2.WithoutCancellation(ctx)); unlockErr != nil {
			sweeper.log.Warn("lock release failed", zap.Error(unlockErr))
		}
	}()

	var group errs.Group
	now := sweeper.now().UTC()

	requeued, err := sweeper.spool.RequeueStale(ctx, now.Add(-sweeper.spool.Config().StaleAfter))
	result.Requeued = requeued
	group.Add(err)

	for _, stream := range telemetry.Streams {
		if err := ctx.Err(); err != nil {
			group.Add(err)
			return result, group.Err()
		}
		group.Add(sweeper.sweepStream(ctx, stream, now, &result))
	}

	reclaimed, err := sweeper.spool.Cleanup(ctx, now.Add(-sweeper.spool.Config().Retention))
	result.Reclaimed = reclaimed
	group.Add(err)

	sweeper.observeSpool(ctx)
	return result, group.Err()
}

// sweepStream re-drives the load of every staged object old enough to
// have been abandoned. Objects with a confirmed load are cleanup
// leftovers, not orphans; they are deleted or skipped depending on the
// cleanup setting.
func (sweeper *Sweeper) sweepStream(ctx context.Context, stream telemetry.StreamType, now time.Time, result *SweepResult) error {
	refs, err := sweeper.store.List(ctx, stream, now.Add(-sweeper.config.MinAge))
	if err != nil {
		return Error.Wrap(err)
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Scanned++

		if sweeper.ledger.WasLoaded(ref.Key) || sweeper.recent.Contains(ref.Key) {
			if !sweeper.cleanup {
				result.Skipped++
				continue
			}
			if err := sweeper.store.Delete(ctx, ref.Key); err != nil {
				result.Failed++
				sweeper.log.Warn("leftover staged object not deleted",
					zap.String("key", ref.Key),
					zap.Error(err))
				continue
			}
			result.CleanedUp++
			continue
		}

		if err := sweeper.mutex.Refresh(ctx); err != nil {
			return err
		}
		loaded, err := sweeper.loader.Load(ctx, warehouse.LoadRequest{
			Stream: stream,
			Key:    ref.Key,
			URI:    sweeper.store.URI(ref.Key),
		})
		sweeper.ledger.RecordLoad(stream, ref.Key, loaded.JobID, loaded.Rows, err)
		if err != nil {
			result.Failed++
			sweeper.log.Warn("orphaned staged object not recovered",
				zap.String("key", ref.Key),
				zap.Error(err))
			continue
		}
		result.Recovered++
		sweeper.recent.Add(ref.Key, now)
		sweeper.log.Info("orphaned staged object recovered",
			zap.String("key", ref.Key),
			zap.Stringer("stream", stream),
			zap.Int64("rows", loaded.Rows))

		if sweeper.cleanup {
			if err := sweeper.store.Delete(ctx, ref.Key); err != nil {
				sweeper.log.Warn("staged object cleanup failed",
					zap.String("key", ref.Key),
					zap.Error(err))
			}
		}
	}
	return nil
}

// observeSpool surfaces spool depth after a sweep. Failed entries mean
// data is waiting on a human; that state is worth an alert every sweep
// until it clears.
func (sweeper *Sweeper) observeSpool(ctx context.Context) {
	stats, err := sweeper.spool.Stats(ctx)
	if err != nil {
		sweeper.log.Warn("spool stats unavailable", zap.Error(err))
		return
	}
	if stats.Failed > 0 {
		sweeper.ledger.Alert("spool_failed_entries",
			"spool holds entries with an exhausted retry budget; manual recovery required")
	}
	if stats.Quarantined > 0 {
		sweeper.ledger.Alert("spool_corruption",
			"spool holds quarantined entries; manual inspection required")
	}
	if stats.Pending > 0 {
		sweeper.log.Info("spool still holds pending entries",
			zap.Int("pending", stats.Pending),
			zap.Time("oldest", stats.OldestPending))
	}
}
