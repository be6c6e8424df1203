// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/sluice/private/testredis"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/recovery"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/telemetry"
	"storj.io/sluice/sluice/warehouse"
)

// stubLoader wraps the directory warehouse with injectable load
// failures.
type stubLoader struct {
	warehouse.Loader

	failures int
	failWith error
}

func (f *stubLoader) Load(ctx context.Context, req warehouse.LoadRequest) (warehouse.LoadResult, error) {
	if f.failures > 0 {
		f.failures--
		return warehouse.LoadResult{}, f.failWith
	}
	return f.Loader.Load(ctx, req)
}

type options struct {
	spool   spool.Config
	sweeper recovery.Config
	cleanup bool
}

type harness struct {
	queue   *redisq.Queue
	staged  *staging.Dir
	tables  *warehouse.Dir
	loader  *stubLoader
	spool   *spool.Store
	ledger  *ledger.Ledger
	sweeper *recovery.Sweeper
}

func startSweeper(t *testing.T, ctx *testcontext.Context, adjust func(*options)) *harness {
	log := zaptest.NewLogger(t)

	opts := options{
		spool: spool.Config{
			Dir:        ctx.Dir("spool"),
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Retention:  24 * time.Hour,
			StaleAfter: 15 * time.Minute,
		},
		sweeper: recovery.Config{
			Interval:   10 * time.Minute,
			RecentSize: 16,
		},
		cleanup: true,
	}
	if adjust != nil {
		adjust(&opts)
	}

	server, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	queue, err := redisq.OpenQueue(ctx, redisq.Config{
		Address:     server.Addr(),
		GPSKey:      "gps:history:global",
		MobileKey:   "mobile:history:global",
		OpTimeout:   5 * time.Second,
		AtomicDrain: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queue.Close() })

	staged, err := staging.OpenDir(log.Named("staging"), ctx.Dir("staging"), staging.Config{
		GPSPrefix:    "gps-data",
		MobilePrefix: "mobile-data",
	})
	require.NoError(t, err)

	tables, err := warehouse.OpenDirLoader(log.Named("warehouse"), ctx.Dir("warehouse"), warehouse.Config{
		Dataset:     "telemetry",
		GPSTable:    "gps_records",
		MobileTable: "mobile_records",
	})
	require.NoError(t, err)

	spoolStore, err := spool.New(log.Named("spool"), opts.spool)
	require.NoError(t, err)

	led := ledger.New(log.Named("ledger"), ledger.Config{Path: ctx.File("ledger", "state.json")})
	t.Cleanup(func() { _ = led.Close() })

	loader := &stubLoader{Loader: tables}
	mutex := queue.NewMutex(redisq.MutexConfig{Key: "sluice:pipeline:lock", TTL: time.Minute})
	sweeper, err := recovery.NewSweeper(log.Named("recovery"), mutex, staged, loader, spoolStore, led, opts.cleanup, opts.sweeper)
	require.NoError(t, err)

	return &harness{
		queue:   queue,
		staged:  staged,
		tables:  tables,
		loader:  loader,
		spool:   spoolStore,
		ledger:  led,
		sweeper: sweeper,
	}
}

// stageOrphan uploads a batch whose load never happened.
func (h *harness) stageOrphan(t *testing.T, ctx *testcontext.Context, stream telemetry.StreamType, records ...[]byte) staging.ObjectRef {
	ref, err := h.staged.Upload(ctx, staging.UploadRequest{
		Stream:       stream,
		ProcessingID: string(stream) + "_1700000000000_feed",
		ExtractedAt:  time.Now().UTC(),
		Records:      records,
		Source:       staging.SourceAtomic,
	})
	require.NoError(t, err)
	return ref
}

var sweepRecords = [][]byte{
	[]byte(`{"recordId":"gps_A_1700000000000_0","deviceId":"A","lat":1,"lng":2,"timestamp":1700000000000}`),
	[]byte(`{"recordId":"gps_B_1700000000000_1","deviceId":"B","lat":3,"lng":4,"timestamp":1700000000000}`),
}

func TestSweepRecoversOrphan(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, result.Contended)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.Recovered)
	require.Zero(t, result.Failed)

	// The orphan's records reached the warehouse, the load was
	// remembered, and the object was cleaned up.
	rows, err := h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.EqualValues(t, 2, rows)
	require.True(t, h.ledger.WasLoaded(ref.Key))
	_, err = h.staged.Stat(ctx, ref.Key)
	require.True(t, staging.ErrNotFound.Has(err))

	// A second sweep finds nothing.
	result, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
	rows, err = h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.EqualValues(t, 2, rows)
}

func TestSweepLeavesYoungObjects(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, func(opts *options) {
		opts.sweeper.MinAge = time.Hour
	})
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)

	// A fresh object may still belong to a cycle in flight.
	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
	require.Zero(t, result.Recovered)

	rows, err := h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.Zero(t, rows)
	_, err = h.staged.Stat(ctx, ref.Key)
	require.NoError(t, err)
}

func TestSweepCleansLoadedLeftovers(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)
	// The load succeeded earlier; only the cleanup was missed.
	h.ledger.RecordLoad(telemetry.GPS, ref.Key, "job-1", 2, nil)

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, 1, result.CleanedUp)
	require.Zero(t, result.Recovered)

	// No re-load happened.
	rows, err := h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.Zero(t, rows)
	_, err = h.staged.Stat(ctx, ref.Key)
	require.True(t, staging.ErrNotFound.Has(err))
}

func TestSweepSkipsLoadedWithoutCleanup(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, func(opts *options) { opts.cleanup = false })
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)
	h.ledger.RecordLoad(telemetry.GPS, ref.Key, "job-1", 2, nil)

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Zero(t, result.CleanedUp)

	// The object outlives the sweep when cleanup is disabled.
	_, err = h.staged.Stat(ctx, ref.Key)
	require.NoError(t, err)
}

func TestSweepLoadFailureKeepsObject(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)
	h.loader.failures = 1
	h.loader.failWith = warehouse.ErrTransientJob.New("job backend unavailable")

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Recovered)

	// The object survives for the next sweep, which recovers it.
	_, err = h.staged.Stat(ctx, ref.Key)
	require.NoError(t, err)

	result, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Recovered)
	rows, err := h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.EqualValues(t, 2, rows)
}

func TestSweepRequeuesInterruptedEntries(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)

	// A processing entry whose attempt started an hour ago was
	// orphaned by a crash.
	past := time.Now().Add(-time.Hour)
	h.spool.TestingSetNow(func() time.Time { return past })
	entry, err := h.spool.Add(ctx, telemetry.GPS, "gps_1700000000000_dead", sweepRecords)
	require.NoError(t, err)
	_, err = h.spool.MarkProcessing(ctx, entry.ID)
	require.NoError(t, err)
	h.spool.TestingSetNow(time.Now)

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Requeued)

	got, err := h.spool.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, spool.StatePending, got.State)
	// The interrupted attempt stays spent.
	require.Equal(t, 1, got.RetryCount)
}

func TestSweepReclaimsExpiredCompleted(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)

	past := time.Now().Add(-25 * time.Hour)
	h.spool.TestingSetNow(func() time.Time { return past })
	expired, err := h.spool.Add(ctx, telemetry.GPS, "gps_1700000000000_aaaa", sweepRecords)
	require.NoError(t, err)
	_, err = h.spool.MarkProcessing(ctx, expired.ID)
	require.NoError(t, err)
	_, err = h.spool.MarkCompleted(ctx, expired.ID, spool.LoadNote{Rows: 2})
	require.NoError(t, err)
	h.spool.TestingSetNow(time.Now)

	// A fresh completed entry stays within retention.
	fresh, err := h.spool.Add(ctx, telemetry.GPS, "gps_1700000000000_bbbb", sweepRecords)
	require.NoError(t, err)
	_, err = h.spool.MarkProcessing(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = h.spool.MarkCompleted(ctx, fresh.ID, spool.LoadNote{Rows: 2})
	require.NoError(t, err)

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Reclaimed)

	_, err = h.spool.Get(ctx, expired.ID)
	require.True(t, spool.ErrNotFound.Has(err))
	_, err = h.spool.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestSweepContended(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, nil)
	ref := h.stageOrphan(t, ctx, telemetry.GPS, sweepRecords...)

	// While a processing cycle holds the lock the sweep backs off
	// without touching anything.
	other := h.queue.NewMutex(redisq.MutexConfig{Key: "sluice:pipeline:lock", TTL: time.Minute})
	require.NoError(t, other.Lock(ctx))

	result, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, result.Contended)
	require.Zero(t, result.Scanned)

	_, err = h.staged.Stat(ctx, ref.Key)
	require.NoError(t, err)
	rows, err := h.tables.RowCount(ctx, telemetry.GPS)
	require.NoError(t, err)
	require.Zero(t, rows)

	require.NoError(t, other.Unlock(ctx))
	result, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Recovered)
}

func TestSweepAlertsOnStrandedEntries(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startSweeper(t, ctx, func(opts *options) {
		opts.spool.MaxRetries = 1
	})

	// With a budget of one, the failed attempt is terminal on arrival.
	_, err := h.spool.AddFailedAttempt(ctx, telemetry.GPS, "gps_1700000000000_cccc", sweepRecords,
		"stage", staging.ErrTransient.New("staging unreachable"))
	require.True(t, spool.ErrBudget.Has(err))

	_, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)

	var kinds []string
	for _, alert := range h.ledger.Snapshot().Alerts {
		kinds = append(kinds, alert.Kind)
	}
	require.Contains(t, kinds, "spool_failed_entries")
}
