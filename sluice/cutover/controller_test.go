// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cutover_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/sluice/private/testredis"
	"storj.io/sluice/sluice/cutover"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/pipeline"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/telemetry"
	"storj.io/sluice/sluice/warehouse"
)

// stubStore wraps the directory staging area with injectable upload
// failures.
type stubStore struct {
	staging.Store

	failures int
	failWith error
}

func (f *stubStore) failNext(n int, err error) {
	f.failures = n
	f.failWith = err
}

func (f *stubStore) Upload(ctx context.Context, req staging.UploadRequest) (staging.ObjectRef, error) {
	if f.failures > 0 {
		f.failures--
		return staging.ObjectRef{}, f.failWith
	}
	return f.Store.Upload(ctx, req)
}

// stubLoader wraps the directory warehouse with injectable load and
// insert failures.
type stubLoader struct {
	warehouse.Loader

	failures int
	failWith error
}

func (f *stubLoader) failNext(n int, err error) {
	f.failures = n
	f.failWith = err
}

func (f *stubLoader) take() error {
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	return nil
}

func (f *stubLoader) Load(ctx context.Context, req warehouse.LoadRequest) (warehouse.LoadResult, error) {
	if err := f.take(); err != nil {
		return warehouse.LoadResult{}, err
	}
	return f.Loader.Load(ctx, req)
}

func (f *stubLoader) Insert(ctx context.Context, stream telemetry.StreamType, lines [][]byte) (int64, error) {
	if err := f.take(); err != nil {
		return 0, err
	}
	return f.Loader.Insert(ctx, stream, lines)
}

type cutoverOptions struct {
	controller cutover.Config
	pipeline   pipeline.Config
	spool      spool.Config
}

// harness wires both flows and the controller the way the peer does,
// against an in-process Redis, a directory staging area and a
// directory warehouse.
type harness struct {
	queue      *redisq.Queue
	store      *stubStore
	loader     *stubLoader
	tables     *warehouse.Dir
	spool      *spool.Store
	ledger     *ledger.Ledger
	staged     *pipeline.Service
	direct     *cutover.DirectLoader
	controller *cutover.Controller
}

func startCutover(t *testing.T, ctx *testcontext.Context, adjust func(*cutoverOptions)) *harness {
	log := zaptest.NewLogger(t)

	opts := cutoverOptions{
		controller: cutover.Config{
			Phase:               "new",
			Tolerance:           0,
			RollbackConsecutive: 3,
			RollbackErrorRate:   0.1,
			RollbackPerfRatio:   2,
			RollbackCooldown:    15 * time.Minute,
			WindowSize:          100,
			MinSamples:          10,
		},
		pipeline: pipeline.Config{CleanupProcessed: true, SpoolHighWater: 100},
		spool: spool.Config{
			Dir:        ctx.Dir("spool"),
			MaxRetries: 3,
			BaseDelay:  0,
			Retention:  24 * time.Hour,
			StaleAfter: 15 * time.Minute,
		},
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

	spoolStore, err := spool.New(log.Named("spool"), opts.spool)
	require.NoError(t, err)

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

	led := ledger.New(log.Named("ledger"), ledger.Config{Path: ctx.File("ledger", "state.json")})
	t.Cleanup(func() { _ = led.Close() })

	store := &stubStore{Store: staged}
	loader := &stubLoader{Loader: tables}
	mutex := queue.NewMutex(redisq.MutexConfig{Key: "sluice:pipeline:lock", TTL: time.Minute})
	svc := pipeline.New(log.Named("pipeline"), queue, mutex, spoolStore, store, loader, led, opts.pipeline)
	direct := cutover.NewDirectLoader(log.Named("direct"), queue, mutex, spoolStore, loader, led)
	controller, err := cutover.NewController(log.Named("cutover"), queue, mutex, svc, direct, led, opts.controller)
	require.NoError(t, err)

	return &harness{
		queue:      queue,
		store:      store,
		loader:     loader,
		tables:     tables,
		spool:      spoolStore,
		ledger:     led,
		staged:     svc,
		direct:     direct,
		controller: controller,
	}
}

func gpsRecord(device string, seq int) []byte {
	return fmt.Appendf(nil, `{"deviceId":%q,"lat":47.3769,"lng":8.5417,"timestamp":17000000%05d}`, device, seq)
}

func mobileRecord(user string, seq int) []byte {
	return fmt.Appendf(nil, `{"userId":%q,"deviceId":"phone-%s","name":"Rider %s","email":"%s@example.test","latitude":46.9481,"longitude":7.4474,"time":17000000%05d}`, user, user, user, user, seq)
}

func (h *harness) rows(t *testing.T, ctx *testcontext.Context, stream telemetry.StreamType) int64 {
	rows, err := h.tables.RowCount(ctx, stream)
	require.NoError(t, err)
	return rows
}

func (h *harness) stagedObjects(t *testing.T, ctx *testcontext.Context, stream telemetry.StreamType) []staging.ObjectRef {
	refs, err := h.store.List(ctx, stream, time.Time{})
	require.NoError(t, err)
	return refs
}

func (h *harness) spoolStats(t *testing.T, ctx *testcontext.Context) spool.Stats {
	stats, err := h.spool.Stats(ctx)
	require.NoError(t, err)
	return stats
}

func (h *harness) alertKinds() []string {
	var kinds []string
	for _, alert := range h.ledger.Snapshot().Alerts {
		kinds = append(kinds, alert.Kind)
	}
	return kinds
}

// stepClock returns a clock that advances by step on every reading, so
// elapsed times become deterministic multiples of step.
func stepClock(step time.Duration) func() time.Time {
	current := time.Now()
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

func TestParsePhase(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"legacy", "hybrid", "migration", "new"} {
		phase, err := cutover.ParsePhase(name)
		require.NoError(t, err)
		require.Equal(t, name, phase.String())
		require.True(t, phase.Valid())
	}
	for _, name := range []string{"", "Legacy", "sideways"} {
		_, err := cutover.ParsePhase(name)
		require.Error(t, err)
		require.True(t, cutover.Error.Has(err))
	}

	require.Equal(t, cutover.PhaseHybrid, cutover.PhaseNew.Demote())
	require.Equal(t, cutover.PhaseHybrid, cutover.PhaseMigration.Demote())
	require.Equal(t, cutover.PhaseLegacy, cutover.PhaseHybrid.Demote())
	require.Equal(t, cutover.PhaseLegacy, cutover.PhaseLegacy.Demote())

	_, err := cutover.NewController(zaptest.NewLogger(t), nil, nil, nil, nil, nil, cutover.Config{Phase: "sideways"})
	require.Error(t, err)
}

func TestControllerPhaseFlows(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "legacy"
	})

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.PhaseLegacy, result.Phase)
	require.Equal(t, cutover.FlowLegacy, result.Flow)
	require.NotNil(t, result.Legacy)
	require.Nil(t, result.Pipeline)

	require.NoError(t, h.controller.SetPhase(cutover.PhaseHybrid))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.FlowHybrid, result.Flow)
	require.NotNil(t, result.Legacy)
	require.NotNil(t, result.Comparison)

	require.NoError(t, h.controller.SetPhase(cutover.PhaseMigration))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.PhaseMigration, result.Phase)
	require.Equal(t, cutover.FlowNew, result.Flow)
	require.NotNil(t, result.Pipeline)

	require.NoError(t, h.controller.SetPhase(cutover.PhaseNew))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.PhaseNew, result.Phase)
	require.Equal(t, cutover.FlowNew, result.Flow)
	require.NotNil(t, result.Pipeline)
	require.Nil(t, result.Legacy)
}

func TestControllerLegacyFlow(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "legacy"
	})
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1), gpsRecord("B", 2)))
	require.NoError(t, h.queue.Push(ctx, telemetry.Mobile, mobileRecord("u1", 3)))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.FlowLegacy, result.Flow)
	require.True(t, result.Legacy.Success)
	require.Equal(t, 3, result.Legacy.Records)
	require.EqualValues(t, 3, result.Legacy.Inserted)

	// The legacy flow writes the tables directly: rows land without
	// any staged object existing at any point.
	require.EqualValues(t, 2, h.rows(t, ctx, telemetry.GPS))
	require.EqualValues(t, 1, h.rows(t, ctx, telemetry.Mobile))
	require.Empty(t, h.stagedObjects(t, ctx, telemetry.GPS))
	require.Empty(t, h.stagedObjects(t, ctx, telemetry.Mobile))

	snap := h.ledger.Snapshot()
	require.NotNil(t, snap.Flows[cutover.FlowLegacy])
	require.EqualValues(t, 1, snap.Flows[cutover.FlowLegacy].Executions)
	require.EqualValues(t, 1, snap.Flows[cutover.FlowLegacy].Successes)
	require.Nil(t, snap.Flows[cutover.FlowNew])
}

func TestHybridAgreement(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "hybrid"
	})
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1), gpsRecord("B", 2)))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.FlowHybrid, result.Flow)
	require.True(t, result.Legacy.Success)

	comp := result.Comparison
	require.NotNil(t, comp)
	require.True(t, comp.Consistent)
	require.Equal(t, 2, comp.LegacyRecords)
	require.Equal(t, 2, comp.NewRecords)
	require.True(t, comp.LegacySuccess)
	require.True(t, comp.NewSuccess)
	require.Empty(t, comp.Detail)

	// The legacy flow is the destructive one; the staged dry run must
	// leave no object behind and load nothing twice.
	require.EqualValues(t, 2, h.rows(t, ctx, telemetry.GPS))
	require.Empty(t, h.stagedObjects(t, ctx, telemetry.GPS))
	require.NotContains(t, h.alertKinds(), "hybrid_discrepancy")

	status := h.controller.Status()
	require.Len(t, status.Comparisons, 1)
	require.Equal(t, 1, status.NewWindow.Executions)
	require.Equal(t, 1, status.LegacyWindow.Executions)
}

func TestHybridDiscrepancy(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "hybrid"
	})
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1)))
	h.loader.failNext(1, warehouse.ErrTransientJob.New("insert backend down"))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.False(t, result.Legacy.Success)
	require.False(t, result.RolledBack)

	comp := result.Comparison
	require.NotNil(t, comp)
	require.False(t, comp.Consistent)
	require.False(t, comp.LegacySuccess)
	require.True(t, comp.NewSuccess)
	require.NotEmpty(t, comp.Detail)
	require.Contains(t, h.alertKinds(), "hybrid_discrepancy")

	// A discrepancy is flagged for review, never rolled back, and the
	// failed legacy batch sits in the spool instead of being lost.
	require.Equal(t, cutover.PhaseHybrid, h.controller.Phase())
	require.Empty(t, h.ledger.Rollbacks())
	require.Equal(t, 1, h.spoolStats(t, ctx).Pending)

	// The next hybrid cycle replays the spooled batch through the
	// legacy flow and the flows agree again.
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Legacy.Success)
	require.Equal(t, 1, result.Legacy.Replayed)
	require.True(t, result.Comparison.Consistent)
	require.EqualValues(t, 1, h.rows(t, ctx, telemetry.GPS))
	require.Equal(t, 1, h.spoolStats(t, ctx).Completed)
}

func TestRollbackConsecutiveFailures(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		// Spooled batches must not be retried mid-test, or a replayed
		// upload would absorb the injected failure of the next cycle.
		opts.spool.BaseDelay = time.Hour
	})

	// Three staged cycles in a row lose their staging backend. Every
	// drained batch is preserved in the spool; the third failure trips
	// the rollback.
	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", seq)))
		h.store.failNext(1, staging.ErrTransient.New("bucket unavailable"))

		result, err := h.controller.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, cutover.FlowNew, result.Flow)
		require.False(t, result.Pipeline.Success)
		require.Equal(t, seq == 3, result.RolledBack)
		require.Equal(t, seq, h.spoolStats(t, ctx).Pending)
	}

	require.Equal(t, cutover.PhaseHybrid, h.controller.Phase())
	status := h.controller.Status()
	require.True(t, status.NewDisabled)
	require.True(t, status.CooldownUntil.After(time.Now()))
	require.Zero(t, status.Consecutive)

	rollbacks := h.ledger.Rollbacks()
	require.Len(t, rollbacks, 1)
	require.Equal(t, "new", rollbacks[0].From)
	require.Equal(t, "hybrid", rollbacks[0].To)
	require.Equal(t, "consecutive_failures", rollbacks[0].Trigger)
	require.NotEmpty(t, rollbacks[0].Detail)
	require.Contains(t, h.alertKinds(), "rollback")

	// While the staged flow is disabled every phase runs the legacy
	// flow, which also replays the three spooled batches.
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 4)))
	h.direct.TestingSetNow(func() time.Time { return time.Now().Add(2 * time.Hour) })

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.PhaseHybrid, result.Phase)
	require.Equal(t, cutover.FlowLegacy, result.Flow)
	require.True(t, result.Legacy.Success)
	require.Equal(t, 3, result.Legacy.Replayed)
	require.EqualValues(t, 4, h.rows(t, ctx, telemetry.GPS))
	require.Zero(t, h.spoolStats(t, ctx).Pending)

	// Promotion is rejected for the whole cooldown; demotion is not.
	require.Error(t, h.controller.SetPhase(cutover.PhaseNew))
	require.Error(t, h.controller.SetPhase(cutover.PhaseMigration))
	require.NoError(t, h.controller.SetPhase(cutover.PhaseLegacy))

	// Once the cooldown elapses the staged flow is re-enabled and the
	// operator can promote again.
	h.controller.TestingSetNow(func() time.Time { return time.Now().Add(16 * time.Minute) })
	require.False(t, h.controller.Status().NewDisabled)
	require.NoError(t, h.controller.SetPhase(cutover.PhaseNew))

	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 5)))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.FlowNew, result.Flow)
	require.True(t, result.Pipeline.Success)
	require.False(t, result.RolledBack)
	require.EqualValues(t, 5, h.rows(t, ctx, telemetry.GPS))
}

func TestRollbackErrorRate(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.RollbackConsecutive = 0
		opts.controller.RollbackErrorRate = 0.5
		opts.controller.MinSamples = 4
		opts.controller.WindowSize = 8
	})

	cycle := func(fail bool) *cutover.CycleResult {
		require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1)))
		if fail {
			h.loader.failNext(1, warehouse.ErrTransientJob.New("load backend down"))
		}
		result, err := h.controller.RunCycle(ctx)
		require.NoError(t, err)
		return result
	}

	// The rate trigger stays disarmed until the window carries enough
	// samples, even though the early failure rate is above threshold.
	require.False(t, cycle(true).RolledBack)
	require.False(t, cycle(false).RolledBack)
	require.False(t, cycle(true).RolledBack)

	result := cycle(true)
	require.True(t, result.RolledBack)
	require.Equal(t, cutover.PhaseHybrid, h.controller.Phase())

	rollbacks := h.ledger.Rollbacks()
	require.Len(t, rollbacks, 1)
	require.Equal(t, "error_rate", rollbacks[0].Trigger)
}

func TestRollbackPerfRatio(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "hybrid"
		opts.controller.RollbackConsecutive = 0
		opts.controller.RollbackErrorRate = 0
		opts.controller.RollbackPerfRatio = 2
		opts.controller.MinSamples = 2
		opts.controller.WindowSize = 4
	})

	// Every clock reading moves the legacy flow by a millisecond and
	// the staged dry run by a second, so the staged flow looks two
	// orders of magnitude slower.
	h.direct.TestingSetNow(stepClock(time.Millisecond))
	h.staged.TestingSetNow(stepClock(time.Second))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.False(t, result.RolledBack)

	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.RolledBack)

	// A hybrid rollback lands on legacy.
	require.Equal(t, cutover.PhaseLegacy, h.controller.Phase())
	rollbacks := h.ledger.Rollbacks()
	require.Len(t, rollbacks, 1)
	require.Equal(t, "perf_ratio", rollbacks[0].Trigger)
	require.Equal(t, "hybrid", rollbacks[0].From)
	require.Equal(t, "legacy", rollbacks[0].To)
}

func TestMigrationFallback(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "migration"
	})
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1)))
	h.store.failNext(1, staging.ErrTransient.New("bucket unavailable"))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, cutover.PhaseMigration, result.Phase)
	require.Equal(t, cutover.FlowNew, result.Flow)
	require.False(t, result.Pipeline.Success)

	// The staged cycle failed, so the spooled batch went straight to
	// the warehouse through the direct fallback.
	require.Equal(t, 1, result.Fallback)
	require.EqualValues(t, 1, h.rows(t, ctx, telemetry.GPS))

	stats := h.spoolStats(t, ctx)
	require.Zero(t, stats.Pending)
	require.Equal(t, 1, stats.Completed)
}

func TestControllerContention(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, nil)
	require.NoError(t, h.queue.Push(ctx, telemetry.GPS, gpsRecord("A", 1)))

	other := h.queue.NewMutex(redisq.MutexConfig{Key: "sluice:pipeline:lock", TTL: time.Minute})
	require.NoError(t, other.Lock(ctx))

	result, err := h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Busy)
	require.Zero(t, h.controller.Status().NewWindow.Executions)

	require.NoError(t, h.controller.SetPhase(cutover.PhaseHybrid))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.True(t, result.Busy)
	require.Nil(t, result.Comparison)

	require.NoError(t, other.Unlock(ctx))
	result, err = h.controller.RunCycle(ctx)
	require.NoError(t, err)
	require.False(t, result.Busy)
	require.EqualValues(t, 1, h.rows(t, ctx, telemetry.GPS))
}

func TestComparisonHistoryBound(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "hybrid"
	})

	for i := 0; i < 55; i++ {
		result, err := h.controller.RunCycle(ctx)
		require.NoError(t, err)
		require.True(t, result.Comparison.Consistent)
	}

	status := h.controller.Status()
	require.Len(t, status.Comparisons, 50)
	require.Equal(t, 55, status.NewWindow.Executions)
	require.Equal(t, 55, status.LegacyWindow.Executions)
}

func TestSetPhase(t *testing.T) {
	t.Parallel()
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := startCutover(t, ctx, func(opts *cutoverOptions) {
		opts.controller.Phase = "legacy"
	})

	err := h.controller.SetPhase(cutover.Phase("sideways"))
	require.Error(t, err)
	require.True(t, cutover.Error.Has(err))

	require.NoError(t, h.controller.SetPhase(cutover.PhaseLegacy))
	require.Equal(t, cutover.PhaseLegacy, h.controller.Phase())

	require.NoError(t, h.controller.SetPhase(cutover.PhaseNew))
	require.Equal(t, cutover.PhaseNew, h.controller.Phase())
}
