// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cutover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/pipeline"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/telemetry"
	"storj.io/sluice/sluice/warehouse"
)

// LegacyOutcome reports one execution of the direct insert flow.
type LegacyOutcome struct {
	Success  bool          `json:"success"`
	Busy     bool          `json:"busy,omitempty"`
	Records  int           `json:"records"`
	Inserted int64         `json:"inserted"`
	Rejected int           `json:"rejected"`
	Replayed int           `json:"replayed"`
	Elapsed  time.Duration `json:"elapsed"`
	Error    string        `json:"error,omitempty"`
}

// DirectLoader is the legacy flow: drained records go straight into
// the warehouse tables with no staged object in between. It shares the
// drain, the lock and the spool with the staged flow, so the no-loss
// contract holds in every phase.
type DirectLoader struct {
	log    *zap.Logger
	queue  *redisq.Queue
	mutex  *redisq.Mutex
	spool  *spool.Store
	loader warehouse.Loader
	ledger *ledger.Ledger

	now func() time.Time
}

// NewDirectLoader wires the legacy flow.
func NewDirectLoader(log *zap.Logger, queue *redisq.Queue, mutex *redisq.Mutex, spool *spool.Store, loader warehouse.Loader, ledger *ledger.Ledger) *DirectLoader {
	return &DirectLoader{
		log:    log,
		queue:  queue,
		mutex:  mutex,
		spool:  spool,
		loader: loader,
		ledger: ledger,
		now:    time.Now,
	}
}

// TestingSetNow overrides the clock.
func (direct *DirectLoader) TestingSetNow(now func() time.Time) { direct.now = now }

// RunCycle drains both streams under the processing lock and inserts
// the drained records directly.
func (direct *DirectLoader) RunCycle(ctx context.Context) (outcome *LegacyOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	start := direct.now().UTC()
	if err := direct.mutex.Lock(ctx); err != nil {
		if redisq.ErrContended.Has(err) {
			direct.ledger.RecordCycle(false, true, 0, 0)
			return &LegacyOutcome{Busy: true, Error: err.Error()}, nil
		}
		direct.ledger.RecordCycle(false, false, 0, 0)
		return &LegacyOutcome{Error: err.Error()}, err
	}
	defer func() {
		if unlockErr := direct.mutex.Unlock(context2.WithoutCancellation(ctx)); unlockErr != nil {
			direct.log.Warn("lock release failed", zap.Error(unlockErr))
		}
	}()

	ext, drainErr := direct.queue.DrainAll(ctx)
	direct.ledger.RecordDrain(ext.Total(), drainErr == nil)
	if drainErr != nil && ext.Empty() {
		direct.ledger.RecordCycle(false, false, 0, direct.now().UTC().Sub(start))
		return &LegacyOutcome{Error: drainErr.Error()}, drainErr
	}
	if drainErr != nil {
		// The drained portion exists only in this process now; it goes
		// forward into the warehouse or the spool regardless.
		direct.log.Warn("partial drain, inserting extracted records anyway",
			zap.Int("records", ext.Total()),
			zap.Error(drainErr))
	}

	outcome = direct.ProcessExtraction(ctx, ext)
	if drainErr != nil {
		outcome.Success = false
		if outcome.Error == "" {
			outcome.Error = drainErr.Error()
		}
	}
	outcome.Elapsed = direct.now().UTC().Sub(start)
	direct.ledger.RecordCycle(outcome.Success, false, ext.Total(), outcome.Elapsed)
	return outcome, nil
}

// ProcessExtraction inserts an extraction the caller already drained
// while holding the processing lock. Due spool entries are replayed
// first; records whose insert fails are spooled rather than dropped.
func (direct *DirectLoader) ProcessExtraction(ctx context.Context, ext *redisq.Extraction) (outcome *LegacyOutcome) {
	defer mon.Task()(&ctx)(nil)

	start := direct.now().UTC()
	outcome = &LegacyOutcome{Success: true}
	defer func() { outcome.Elapsed = direct.now().UTC().Sub(start) }()

	replayed, err := direct.replayDue(ctx)
	outcome.Replayed = replayed
	if err != nil {
		outcome.Success = false
		outcome.Error = err.Error()
		return outcome
	}

	sep := telemetry.Separate(append(ext.GPS.Records, ext.Mobile.Records...))
	outcome.Rejected = len(sep.Invalid)
	for _, stream := range telemetry.Streams {
		direct.ledger.RecordReject(stream, sep.RejectedFor(stream))
		lines, encErr := sep.Lines(stream)
		if encErr != nil {
			outcome.Success = false
			outcome.Error = encErr.Error()
			return outcome
		}
		if len(lines) == 0 {
			continue
		}
		outcome.Records += len(lines)

		if err := direct.mutex.Refresh(ctx); err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
			return outcome
		}
		rows, err := direct.loader.Insert(ctx, stream, lines)
		direct.ledger.RecordInsert(stream, rows, err)
		if err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
			direct.spoolFailedInsert(ctx, stream, lines, err)
			continue
		}
		outcome.Inserted += rows
	}
	return outcome
}

// ReplayPending is the migration fallback: when the staged flow fails
// its cycle, the spooled batches still reach the warehouse through the
// direct path. It takes the processing lock itself.
func (direct *DirectLoader) ReplayPending(ctx context.Context) (replayed int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := direct.mutex.Lock(ctx); err != nil {
		if redisq.ErrContended.Has(err) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if unlockErr := direct.mutex.Unlock(context2.WithoutCancellation(ctx)); unlockErr != nil {
			direct.log.Warn("lock release failed", zap.Error(unlockErr))
		}
	}()

	return direct.replayDue(ctx)
}

// replayDue inserts due pending spool entries directly, oldest first.
// Each attempt consumes one retry of the entry's budget.
func (direct *DirectLoader) replayDue(ctx context.Context) (replayed int, err error) {
	pending, err := direct.spool.Pending(ctx)
	if err != nil {
		return 0, err
	}
	now := direct.now().UTC()
	baseDelay := direct.spool.Config().BaseDelay

	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if entry.NextAttemptAt(baseDelay).After(now) {
			continue
		}
		if err := direct.mutex.Refresh(ctx); err != nil {
			return replayed, err
		}

		taken, err := direct.spool.MarkProcessing(ctx, entry.ID)
		if err != nil {
			direct.log.Warn("spool entry could not be taken for direct replay",
				zap.String("id", entry.ID),
				zap.Error(err))
			continue
		}
		rows, err := direct.loader.Insert(ctx, taken.Stream, taken.RecordLines())
		direct.ledger.RecordInsert(taken.Stream, rows, err)
		if err != nil {
			if _, retryErr := direct.spool.MarkRetry(ctx, taken.ID, "insert", err); spool.ErrBudget.Has(retryErr) {
				direct.ledger.RecordSpoolExhausted(taken.ID)
			}
			direct.ledger.RecordSpoolReplay(now, false)
			continue
		}
		if _, err := direct.spool.MarkCompleted(ctx, taken.ID, spool.LoadNote{Rows: rows}); err != nil {
			direct.log.Error("spool entry could not be completed",
				zap.String("id", taken.ID),
				zap.Error(err))
		}
		direct.ledger.RecordSpoolReplay(now, true)
		replayed++
	}
	return replayed, nil
}

// spoolFailedInsert diverts records whose direct insert failed. The
// failed insert counts as the entry's first attempt.
func (direct *DirectLoader) spoolFailedInsert(ctx context.Context, stream telemetry.StreamType, lines [][]byte, cause error) {
	processingID := pipeline.NewProcessingID(stream, direct.now().UTC())
	entry, err := direct.spool.AddFailedAttempt(ctx, stream, processingID, lines, "insert", cause)
	if err != nil && !spool.ErrBudget.Has(err) {
		direct.ledger.Alert("spool_io", "failed to spool a "+stream.String()+" batch after a direct insert failure: "+err.Error())
		direct.log.Error("batch could not be spooled after insert failure",
			zap.Stringer("stream", stream),
			zap.Error(err))
		return
	}
	if spool.ErrBudget.Has(err) {
		direct.ledger.RecordSpoolExhausted(entry.ID)
	}
	direct.ledger.RecordSpoolAdded(stream)
}
