// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipeline drives one processing cycle of the staged ingestion
// flow: drain the Redis lists, replay spooled batches, then stage and
// load each stream. Every record that enters a cycle leaves it loaded,
// staged, or spooled; the stage machine never drops data on a partial
// failure.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/telemetry"
	"storj.io/sluice/sluice/warehouse"
)

var (
	// Error is the default error class for the pipeline package.
	Error = errs.Class("pipeline")
	// ErrBusy means a cycle was requested while another was active in
	// this process, or the distributed lock was held elsewhere.
	ErrBusy = errs.Class("pipeline busy")

	mon = monkit.Package()
)

// Config holds the stage machine configuration.
type Config struct {
	CleanupProcessed bool `help:"delete staged objects after a confirmed warehouse load" default:"true"`
	SpoolHighWater   int  `help:"pending spool entries above which new batches are spooled without staging" default:"100"`
}

// Service is the pipeline stage machine.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	queue  *redisq.Queue
	mutex  *redisq.Mutex
	spool  *spool.Store
	store  staging.Store
	loader warehouse.Loader
	ledger *ledger.Ledger
	config Config

	active atomic.Bool
	now    func() time.Time
}

// New wires the stage machine.
func New(log *zap.Logger, queue *redisq.Queue, mutex *redisq.Mutex, spool *spool.Store, store staging.Store, loader warehouse.Loader, ledger *ledger.Ledger, config Config) *Service {
	return &Service{
		log:    log,
		queue:  queue,
		mutex:  mutex,
		spool:  spool,
		store:  store,
		loader: loader,
		ledger: ledger,
		config: config,
		now:    time.Now,
	}
}

// TestingSetNow overrides the clock.
func (service *Service) TestingSetNow(now func() time.Time) { service.now = now }

// RunCycle executes one full cycle: acquire the locks, drain both
// streams, replay due spool entries, then stage and load each stream.
// The returned outcome is always non-nil; err is non-nil only when the
// cycle aborted before finishing its work (contention is not an
// error). Partial per-stream failures are reported inside the outcome.
func (service *Service) RunCycle(ctx context.Context) (outcome *CycleOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	start := service.now().UTC()
	if !service.active.CompareAndSwap(false, true) {
		service.ledger.RecordCycle(false, true, 0, 0)
		return busyOutcome(start, "another cycle is active in this process"), nil
	}
	defer service.active.Store(false)

	if err := service.mutex.Lock(ctx); err != nil {
		if redisq.ErrContended.Has(err) {
			service.ledger.RecordCycle(false, true, 0, 0)
			return busyOutcome(start, "processing lock held by another process"), nil
		}
		service.ledger.RecordCycle(false, false, 0, 0)
		return failedOutcome(start, err), err
	}
	defer func() {
		if unlockErr := service.mutex.Unlock(context2.WithoutCancellation(ctx)); unlockErr != nil {
			service.log.Warn("lock release failed", zap.Error(unlockErr))
		}
	}()

	ext, drainErr := service.queue.DrainAll(ctx)
	service.ledger.RecordDrain(ext.Total(), drainErr == nil)
	if drainErr != nil && ext.Empty() {
		// No record left Redis, so aborting here loses nothing.
		service.ledger.RecordCycle(false, false, 0, service.now().UTC().Sub(start))
		return failedOutcome(start, drainErr), drainErr
	}
	if drainErr != nil {
		// The first stream was already cleared before the second drain
		// failed. Those records exist only in this process now; they
		// must move forward into the spool or the staging area.
		service.log.Warn("partial drain, pushing extracted records forward",
			zap.Int("records", ext.Total()),
			zap.Error(drainErr))
	}

	outcome, err = service.processExtraction(ctx, start, ext, drainErr)
	return outcome, err
}

// processExtraction runs the post-drain portion of a cycle while the
// processing lock is held. A non-nil drainErr marks the outcome failed
// without discarding the records the partial drain produced.
func (service *Service) processExtraction(ctx context.Context, start time.Time, ext *redisq.Extraction, drainErr error) (outcome *CycleOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	outcome = newOutcome(start)
	outcome.TotalRecords = ext.Total()
	if drainErr != nil {
		outcome.Reason = drainErr.Error()
	}
	outcome.Extraction = ExtractionSummary{
		GPS:           len(ext.GPS.Records),
		Mobile:        len(ext.Mobile.Records),
		GPSCleared:    ext.GPS.Cleared,
		MobileCleared: ext.Mobile.Cleared,
	}

	defer func() {
		outcome.finish(service.now().UTC().Sub(start))
		service.ledger.RecordCycle(outcome.Success, false, outcome.TotalRecords, outcome.Elapsed)
	}()

	// Spool replay precedes new work so the spool drains before it
	// grows; an aborted replay aborts the cycle before any new state
	// is written.
	due, err := service.dueEntries(ctx)
	if err != nil {
		service.log.Warn("spool scan failed, continuing with drained data", zap.Error(err))
	}
	if ext.Empty() && len(due) == 0 {
		return outcome, nil
	}
	if err := service.replay(ctx, outcome, due); err != nil {
		outcome.Reason = err.Error()
		return outcome, err
	}

	backpressure := false
	if service.config.SpoolHighWater > 0 && !ext.Empty() {
		stats, statsErr := service.spool.Stats(ctx)
		if statsErr == nil && stats.Pending > service.config.SpoolHighWater {
			backpressure = true
			outcome.Backpressure = true
			service.ledger.Alert("spool_high_water",
				"pending spool depth exceeds the high-water mark; staging of new batches suspended")
		}
	}

	sep := telemetry.Separate(append(ext.GPS.Records, ext.Mobile.Records...))
	for _, stream := range telemetry.Streams {
		if err := ctx.Err(); err != nil {
			outcome.Reason = "cycle cancelled"
			return outcome, err
		}
		lines, encErr := sep.Lines(stream)
		if encErr != nil {
			outcome.Reason = encErr.Error()
			return outcome, encErr
		}
		service.ledger.RecordReject(stream, sep.RejectedFor(stream))
		if len(lines) == 0 {
			continue
		}

		streamStart := service.now()
		result := service.processStream(ctx, stream, lines, sep.RejectedFor(stream), ext.ExtractedAt, backpressure)
		outcome.PerType[stream] = result
		service.ledger.RecordStreamOutcome(stream, result.Success(), result.Records, service.now().Sub(streamStart))
	}
	return outcome, nil
}

// processStream walks one stream through stage and load. Failures
// never lose records: a failed stage diverts the batch into the spool,
// a failed load leaves the staged object for the recovery sweeper.
func (service *Service) processStream(ctx context.Context, stream telemetry.StreamType, records [][]byte, rejected int, extractedAt time.Time, backpressure bool) (result *TypeResult) {
	batch := NewBatch(stream, extractedAt, records)
	result = &TypeResult{
		Stream:       stream,
		Stage:        StageExtract,
		Records:      batch.Count(),
		Rejected:     rejected,
		ProcessingID: batch.ProcessingID,
	}

	if backpressure {
		entry, err := service.spool.Add(ctx, stream, batch.ProcessingID, batch.Records)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		service.ledger.RecordSpoolAdded(stream)
		result.SpoolID = entry.ID
		result.BackupCreated = true
		return result
	}

	// The lease must still be ours before any state-mutating step.
	if err := service.mutex.Refresh(ctx); err != nil {
		result.Error = err.Error()
		return result
	}

	ref, err := service.store.Upload(ctx, staging.UploadRequest{
		Stream:       stream,
		ProcessingID: batch.ProcessingID,
		ExtractedAt:  batch.ExtractedAt,
		Records:      batch.Records,
		Source:       staging.SourceAtomic,
	})
	if staging.ErrAlreadyExists.Has(err) {
		// Re-staging the same processing id is a no-op.
		ref, err = service.store.Stat(ctx, ref.Key)
	}
	service.ledger.RecordStage(stream, ref.Size, err)
	if err != nil {
		return service.divert(ctx, batch, result, err)
	}
	result.Stage = StageStage
	result.StagedKey = ref.Key

	loaded, err := service.loader.Load(ctx, warehouse.LoadRequest{
		Stream: stream,
		Key:    ref.Key,
		URI:    service.store.URI(ref.Key),
	})
	service.ledger.RecordLoad(stream, ref.Key, loaded.JobID, loaded.Rows, err)
	if err != nil {
		// The staged object stays for the recovery sweeper.
		result.Stage = StageLoad
		result.Error = err.Error()
		service.log.Warn("load failed, staged object left for recovery",
			zap.Stringer("stream", stream),
			zap.String("key", ref.Key),
			zap.Error(err))
		return result
	}
	result.Stage = StageComplete
	result.LoadedRows = loaded.Rows

	if service.config.CleanupProcessed {
		if err := service.store.Delete(ctx, ref.Key); err != nil {
			service.log.Warn("staged object cleanup failed",
				zap.String("key", ref.Key),
				zap.Error(err))
		}
	}
	return result
}

// divert hands a batch whose stage failed to the spool. The failed
// upload counts as the entry's first attempt. A permanent failure
// additionally alerts: the spool will retry anyway, but a human should
// look at the credentials or metadata before the budget runs out.
func (service *Service) divert(ctx context.Context, batch Batch, result *TypeResult, cause error) *TypeResult {
	result.Stage = StageStage
	result.Error = cause.Error()
	if staging.ErrPermanent.Has(cause) {
		result.Permanent = true
		service.ledger.Alert("stage_permanent", "staging rejected a "+batch.Stream.String()+" batch permanently: "+cause.Error())
	}

	entry, err := service.spool.AddFailedAttempt(ctx, batch.Stream, batch.ProcessingID, batch.Records, string(StageStage), cause)
	if err != nil && !spool.ErrBudget.Has(err) {
		// Losing the records here would violate the no-loss contract;
		// the error is surfaced as loudly as possible.
		service.ledger.Alert("spool_io", "failed to spool a "+batch.Stream.String()+" batch after a staging failure: "+err.Error())
		service.log.Error("batch could not be spooled after staging failure",
			zap.Stringer("stream", batch.Stream),
			zap.String("processing-id", batch.ProcessingID),
			zap.Error(err))
		result.Error = errs.Combine(cause, err).Error()
		return result
	}
	if spool.ErrBudget.Has(err) {
		service.ledger.RecordSpoolExhausted(entry.ID)
	}
	service.ledger.RecordSpoolAdded(batch.Stream)
	result.SpoolID = entry.ID
	result.BackupCreated = true
	return result
}

// dueEntries returns pending spool entries whose backoff has elapsed,
// oldest first.
func (service *Service) dueEntries(ctx context.Context) ([]*spool.Entry, error) {
	pending, err := service.spool.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := service.now().UTC()
	baseDelay := service.spool.Config().BaseDelay
	due := pending[:0]
	for _, entry := range pending {
		if !entry.NextAttemptAt(baseDelay).After(now) {
			due = append(due, entry)
		}
	}
	return due, nil
}

// replay re-uploads due spool entries oldest first. Each entry gets a
// fresh staged key annotated with its backup id; a successful upload
// completes the entry even when the follow-up load fails, because the
// staged object has become the source of truth the sweeper can retry.
func (service *Service) replay(ctx context.Context, outcome *CycleOutcome, due []*spool.Entry) error {
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := service.mutex.Refresh(ctx); err != nil {
			return err
		}

		replay := ReplayResult{
			SpoolID: entry.ID,
			Stream:  entry.Stream,
			Records: len(entry.Records),
		}
		taken, err := service.spool.MarkProcessing(ctx, entry.ID)
		if err != nil {
			service.log.Warn("spool entry could not be taken for replay",
				zap.String("id", entry.ID),
				zap.Error(err))
			continue
		}

		now := service.now().UTC()
		ref, err := service.store.Upload(ctx, staging.UploadRequest{
			Stream:       taken.Stream,
			ProcessingID: NewProcessingID(taken.Stream, now),
			ExtractedAt:  now,
			Records:      taken.RecordLines(),
			Source:       staging.SourceBackup,
			BackupID:     taken.ID,
		})
		if staging.ErrAlreadyExists.Has(err) {
			err = nil
		}
		service.ledger.RecordStage(taken.Stream, ref.Size, err)
		if err != nil {
			replay.Error = err.Error()
			if _, retryErr := service.spool.MarkRetry(ctx, taken.ID, string(StageStage), err); spool.ErrBudget.Has(retryErr) {
				replay.Exhausted = true
				service.ledger.RecordSpoolExhausted(taken.ID)
			}
			service.ledger.RecordSpoolReplay(now, false)
			outcome.Replays = append(outcome.Replays, replay)
			continue
		}
		replay.StagedKey = ref.Key

		note := spool.LoadNote{StagedKey: ref.Key}
		loaded, loadErr := service.loader.Load(ctx, warehouse.LoadRequest{
			Stream: taken.Stream,
			Key:    ref.Key,
			URI:    service.store.URI(ref.Key),
		})
		service.ledger.RecordLoad(taken.Stream, ref.Key, loaded.JobID, loaded.Rows, loadErr)
		if loadErr == nil {
			note.JobID = loaded.JobID
			note.Rows = loaded.Rows
			replay.Loaded = true
		} else {
			replay.Error = loadErr.Error()
			service.log.Warn("replayed batch staged but not loaded; sweeper will retry",
				zap.String("id", taken.ID),
				zap.String("key", ref.Key),
				zap.Error(loadErr))
		}
		if _, err := service.spool.MarkCompleted(ctx, taken.ID, note); err != nil {
			service.log.Error("spool entry could not be completed",
				zap.String("id", taken.ID),
				zap.Error(err))
		}
		service.ledger.RecordSpoolReplay(now, true)
		outcome.Replays = append(outcome.Replays, replay)

		if replay.Loaded && service.config.CleanupProcessed {
			if err := service.store.Delete(ctx, ref.Key); err != nil {
				service.log.Warn("staged object cleanup failed",
					zap.String("key", ref.Key),
					zap.Error(err))
			}
		}
	}
	return nil
}

// DryRunOutcome reports what a cycle would have done with an
// extraction, without writing anything.
type DryRunOutcome struct {
	Success  bool          `json:"success"`
	Records  int           `json:"records"`
	Rejected int           `json:"rejected"`
	Bytes    int64         `json:"bytes"`
	Elapsed  time.Duration `json:"elapsed"`
}

// DryRun separates, validates and serializes an extraction exactly as
// a destructive cycle would, but stages and loads nothing. The cutover
// controller compares its statistics against the legacy flow.
func (service *Service) DryRun(ctx context.Context, ext *redisq.Extraction) (_ *DryRunOutcome, err error) {
	defer mon.Task()(&ctx)(&err)

	start := service.now()
	out := &DryRunOutcome{Success: true}
	sep := telemetry.Separate(append(ext.GPS.Records, ext.Mobile.Records...))
	out.Records = sep.ValidTotal()
	out.Rejected = len(sep.Invalid)
	for _, stream := range telemetry.Streams {
		lines, err := sep.Lines(stream)
		if err != nil {
			out.Success = false
			out.Elapsed = service.now().Sub(start)
			return out, err
		}
		out.Bytes += int64(len(staging.EncodeNDJSON(lines)))
	}
	out.Elapsed = service.now().Sub(start)
	return out, nil
}

func failedOutcome(at time.Time, err error) *CycleOutcome {
	outcome := newOutcome(at)
	outcome.Reason = err.Error()
	return outcome
}
