// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cutover

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/pipeline"
	"storj.io/sluice/sluice/redisq"
)

// Flow names used for the per-flow ledger counters and the cycle
// result.
const (
	FlowNew    = "new"
	FlowLegacy = "legacy"
	FlowHybrid = "hybrid"
)

// maxComparisons bounds the retained hybrid comparison history.
const maxComparisons = 50

// Config holds the cutover controller configuration.
type Config struct {
	Phase               string        `help:"processing phase: legacy, hybrid, migration or new" default:"new"`
	Interval            time.Duration `help:"time between controller cycles" default:"1m" testDefault:"-0s"`
	Tolerance           int           `help:"record count difference tolerated by the hybrid comparison" default:"0"`
	RollbackConsecutive int           `help:"consecutive staged-flow failures that demote the phase" default:"3"`
	RollbackErrorRate   float64       `help:"staged-flow failure rate over the window that demotes the phase" default:"0.1"`
	RollbackPerfRatio   float64       `help:"staged-to-legacy mean cycle time ratio that demotes the phase" default:"2"`
	RollbackCooldown    time.Duration `help:"pause after a rollback before promotion or further rollback is considered" default:"15m"`
	WindowSize          int           `help:"flow executions kept in the sliding comparison window" default:"100"`
	MinSamples          int           `help:"window samples required before the rate and ratio triggers arm" default:"10"`
}

// execution is one flow run inside a sliding window.
type execution struct {
	success bool
	elapsed time.Duration
	records int
}

// window is a fixed-size ring of the most recent flow executions.
type window struct {
	slots []execution
	next  int
	count int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{slots: make([]execution, size)}
}

func (w *window) observe(e execution) {
	w.slots[w.next] = e
	w.next = (w.next + 1) % len(w.slots)
	if w.count < len(w.slots) {
		w.count++
	}
}

func (w *window) len() int { return w.count }

func (w *window) failureRate() float64 {
	if w.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.count; i++ {
		if !w.slots[i].success {
			failures++
		}
	}
	return float64(failures) / float64(w.count)
}

func (w *window) meanElapsed() time.Duration {
	if w.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.count; i++ {
		total += w.slots[i].elapsed
	}
	return total / time.Duration(w.count)
}

func (w *window) stats() WindowStats {
	return WindowStats{
		Executions:  w.count,
		FailureRate: w.failureRate(),
		MeanElapsed: w.meanElapsed(),
	}
}

// Comparison records one hybrid cycle's agreement check between the
// destructive legacy flow and the staged dry run.
type Comparison struct {
	At            time.Time     `json:"at"`
	LegacyRecords int           `json:"legacyRecords"`
	NewRecords    int           `json:"newRecords"`
	LegacySuccess bool          `json:"legacySuccess"`
	NewSuccess    bool          `json:"newSuccess"`
	LegacyTime    time.Duration `json:"legacyTime"`
	NewTime       time.Duration `json:"newTime"`
	Consistent    bool          `json:"consistent"`
	Detail        string        `json:"detail,omitempty"`
}

// WindowStats summarizes one sliding window for the status view.
type WindowStats struct {
	Executions  int           `json:"executions"`
	FailureRate float64       `json:"failureRate"`
	MeanElapsed time.Duration `json:"meanElapsed"`
}

// Status is the controller's read view.
type Status struct {
	Phase         Phase        `json:"phase"`
	NewDisabled   bool         `json:"newDisabled"`
	CooldownUntil time.Time    `json:"cooldownUntil,omitzero"`
	Consecutive   int          `json:"consecutiveFailures"`
	NewWindow     WindowStats  `json:"newWindow"`
	LegacyWindow  WindowStats  `json:"legacyWindow"`
	Comparisons   []Comparison `json:"comparisons,omitempty"`
}

// CycleResult reports one controller cycle: which flow ran and what it
// produced.
type CycleResult struct {
	Phase      Phase                  `json:"phase"`
	Flow       string                 `json:"flow"`
	Busy       bool                   `json:"busy,omitempty"`
	Pipeline   *pipeline.CycleOutcome `json:"pipeline,omitempty"`
	Legacy     *LegacyOutcome         `json:"legacy,omitempty"`
	Comparison *Comparison            `json:"comparison,omitempty"`
	Fallback   int                    `json:"fallback,omitempty"`
	RolledBack bool                   `json:"rolledBack,omitempty"`
}

// Controller selects the flow for each cycle, watches the staged flow
// for degradation, and demotes the phase when a rollback trigger
// fires.
//
// architecture: Service
type Controller struct {
	log    *zap.Logger
	queue  *redisq.Queue
	mutex  *redisq.Mutex
	staged *pipeline.Service
	direct *DirectLoader
	ledger *ledger.Ledger
	config Config

	active atomic.Bool

	mu            sync.Mutex
	phase         Phase
	consecutive   int
	newDisabled   bool
	cooldownUntil time.Time
	newWindow     *window
	legacyWindow  *window
	comparisons   []Comparison
	now           func() time.Time
}

// NewController wires the controller. The configured phase must be one
// of the closed enumeration.
func NewController(log *zap.Logger, queue *redisq.Queue, mutex *redisq.Mutex, staged *pipeline.Service, direct *DirectLoader, ledger *ledger.Ledger, config Config) (*Controller, error) {
	phase, err := ParsePhase(config.Phase)
	if err != nil {
		return nil, err
	}
	return &Controller{
		log:          log,
		queue:        queue,
		mutex:        mutex,
		staged:       staged,
		direct:       direct,
		ledger:       ledger,
		config:       config,
		phase:        phase,
		newWindow:    newWindow(config.WindowSize),
		legacyWindow: newWindow(config.WindowSize),
		now:          time.Now,
	}, nil
}

// TestingSetNow overrides the clock.
func (controller *Controller) TestingSetNow(now func() time.Time) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.now = now
}

// Phase returns the current phase.
func (controller *Controller) Phase() Phase {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.maybeLiftCooldownLocked()
	return controller.phase
}

// SetPhase changes the phase by operator request. Promotion toward the
// staged flow is rejected while the rollback cooldown is active;
// demotion is always allowed.
func (controller *Controller) SetPhase(phase Phase) error {
	if !phase.Valid() {
		return Error.New("unknown phase %q", phase)
	}
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.maybeLiftCooldownLocked()

	if controller.newDisabled && phase.rank() > controller.phase.rank() {
		return Error.New("promotion to %q rejected, rollback cooldown active until %s",
			phase, controller.cooldownUntil.Format(time.RFC3339))
	}
	if phase == controller.phase {
		return nil
	}
	controller.log.Info("phase changed by operator",
		zap.Stringer("from", controller.phase),
		zap.Stringer("to", phase))
	controller.phase = phase
	return nil
}

// Status returns the controller's read view.
func (controller *Controller) Status() Status {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.maybeLiftCooldownLocked()
	return Status{
		Phase:         controller.phase,
		NewDisabled:   controller.newDisabled,
		CooldownUntil: controller.cooldownUntil,
		Consecutive:   controller.consecutive,
		NewWindow:     controller.newWindow.stats(),
		LegacyWindow:  controller.legacyWindow.stats(),
		Comparisons:   append([]Comparison(nil), controller.comparisons...),
	}
}

// RunCycle executes one controller cycle with the flow the phase
// selects. As with the underlying flows, contention is reported inside
// the result, not as an error.
func (controller *Controller) RunCycle(ctx context.Context) (result *CycleResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if !controller.active.CompareAndSwap(false, true) {
		return &CycleResult{Busy: true}, nil
	}
	defer controller.active.Store(false)

	phase, flow := controller.selectFlow()
	result = &CycleResult{Phase: phase, Flow: flow}

	switch flow {
	case FlowLegacy:
		outcome, err := controller.direct.RunCycle(ctx)
		result.Legacy = outcome
		if outcome.Busy {
			result.Busy = true
			return result, nil
		}
		controller.observeLegacy(outcome)
		return result, err

	case FlowHybrid:
		return controller.runHybrid(ctx, result)

	default:
		outcome, err := controller.staged.RunCycle(ctx)
		result.Pipeline = outcome
		if outcome.Busy {
			result.Busy = true
			return result, nil
		}
		result.RolledBack = controller.observeNew(execution{
			success: outcome.Success,
			elapsed: outcome.Elapsed,
			records: outcome.TotalRecords,
		})
		if phase == PhaseMigration && !outcome.Success {
			n, fallbackErr := controller.direct.ReplayPending(ctx)
			result.Fallback = n
			if fallbackErr != nil {
				controller.log.Warn("direct fallback replay failed", zap.Error(fallbackErr))
			} else if n > 0 {
				controller.log.Info("direct fallback replayed spooled batches", zap.Int("entries", n))
			}
		}
		return result, err
	}
}

// runHybrid drains once and feeds both flows from the same extraction.
// The legacy flow stays the destructive primary; the staged flow runs
// dry so nothing is double-loaded.
func (controller *Controller) runHybrid(ctx context.Context, result *CycleResult) (_ *CycleResult, err error) {
	defer mon.Task()(&ctx)(&err)

	start := controller.now().UTC()
	if err := controller.mutex.Lock(ctx); err != nil {
		if redisq.ErrContended.Has(err) {
			controller.ledger.RecordCycle(false, true, 0, 0)
			result.Busy = true
			return result, nil
		}
		controller.ledger.RecordCycle(false, false, 0, 0)
		return result, err
	}
	defer func() {
		if unlockErr := controller.mutex.Unlock(context2.WithoutCancellation(ctx)); unlockErr != nil {
			controller.log.Warn("lock release failed", zap.Error(unlockErr))
		}
	}()

	ext, drainErr := controller.queue.DrainAll(ctx)
	controller.ledger.RecordDrain(ext.Total(), drainErr == nil)
	if drainErr != nil && ext.Empty() {
		controller.ledger.RecordCycle(false, false, 0, controller.now().UTC().Sub(start))
		return result, drainErr
	}
	if drainErr != nil {
		// Whatever the partial drain produced must still go forward.
		controller.log.Warn("partial drain, hybrid cycle continues with extracted records",
			zap.Int("records", ext.Total()),
			zap.Error(drainErr))
	}

	legacy := controller.direct.ProcessExtraction(ctx, ext)
	if drainErr != nil {
		legacy.Success = false
		if legacy.Error == "" {
			legacy.Error = drainErr.Error()
		}
	}
	result.Legacy = legacy
	controller.observeLegacy(legacy)

	dry, dryErr := controller.staged.DryRun(ctx, ext)
	comparison := controller.compare(legacy, dry, dryErr)
	result.Comparison = &comparison
	result.RolledBack = controller.observeNew(execution{
		success: dryErr == nil && dry.Success,
		elapsed: dry.Elapsed,
		records: dry.Records,
	})

	controller.ledger.RecordCycle(legacy.Success, false, ext.Total(), controller.now().UTC().Sub(start))
	return result, nil
}

// selectFlow resolves the flow for this cycle, lifting an elapsed
// cooldown first. While the staged flow is disabled after a rollback,
// every phase runs the legacy flow.
func (controller *Controller) selectFlow() (Phase, string) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.maybeLiftCooldownLocked()

	phase := controller.phase
	if controller.newDisabled {
		return phase, FlowLegacy
	}
	switch phase {
	case PhaseLegacy:
		return phase, FlowLegacy
	case PhaseHybrid:
		return phase, FlowHybrid
	default:
		return phase, FlowNew
	}
}

func (controller *Controller) maybeLiftCooldownLocked() {
	if controller.newDisabled && !controller.cooldownUntil.After(controller.now().UTC()) {
		controller.newDisabled = false
		controller.consecutive = 0
		controller.log.Info("rollback cooldown elapsed, staged flow re-enabled",
			zap.Stringer("phase", controller.phase))
	}
}

// observeLegacy accounts one legacy flow execution.
func (controller *Controller) observeLegacy(outcome *LegacyOutcome) {
	controller.ledger.RecordFlow(FlowLegacy, outcome.Success, outcome.Records, outcome.Elapsed)
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.legacyWindow.observe(execution{
		success: outcome.Success,
		elapsed: outcome.Elapsed,
		records: outcome.Records,
	})
}

// observeNew accounts one staged flow execution and evaluates the
// rollback triggers. It reports whether a rollback fired.
func (controller *Controller) observeNew(exec execution) (rolledBack bool) {
	controller.ledger.RecordFlow(FlowNew, exec.success, exec.records, exec.elapsed)

	controller.mu.Lock()
	defer controller.mu.Unlock()

	controller.newWindow.observe(exec)
	if exec.success {
		controller.consecutive = 0
	} else {
		controller.consecutive++
	}
	if controller.newDisabled {
		// No further rollback is considered during the cooldown.
		return false
	}

	trigger, detail := controller.triggerLocked()
	if trigger == "" {
		return false
	}
	controller.rollbackLocked(trigger, detail)
	return true
}

// triggerLocked evaluates the rollback triggers against the windows.
// The rate and ratio triggers stay disarmed until the windows carry
// enough samples to be meaningful.
func (controller *Controller) triggerLocked() (trigger, detail string) {
	if controller.config.RollbackConsecutive > 0 && controller.consecutive >= controller.config.RollbackConsecutive {
		return "consecutive_failures", fmt.Sprintf("%d consecutive staged-flow failures", controller.consecutive)
	}
	if controller.newWindow.len() < controller.config.MinSamples {
		return "", ""
	}
	if rate := controller.newWindow.failureRate(); controller.config.RollbackErrorRate > 0 && rate > controller.config.RollbackErrorRate {
		return "error_rate", fmt.Sprintf("staged-flow failure rate %.2f over the last %d executions", rate, controller.newWindow.len())
	}
	if controller.config.RollbackPerfRatio > 0 && controller.legacyWindow.len() >= controller.config.MinSamples {
		legacyMean := controller.legacyWindow.meanElapsed()
		newMean := controller.newWindow.meanElapsed()
		if legacyMean > 0 && float64(newMean) > controller.config.RollbackPerfRatio*float64(legacyMean) {
			return "perf_ratio", fmt.Sprintf("staged-flow mean %v against legacy mean %v exceeds the %.1fx threshold",
				newMean, legacyMean, controller.config.RollbackPerfRatio)
		}
	}
	return "", ""
}

// rollbackLocked demotes the phase one step, disables the staged flow
// and starts the cooldown.
func (controller *Controller) rollbackLocked(trigger, detail string) {
	from := controller.phase
	to := from.Demote()
	now := controller.now().UTC()

	controller.phase = to
	controller.newDisabled = true
	controller.cooldownUntil = now.Add(controller.config.RollbackCooldown)
	controller.consecutive = 0

	controller.ledger.RecordRollback(ledger.RollbackRecord{
		At:      now,
		From:    from.String(),
		To:      to.String(),
		Trigger: trigger,
		Detail:  detail,
	})
	controller.log.Error("staged flow degraded, phase demoted",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("trigger", trigger),
		zap.String("detail", detail),
		zap.Time("cooldown-until", controller.cooldownUntil))
}

// compare checks flow agreement for one hybrid cycle and records the
// result in the bounded history. A discrepancy raises an alert for
// human review; it never triggers a rollback by itself.
func (controller *Controller) compare(legacy *LegacyOutcome, dry *pipeline.DryRunOutcome, dryErr error) Comparison {
	comp := Comparison{
		At:            controller.now().UTC(),
		LegacyRecords: legacy.Records,
		LegacySuccess: legacy.Success,
		LegacyTime:    legacy.Elapsed,
		NewRecords:    dry.Records,
		NewSuccess:    dryErr == nil && dry.Success,
		NewTime:       dry.Elapsed,
	}
	delta := comp.NewRecords - comp.LegacyRecords
	if delta < 0 {
		delta = -delta
	}
	comp.Consistent = delta <= controller.config.Tolerance && comp.NewSuccess == comp.LegacySuccess
	if !comp.Consistent {
		comp.Detail = fmt.Sprintf("records legacy=%d new=%d, success legacy=%t new=%t",
			comp.LegacyRecords, comp.NewRecords, comp.LegacySuccess, comp.NewSuccess)
		controller.ledger.Alert("hybrid_discrepancy", comp.Detail)
	}

	controller.mu.Lock()
	controller.comparisons = append(controller.comparisons, comp)
	if len(controller.comparisons) > maxComparisons {
		controller.comparisons = controller.comparisons[len(controller.comparisons)-maxComparisons:]
	}
	controller.mu.Unlock()
	return comp
}
