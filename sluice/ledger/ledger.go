// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ledger keeps the operational counters for every pipeline
// outcome and persists them as a periodic snapshot. The ledger is off
// the critical path: recording never fails the caller, and a broken
// snapshot file costs history, not data.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/sluice/sluice/telemetry"
)

var (
	// Error is the default error class for the ledger package.
	Error = errs.Class("ledger")

	mon = monkit.Package()
)

const (
	maxAlerts     = 100
	maxRollbacks  = 50
	maxRetryTimes = 64
)

// Config holds the ledger configuration.
type Config struct {
	Path          string        `help:"file the ledger snapshot is persisted to" default:"$CONFDIR/ledger.json"`
	FlushInterval time.Duration `help:"how often the ledger snapshot is written" default:"1m"`
	LoadedTTL     time.Duration `help:"how long successful load records are remembered" default:"168h"`
}

// StreamCounters aggregates outcomes for one stream.
type StreamCounters struct {
	Outcomes    int64         `json:"outcomes"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	Records     int64         `json:"records"`
	Rejected    int64         `json:"rejected"`
	RowsLoaded  int64         `json:"rowsLoaded"`
	BytesStaged int64         `json:"bytesStaged"`
	TotalTime   time.Duration `json:"totalTime"`
}

// FlowCounters aggregates executions of one flow (new or legacy) for
// the hybrid comparison windows.
type FlowCounters struct {
	Executions int64         `json:"executions"`
	Successes  int64         `json:"successes"`
	Failures   int64         `json:"failures"`
	Records    int64         `json:"records"`
	TotalTime  time.Duration `json:"totalTime"`
}

// Alert is one operator-facing event.
type Alert struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// RollbackRecord is one phase demotion, kept immutably in a bounded
// history.
type RollbackRecord struct {
	At      time.Time `json:"at"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	Detail  string    `json:"detail,omitempty"`
}

// LoadMark remembers one confirmed warehouse load, keyed by the staged
// object key, so the sweeper does not re-load objects that only failed
// cleanup.
type LoadMark struct {
	At    time.Time `json:"at"`
	JobID string    `json:"jobId"`
	Rows  int64     `json:"rows"`
}

// Snapshot is the persisted ledger state and the read view handed to
// the HTTP surface.
type Snapshot struct {
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Cycles         int64         `json:"cycles"`
	CycleSuccesses int64         `json:"cycleSuccesses"`
	CycleFailures  int64         `json:"cycleFailures"`
	CyclesBusy     int64         `json:"cyclesBusy"`
	CycleTime      time.Duration `json:"cycleTime"`
	TotalRecords   int64         `json:"totalRecords"`

	Drains         int64 `json:"drains"`
	DrainFailures  int64 `json:"drainFailures"`
	Stages         int64 `json:"stages"`
	StageFailures  int64 `json:"stageFailures"`
	Loads          int64 `json:"loads"`
	LoadFailures   int64 `json:"loadFailures"`
	Inserts        int64 `json:"inserts"`
	InsertFailures int64 `json:"insertFailures"`

	SpoolAdded     int64 `json:"spoolAdded"`
	SpoolReplayed  int64 `json:"spoolReplayed"`
	SpoolExhausted int64 `json:"spoolExhausted"`

	Streams   map[string]*StreamCounters `json:"streams"`
	Flows     map[string]*FlowCounters   `json:"flows"`
	Alerts    []Alert                    `json:"alerts,omitempty"`
	Rollbacks []RollbackRecord           `json:"rollbacks,omitempty"`
	Retries   []time.Time                `json:"retries,omitempty"`
	Loaded    map[string]LoadMark        `json:"loaded,omitempty"`
}

// Ledger is the in-process metrics singleton, guarded by a mutex and
// threaded through the components from main.
type Ledger struct {
	log    *zap.Logger
	config Config

	mu    sync.Mutex
	snap  Snapshot
	dirty bool
	now   func() time.Time
}

// New opens the ledger, restoring the previous snapshot when one
// exists. An unreadable snapshot is moved aside and logged, never
// fatal.
func New(log *zap.Logger, config Config) *Ledger {
	ledger := &Ledger{
		log:    log,
		config: config,
		now:    time.Now,
	}
	ledger.snap = emptySnapshot(time.Now().UTC())
	ledger.restore()
	return ledger
}

func emptySnapshot(now time.Time) Snapshot {
	return Snapshot{
		StartedAt: now,
		UpdatedAt: now,
		Streams:   map[string]*StreamCounters{},
		Flows:     map[string]*FlowCounters{},
		Loaded:    map[string]LoadMark{},
	}
}

func (l *Ledger) restore() {
	if l.config.Path == "" {
		return
	}
	data, err := os.ReadFile(l.config.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		l.log.Warn("ledger snapshot unreadable, starting fresh", zap.Error(err))
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.log.Warn("ledger snapshot does not decode, starting fresh", zap.Error(err))
		_ = os.Rename(l.config.Path, l.config.Path+".corrupt")
		return
	}
	if snap.Streams == nil {
		snap.Streams = map[string]*StreamCounters{}
	}
	if snap.Flows == nil {
		snap.Flows = map[string]*FlowCounters{}
	}
	if snap.Loaded == nil {
		snap.Loaded = map[string]LoadMark{}
	}
	snap.StartedAt = l.now().UTC()
	l.snap = snap
}

// TestingSetNow overrides the clock.
func (l *Ledger) TestingSetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) stream(stream telemetry.StreamType) *StreamCounters {
	counters, ok := l.snap.Streams[stream.String()]
	if !ok {
		counters = &StreamCounters{}
		l.snap.Streams[stream.String()] = counters
	}
	return counters
}

func (l *Ledger) flow(flow string) *FlowCounters {
	counters, ok := l.snap.Flows[flow]
	if !ok {
		counters = &FlowCounters{}
		l.snap.Flows[flow] = counters
	}
	return counters
}

// RecordCycle accounts one pipeline cycle.
func (l *Ledger) RecordCycle(success, busy bool, records int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.Cycles++
	switch {
	case busy:
		l.snap.CyclesBusy++
	case success:
		l.snap.CycleSuccesses++
	default:
		l.snap.CycleFailures++
	}
	l.snap.CycleTime += elapsed
	l.snap.TotalRecords += int64(records)
	l.dirty = true
	mon.IntVal("cycle_records").Observe(int64(records))
	mon.DurationVal("cycle_time").Observe(elapsed)
}

// RecordStreamOutcome accounts one per-stream result inside a cycle.
func (l *Ledger) RecordStreamOutcome(stream telemetry.StreamType, success bool, records int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counters := l.stream(stream)
	counters.Outcomes++
	if success {
		counters.Successes++
	} else {
		counters.Failures++
	}
	counters.Records += int64(records)
	counters.TotalTime += elapsed
	l.dirty = true
}

// RecordDrain accounts one drain attempt.
func (l *Ledger) RecordDrain(records int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.Drains++
	if !ok {
		l.snap.DrainFailures++
	}
	l.dirty = true
}

// RecordReject accounts records dropped by validation.
func (l *Ledger) RecordReject(stream telemetry.StreamType, n int) {
	if n == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stream(stream).Rejected += int64(n)
	l.dirty = true
	mon.IntVal("records_rejected", monkit.NewSeriesTag("stream", stream.String())).Observe(int64(n))
}

// RecordStage accounts one staging upload.
func (l *Ledger) RecordStage(stream telemetry.StreamType, size int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.Stages++
	if err != nil {
		l.snap.StageFailures++
	} else {
		l.stream(stream).BytesStaged += size
	}
	l.dirty = true
}

// RecordLoad accounts one warehouse load. Successful loads are
// remembered by staged key so the recovery sweeper can tell orphans
// from leftovers.
func (l *Ledger) RecordLoad(stream telemetry.StreamType, key, jobID string, rows int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.Loads++
	if err != nil {
		l.snap.LoadFailures++
	} else {
		l.stream(stream).RowsLoaded += rows
		if key != "" {
			l.snap.Loaded[key] = LoadMark{At: l.now().UTC(), JobID: jobID, Rows: rows}
			l.pruneLoadedLocked()
		}
	}
	l.dirty = true
}

// RecordInsert accounts one legacy direct insert.
func (l *Ledger) RecordInsert(stream telemetry.StreamType, rows int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.Inserts++
	if err != nil {
		l.snap.InsertFailures++
	} else {
		l.stream(stream).RowsLoaded += rows
	}
	l.dirty = true
}

// RecordSpoolAdded accounts a batch diverted into the spool.
func (l *Ledger) RecordSpoolAdded(stream telemetry.StreamType) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.SpoolAdded++
	l.dirty = true
	mon.Counter("spool_batches", monkit.NewSeriesTag("stream", stream.String())).Inc(1)
}

// RecordSpoolReplay accounts one replay attempt of a spooled entry.
func (l *Ledger) RecordSpoolReplay(at time.Time, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snap.SpoolReplayed++
	l.snap.Retries = append(l.snap.Retries, at)
	if len(l.snap.Retries) > maxRetryTimes {
		l.snap.Retries = l.snap.Retries[len(l.snap.Retries)-maxRetryTimes:]
	}
	l.dirty = true
}

// RecordSpoolExhausted accounts an entry going terminal.
func (l *Ledger) RecordSpoolExhausted(id string) {
	l.alert("spool_budget_exhausted", "entry "+id+" used its whole retry budget")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.SpoolExhausted++
	l.dirty = true
}

// RecordFlow accounts one flow execution for hybrid comparison.
func (l *Ledger) RecordFlow(flow string, success bool, records int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counters := l.flow(flow)
	counters.Executions++
	if success {
		counters.Successes++
	} else {
		counters.Failures++
	}
	counters.Records += int64(records)
	counters.TotalTime += elapsed
	l.dirty = true
}

// RecordRollback appends to the immutable rollback history.
func (l *Ledger) RecordRollback(record RollbackRecord) {
	l.mu.Lock()
	l.snap.Rollbacks = append(l.snap.Rollbacks, record)
	if len(l.snap.Rollbacks) > maxRollbacks {
		l.snap.Rollbacks = l.snap.Rollbacks[len(l.snap.Rollbacks)-maxRollbacks:]
	}
	l.dirty = true
	l.mu.Unlock()

	l.alert("rollback", "phase demoted "+record.From+" -> "+record.To+" ("+record.Trigger+")")
	mon.Event("rollback")
}

// Alert records an operator-facing event.
func (l *Ledger) Alert(kind, message string) { l.alert(kind, message) }

func (l *Ledger) alert(kind, message string) {
	l.mu.Lock()
	l.snap.Alerts = append(l.snap.Alerts, Alert{At: l.now().UTC(), Kind: kind, Message: message})
	if len(l.snap.Alerts) > maxAlerts {
		l.snap.Alerts = l.snap.Alerts[len(l.snap.Alerts)-maxAlerts:]
	}
	l.dirty = true
	l.mu.Unlock()

	l.log.Warn("alert", zap.String("kind", kind), zap.String("message", message))
	mon.Event("alert_" + kind)
}

// WasLoaded reports whether a staged key has a confirmed load.
func (l *Ledger) WasLoaded(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.snap.Loaded[key]
	return ok
}

// Rollbacks returns a copy of the rollback history.
func (l *Ledger) Rollbacks() []RollbackRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RollbackRecord(nil), l.snap.Rollbacks...)
}

func (l *Ledger) pruneLoadedLocked() {
	if l.config.LoadedTTL <= 0 {
		return
	}
	cutoff := l.now().UTC().Add(-l.config.LoadedTTL)
	for key, mark := range l.snap.Loaded {
		if mark.At.Before(cutoff) {
			delete(l.snap.Loaded, key)
		}
	}
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

func (l *Ledger) copyLocked() Snapshot {
	snap := l.snap
	snap.UpdatedAt = l.now().UTC()
	snap.Streams = make(map[string]*StreamCounters, len(l.snap.Streams))
	for name, counters := range l.snap.Streams {
		copied := *counters
		snap.Streams[name] = &copied
	}
	snap.Flows = make(map[string]*FlowCounters, len(l.snap.Flows))
	for name, counters := range l.snap.Flows {
		copied := *counters
		snap.Flows[name] = &copied
	}
	snap.Alerts = append([]Alert(nil), l.snap.Alerts...)
	snap.Rollbacks = append([]RollbackRecord(nil), l.snap.Rollbacks...)
	snap.Retries = append([]time.Time(nil), l.snap.Retries...)
	snap.Loaded = make(map[string]LoadMark, len(l.snap.Loaded))
	for key, mark := range l.snap.Loaded {
		snap.Loaded[key] = mark
	}
	return snap
}

// Flush persists the snapshot when something changed since the last
// write.
func (l *Ledger) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	l.mu.Lock()
	if !l.dirty || l.config.Path == "" {
		l.mu.Unlock()
		return nil
	}
	l.pruneLoadedLocked()
	snap := l.copyLocked()
	l.dirty = false
	l.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(l.config.Path), 0777); err != nil {
		return Error.Wrap(err)
	}
	tmp := l.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, l.config.Path))
}

// Close flushes one last time.
func (l *Ledger) Close() error {
	err := l.Flush(context.Background())
	if err != nil {
		l.log.Error("final ledger flush failed", zap.Error(err))
	}
	return err
}
