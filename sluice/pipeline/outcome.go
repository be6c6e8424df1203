// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"time"

	"storj.io/sluice/sluice/telemetry"
)

// Marker locates how far a per-stream path progressed before it
// stopped: the value names the step that failed, or Complete.
type Marker string

const (
	// StageExtract means the records never left the process after the
	// drain; under backpressure they were diverted to the spool
	// untouched.
	StageExtract Marker = "extract"
	// StageStage means the staging upload failed; the records were
	// diverted to the spool.
	StageStage Marker = "stage"
	// StageLoad means the warehouse load failed; the staged object
	// remains for the recovery sweeper.
	StageLoad Marker = "load"
	// StageComplete means the records were confirmed loaded.
	StageComplete Marker = "complete"
)

// TypeResult reports one stream's path through a cycle.
type TypeResult struct {
	Stream        telemetry.StreamType `json:"stream"`
	Stage         Marker               `json:"stage"`
	Records       int                  `json:"records"`
	Rejected      int                  `json:"rejected"`
	ProcessingID  string               `json:"processingId,omitempty"`
	StagedKey     string               `json:"stagedKey,omitempty"`
	SpoolID       string               `json:"spoolId,omitempty"`
	BackupCreated bool                 `json:"backupCreated,omitempty"`
	LoadedRows    int64                `json:"loadedRows,omitempty"`
	Permanent     bool                 `json:"permanent,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// Success reports whether the stream's path finished without an
// error. A deliberate divert to the spool under backpressure counts
// as success; a divert caused by a failed upload does not.
func (r *TypeResult) Success() bool { return r.Error == "" }

// ReplayResult reports one spool entry replay attempt inside a cycle.
type ReplayResult struct {
	SpoolID   string               `json:"spoolId"`
	Stream    telemetry.StreamType `json:"stream"`
	Records   int                  `json:"records"`
	StagedKey string               `json:"stagedKey,omitempty"`
	Loaded    bool                 `json:"loaded"`
	Exhausted bool                 `json:"exhausted,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ExtractionSummary reports what a cycle drained out of Redis.
type ExtractionSummary struct {
	GPS           int  `json:"gps"`
	Mobile        int  `json:"mobile"`
	GPSCleared    bool `json:"gpsCleared"`
	MobileCleared bool `json:"mobileCleared"`
}

// CycleOutcome is the structured result of one pipeline cycle.
type CycleOutcome struct {
	Success bool   `json:"success"`
	Busy    bool   `json:"busy,omitempty"`
	Reason  string `json:"reason,omitempty"`

	StartedAt    time.Time         `json:"startedAt"`
	Elapsed      time.Duration     `json:"elapsed"`
	TotalRecords int               `json:"totalRecords"`
	Extraction   ExtractionSummary `json:"extraction"`

	PerType map[telemetry.StreamType]*TypeResult `json:"perType,omitempty"`
	Replays []ReplayResult                       `json:"replays,omitempty"`

	// Backpressure is set when the spool was above its high-water
	// mark and the cycle only drained and spooled.
	Backpressure bool `json:"backpressure,omitempty"`
}

func newOutcome(at time.Time) *CycleOutcome {
	return &CycleOutcome{
		StartedAt: at,
		PerType:   map[telemetry.StreamType]*TypeResult{},
	}
}

func busyOutcome(at time.Time, reason string) *CycleOutcome {
	return &CycleOutcome{
		StartedAt: at,
		Busy:      true,
		Reason:    reason,
	}
}

// Result returns the per-stream result, or nil when the stream had no
// records this cycle.
func (o *CycleOutcome) Result(stream telemetry.StreamType) *TypeResult {
	return o.PerType[stream]
}

// finish computes the rollup flags. A cycle succeeds when every
// attempted per-stream path finished cleanly; replay failures are
// absorbed by the spool's own retry budget and do not fail the cycle.
func (o *CycleOutcome) finish(elapsed time.Duration) *CycleOutcome {
	o.Elapsed = elapsed
	o.Success = o.Reason == ""
	for _, result := range o.PerType {
		if !result.Success() {
			o.Success = false
		}
	}
	return o
}
