// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package spool

import (
	"encoding/json"
	"hash/crc32"
	"time"

	"storj.io/sluice/sluice/telemetry"
)

// State is the lifecycle state of a spool entry.
type State string

const (
	// StatePending means the entry waits for a retry attempt.
	StatePending State = "pending"
	// StateProcessing means a retry attempt is underway.
	StateProcessing State = "processing"
	// StateCompleted means the entry's records were confirmed loaded
	// or re-staged; the entry is kept until the retention window
	// passes.
	StateCompleted State = "completed"
	// StateFailed means the retry budget is exhausted; the entry is
	// kept for manual inspection and never auto-reclaimed.
	StateFailed State = "failed"
)

// maxErrorObservations bounds the per-entry error history.
const maxErrorObservations = 10

// ErrorObservation records one failed attempt.
type ErrorObservation struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// LoadNote is attached when an entry completes: where its records
// ended up.
type LoadNote struct {
	JobID     string `json:"jobId,omitempty"`
	Rows      int64  `json:"rows,omitempty"`
	StagedKey string `json:"stagedKey,omitempty"`
}

// Entry is one spooled batch. The file on disk is the marshaled form
// of this struct; every state change rewrites the file atomically.
type Entry struct {
	ID           string               `json:"id"`
	Stream       telemetry.StreamType `json:"stream"`
	ProcessingID string               `json:"processingId"`
	CreatedAt    time.Time            `json:"createdAt"`
	State        State                `json:"state"`
	RetryCount   int                  `json:"retryCount"`
	MaxRetries   int                  `json:"maxRetries"`
	Errors       []ErrorObservation   `json:"errors,omitempty"`
	LastAttempt  *time.Time           `json:"lastAttempt,omitempty"`
	ProcessedAt  *time.Time           `json:"processedAt,omitempty"`
	LoadResult   *LoadNote            `json:"loadResult,omitempty"`
	Records      []json.RawMessage    `json:"records"`
	Checksum     uint32               `json:"checksum"`
}

// RecordLines returns the verbatim batch payload, one record per
// element.
func (e *Entry) RecordLines() [][]byte {
	lines := make([][]byte, 0, len(e.Records))
	for _, record := range e.Records {
		lines = append(lines, []byte(record))
	}
	return lines
}

// NextAttemptAt returns when the entry becomes due, observing the
// exponential backoff base·2^(retryCount-1). An entry that has never
// been attempted is due immediately.
func (e *Entry) NextAttemptAt(baseDelay time.Duration) time.Time {
	if e.RetryCount <= 0 || e.LastAttempt == nil {
		return e.CreatedAt
	}
	return e.LastAttempt.Add(baseDelay << (e.RetryCount - 1))
}

// observe appends a failed attempt, keeping the history bounded.
func (e *Entry) observe(at time.Time, stage string, message string) {
	e.Errors = append(e.Errors, ErrorObservation{At: at, Stage: stage, Message: message})
	if len(e.Errors) > maxErrorObservations {
		e.Errors = e.Errors[len(e.Errors)-maxErrorObservations:]
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// payloadChecksum hashes the batch payload. It is computed on write
// and verified on every read; a mismatch quarantines the entry.
func payloadChecksum(records []json.RawMessage) uint32 {
	h := crc32.New(crcTable)
	for _, record := range records {
		_, _ = h.Write(record)
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum32()
}
