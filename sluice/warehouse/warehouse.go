// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package warehouse submits load jobs that ingest staged objects into
// the typed telemetry tables, and exposes the legacy direct-insert
// path used before staging existed. Load jobs are keyed by the staged
// object so a re-load inside the dedup window cannot double-ingest.
package warehouse

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/sluice/sluice/telemetry"
)

var (
	// Error is the default error class for the warehouse package.
	Error = errs.Class("warehouse")
	// ErrTransientJob marks job failures that are retryable as-is.
	ErrTransientJob = errs.Class("load transient")
	// ErrSchema marks permanent failures: schema mismatch, missing
	// table, rejected credentials.
	ErrSchema = errs.Class("load schema")
	// ErrQuota marks quota exhaustion, retryable after a delay the
	// caller chooses.
	ErrQuota = errs.Class("load quota")
)

// Config holds the warehouse sink configuration.
type Config struct {
	Project      string        `help:"cloud project owning the dataset" default:""`
	Dataset      string        `help:"dataset receiving telemetry tables" default:"telemetry"`
	GPSTable     string        `help:"table receiving gps records" default:"gps_records"`
	MobileTable  string        `help:"table receiving mobile records" default:"mobile_records"`
	PollInterval time.Duration `help:"interval between load job status polls" default:"2s"`
	PollTimeout  time.Duration `help:"overall cap on waiting for one load job" default:"5m"`
}

// Table returns the destination table for a stream.
func (config Config) Table(stream telemetry.StreamType) string {
	if stream == telemetry.Mobile {
		return config.MobileTable
	}
	return config.GPSTable
}

// LoadRequest names one staged object to ingest.
type LoadRequest struct {
	Stream telemetry.StreamType
	// Key is the staged object key; it doubles as the idempotency
	// key for the load job.
	Key string
	// URI is the location the warehouse reads the object from.
	URI string
}

// LoadResult reports a completed load job.
type LoadResult struct {
	JobID string
	Rows  int64
}

// Loader is the warehouse surface the pipeline depends on. Both the
// cloud implementation and the local simulation directory satisfy it.
type Loader interface {
	// Load ingests a staged object and polls the job to completion.
	// It never deletes the staged object.
	Load(ctx context.Context, req LoadRequest) (LoadResult, error)
	// Insert writes rows directly into a stream's table. This is the
	// legacy path; rows are JSON documents in canonical record form.
	Insert(ctx context.Context, stream telemetry.StreamType, rows [][]byte) (int64, error)
	// Check verifies the warehouse is reachable.
	Check(ctx context.Context) error
	// Close releases any held connections.
	Close() error
}

// JobID derives the idempotent load-job id from a staged object key.
// The job system only allows [A-Za-z0-9_-], so everything else maps
// to an underscore; the key's uniqueness survives because slashes and
// dots map position-stably.
func JobID(key string) string {
	var b strings.Builder
	b.WriteString("sluice_load_")
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
