// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package staging stores drained batches as newline-delimited JSON
// objects under deterministic keys. A staged object is the sole source
// of truth between staging and warehouse load, so uploads are atomic
// at the object level and deletes happen only after a confirmed load.
package staging

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/memory"
	"storj.io/sluice/sluice/telemetry"
)

var (
	// Error is the default error class for the staging package.
	Error = errs.Class("staging")
	// ErrTransient marks failures worth retrying: network trouble,
	// rate limits, timeouts. The caller owns the retry policy.
	ErrTransient = errs.Class("stage transient")
	// ErrPermanent marks failures retries cannot fix, like rejected
	// credentials or malformed metadata.
	ErrPermanent = errs.Class("stage permanent")
	// ErrAlreadyExists reports that the deterministic key is already
	// occupied. Re-staging the same processing id is a no-op, so
	// callers treat this as success.
	ErrAlreadyExists = errs.Class("stage already exists")
	// ErrNotFound reports a missing staged object.
	ErrNotFound = errs.Class("staged object not found")
)

// Object metadata keys.
const (
	MetaStream       = "stream"
	MetaRecordCount  = "record-count"
	MetaSource       = "source"
	MetaProcessingID = "processing-id"
	MetaBackupID     = "backup-id"
)

// Values for the MetaSource metadata key.
const (
	SourceAtomic = "atomic_extraction"
	SourceBackup = "local_backup"
)

// Config holds the staging area configuration.
type Config struct {
	Bucket             string        `help:"bucket holding staged batches" default:""`
	GPSPrefix          string        `help:"key prefix for staged gps batches" default:"gps-data"`
	MobilePrefix       string        `help:"key prefix for staged mobile batches" default:"mobile-data"`
	UploadTimeout      time.Duration `help:"base time allowed for a staging upload" default:"1m"`
	UploadTimeoutPerMB time.Duration `help:"additional upload time allowed per megabyte" default:"5s"`
}

// Prefix returns the staging prefix for a stream.
func (config Config) Prefix(stream telemetry.StreamType) string {
	if stream == telemetry.Mobile {
		return config.MobilePrefix
	}
	return config.GPSPrefix
}

// UploadDeadline derives the upload timeout from the payload size.
func (config Config) UploadDeadline(size int64) time.Duration {
	deadline := config.UploadTimeout
	if config.UploadTimeoutPerMB > 0 {
		deadline += time.Duration(size/memory.MB.Int64()) * config.UploadTimeoutPerMB
	}
	return deadline
}

// Key derives the deterministic object key for a batch. The date
// component comes from the extraction timestamp, so re-staging the
// same processing id always lands on the same key.
func Key(prefix, processingID string, extractedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, extractedAt.UTC().Format("2006-01-02"), processingID)
}

// EncodeNDJSON serializes records one per line, UTF-8, with a
// terminating newline.
func EncodeNDJSON(records [][]byte) []byte {
	var buf bytes.Buffer
	for _, record := range records {
		buf.Write(record)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ObjectRef describes one staged object.
type ObjectRef struct {
	Key       string
	Size      int64
	CreatedAt time.Time
	Metadata  map[string]string
}

// RecordCount reads the record count from the object metadata.
func (r ObjectRef) RecordCount() int {
	n, err := strconv.Atoi(r.Metadata[MetaRecordCount])
	if err != nil {
		return 0
	}
	return n
}

// Stream reads the stream type from the object metadata.
func (r ObjectRef) Stream() (telemetry.StreamType, bool) {
	s := telemetry.StreamType(r.Metadata[MetaStream])
	return s, s.Valid()
}

// Source reads the batch source from the object metadata.
func (r ObjectRef) Source() string { return r.Metadata[MetaSource] }

// UploadRequest describes a batch to stage.
type UploadRequest struct {
	Stream       telemetry.StreamType
	ProcessingID string
	ExtractedAt  time.Time
	Records      [][]byte
	Source       string
	BackupID     string
}

// Validate rejects requests that must never reach the object store.
func (req UploadRequest) Validate() error {
	switch {
	case !req.Stream.Valid():
		return Error.New("unknown stream type %q", req.Stream)
	case req.ProcessingID == "":
		return Error.New("missing processing id")
	case len(req.Records) == 0:
		return Error.New("empty batch is never staged")
	}
	return nil
}

// Metadata builds the object metadata for the request.
func (req UploadRequest) Metadata() map[string]string {
	meta := map[string]string{
		MetaStream:       req.Stream.String(),
		MetaRecordCount:  strconv.Itoa(len(req.Records)),
		MetaSource:       req.Source,
		MetaProcessingID: req.ProcessingID,
	}
	if meta[MetaSource] == "" {
		meta[MetaSource] = SourceAtomic
	}
	if req.BackupID != "" {
		meta[MetaBackupID] = req.BackupID
	}
	return meta
}

// Store is the object-store surface the pipeline depends on. Both the
// cloud implementation and the local simulation directory satisfy it.
type Store interface {
	// Upload stages a batch under its deterministic key. It returns
	// ErrAlreadyExists when the key is occupied; the caller treats
	// that as success.
	Upload(ctx context.Context, req UploadRequest) (ObjectRef, error)
	// List returns staged objects for a stream created at or before
	// olderThan, with their metadata. A zero olderThan means no age
	// filter.
	List(ctx context.Context, stream telemetry.StreamType, olderThan time.Time) ([]ObjectRef, error)
	// Stat fetches one staged object's metadata.
	Stat(ctx context.Context, key string) (ObjectRef, error)
	// Delete removes a staged object. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// URI returns the location the warehouse loads the object from.
	URI(key string) string
	// Check verifies the staging area is reachable.
	Check(ctx context.Context) error
	// Close releases any held connections.
	Close() error
}
