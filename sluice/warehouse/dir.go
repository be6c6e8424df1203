// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"storj.io/sluice/sluice/telemetry"
)

// Dir is the simulation warehouse: every table is a local NDJSON file
// and completed load jobs leave marker files, so re-loading the same
// staged key returns the recorded result instead of appending twice.
type Dir struct {
	log    *zap.Logger
	root   string
	config Config

	mu sync.Mutex
}

// OpenDirLoader creates a directory-backed warehouse rooted at root.
func OpenDirLoader(log *zap.Logger, root string, config Config) (*Dir, error) {
	if root == "" {
		return nil, Error.New("warehouse directory not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Join(abs, config.Dataset), 0777); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Dir{log: log, root: abs, config: config}, nil
}

// Load implements Loader.
func (d *Dir) Load(ctx context.Context, req LoadRequest) (result LoadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	d.mu.Lock()
	defer d.mu.Unlock()

	jobID := JobID(req.Key)
	markerPath := filepath.Join(d.root, d.config.Dataset, "_jobs", jobID+".json")
	if data, err := os.ReadFile(markerPath); err == nil {
		var prev LoadResult
		if json.Unmarshal(data, &prev) == nil && prev.JobID != "" {
			return prev, nil
		}
	}

	payload, err := os.ReadFile(req.URI)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LoadResult{JobID: jobID}, ErrSchema.New("source %q not found", req.URI)
		}
		return LoadResult{JobID: jobID}, ErrTransientJob.Wrap(err)
	}

	if err := d.appendTable(req.Stream, payload); err != nil {
		return LoadResult{JobID: jobID}, err
	}
	result = LoadResult{JobID: jobID, Rows: countLines(payload)}

	marker, err := json.Marshal(result)
	if err != nil {
		return result, Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(markerPath), 0777); err != nil {
		return result, ErrTransientJob.Wrap(err)
	}
	if err := os.WriteFile(markerPath, marker, 0644); err != nil {
		return result, ErrTransientJob.Wrap(err)
	}
	return result, nil
}

// Insert implements Loader.
func (d *Dir) Insert(ctx context.Context, stream telemetry.StreamType, rows [][]byte) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(rows) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf bytes.Buffer
	for _, row := range rows {
		buf.Write(row)
		buf.WriteByte('\n')
	}
	if err := d.appendTable(stream, buf.Bytes()); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Check implements Loader.
func (d *Dir) Check(ctx context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return ErrTransientJob.Wrap(err)
	}
	if !info.IsDir() {
		return ErrSchema.New("%q is not a directory", d.root)
	}
	return nil
}

// Close implements Loader.
func (d *Dir) Close() error { return nil }

// RowCount reports how many rows a stream's table holds. Tests and
// the diag command use it; the cloud implementation has no analog.
func (d *Dir) RowCount(ctx context.Context, stream telemetry.StreamType) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.tablePath(stream))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return countLines(data), nil
}

func (d *Dir) tablePath(stream telemetry.StreamType) string {
	return filepath.Join(d.root, d.config.Dataset, d.config.Table(stream)+".jsonl")
}

func (d *Dir) appendTable(stream telemetry.StreamType, payload []byte) error {
	fh, err := os.OpenFile(d.tablePath(stream), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrTransientJob.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Write(payload); err != nil {
		return ErrTransientJob.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return ErrTransientJob.Wrap(err)
	}
	return ErrTransientJob.Wrap(fh.Close())
}

func countLines(payload []byte) int64 {
	n := int64(bytes.Count(payload, []byte{'\n'}))
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		n++
	}
	return n
}
