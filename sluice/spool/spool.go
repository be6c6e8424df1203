// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package spool is the durable backup store for batches that could
// not be staged. One file per entry, written via temp-then-rename, so
// a crash at any point leaves either the old state or the new state,
// never a torn file. Entries retry with exponential backoff under a
// bounded budget; the spool itself never sleeps, the cycle scheduler
// enforces the delays.
package spool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/sluice/sluice/telemetry"
)

var (
	// Error is the default error class for the spool package.
	Error = errs.Class("spool")
	// ErrInvalidInput rejects batches that must not be spooled.
	ErrInvalidInput = errs.Class("spool invalid input")
	// ErrIO wraps filesystem failures; the caller may retry.
	ErrIO = errs.Class("spool io")
	// ErrCorruption means a stored checksum disagreed with the
	// payload. The entry is quarantined, never silently dropped.
	ErrCorruption = errs.Class("spool corruption")
	// ErrBudget means the retry budget is exhausted and the entry
	// went terminal.
	ErrBudget = errs.Class("spool retry budget exhausted")
	// ErrNotFound means no entry has the given id.
	ErrNotFound = errs.Class("spool entry not found")
	// ErrState rejects a transition the state machine does not allow.
	ErrState = errs.Class("spool state")

	mon = monkit.Package()
)

const (
	entrySuffix      = ".json"
	tmpSuffix        = ".tmp"
	quarantineSuffix = ".corrupt"

	// idTimeLayout keeps fixed-width fractional seconds so the
	// filename order matches the creation order.
	idTimeLayout = "2006-01-02T15-04-05.000000000Z"
)

// Config holds the spool configuration.
type Config struct {
	Dir        string        `help:"directory holding spool entries" default:"$CONFDIR/spool"`
	MaxRetries int           `help:"upload attempts allowed per entry" default:"3"`
	BaseDelay  time.Duration `help:"base delay of the retry backoff" default:"5s"`
	Retention  time.Duration `help:"how long completed entries are kept" default:"24h"`
	StaleAfter time.Duration `help:"age after which an interrupted processing entry is requeued" default:"15m"`
}

// Stats summarizes the spool for health checks and backpressure.
type Stats struct {
	Pending       int       `json:"pending"`
	Processing    int       `json:"processing"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	Quarantined   int       `json:"quarantined"`
	OldestPending time.Time `json:"oldestPending,omitzero"`
}

// Total returns the number of live entries.
func (s Stats) Total() int { return s.Pending + s.Processing + s.Completed + s.Failed }

// Store owns the spool directory. All writers go through the store;
// concurrent readers get snapshots.
type Store struct {
	log    *zap.Logger
	config Config

	mu  sync.Mutex
	now func() time.Time
}

// New opens the spool directory, creating it when missing.
func New(log *zap.Logger, config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, Error.New("spool directory not configured")
	}
	if config.MaxRetries <= 0 {
		return nil, Error.New("max retries must be positive, got %d", config.MaxRetries)
	}
	if err := os.MkdirAll(config.Dir, 0777); err != nil {
		return nil, ErrIO.Wrap(err)
	}
	return &Store{log: log, config: config, now: time.Now}, nil
}

// TestingSetNow overrides the clock.
func (s *Store) TestingSetNow(now func() time.Time) { s.now = now }

// Config returns the spool configuration.
func (s *Store) Config() Config { return s.config }

// Add spools a batch as a new pending entry.
func (s *Store) Add(ctx context.Context, stream telemetry.StreamType, processingID string, records [][]byte) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.add(stream, processingID, records, "", nil)
}

// AddFailedAttempt spools a batch whose direct upload already failed.
// The failed attempt counts against the retry budget and its error
// starts the entry's history, so the pending selection and the backoff
// see the entry exactly as if the spool itself had made the attempt.
func (s *Store) AddFailedAttempt(ctx context.Context, stream telemetry.StreamType, processingID string, records [][]byte, stage string, cause error) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.add(stream, processingID, records, stage, cause)
}

func (s *Store) add(stream telemetry.StreamType, processingID string, records [][]byte, stage string, cause error) (*Entry, error) {
	if !stream.Valid() {
		return nil, ErrInvalidInput.New("unknown stream type %q", stream)
	}
	if len(records) == 0 {
		return nil, ErrInvalidInput.New("empty batch is never spooled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	entry := &Entry{
		ID:           fmt.Sprintf("backup_%s_%s_%s", stream, now.Format(idTimeLayout), nonce()),
		Stream:       stream,
		ProcessingID: processingID,
		CreatedAt:    now,
		State:        StatePending,
		MaxRetries:   s.config.MaxRetries,
		Records:      make([]json.RawMessage, 0, len(records)),
	}
	if cause != nil {
		entry.RetryCount = 1
		entry.LastAttempt = &now
		entry.observe(now, stage, cause.Error())
		if entry.RetryCount >= entry.MaxRetries {
			entry.State = StateFailed
		}
	}
	for _, record := range records {
		entry.Records = append(entry.Records, json.RawMessage(record))
	}
	entry.Checksum = payloadChecksum(entry.Records)

	if err := s.writeLocked(entry); err != nil {
		return nil, err
	}
	mon.Counter("spool_added").Inc(1)
	s.log.Info("batch spooled",
		zap.String("id", entry.ID),
		zap.Stringer("stream", stream),
		zap.Int("records", len(records)),
		zap.Int("retries-used", entry.RetryCount))
	if entry.State == StateFailed {
		return entry, ErrBudget.New("entry %s used all %d attempts", entry.ID, entry.MaxRetries)
	}
	return entry, nil
}

// Get returns one entry by id.
func (s *Store) Get(ctx context.Context, id string) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// All returns every live entry sorted ascending by creation time.
// Corrupt files are quarantined on sight and skipped.
func (s *Store) All(ctx context.Context) (_ []*Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked(ctx)
}

// Pending returns entries eligible for retry: state pending with
// budget remaining, oldest first, so replay is FIFO across
// independent failures.
func (s *Store) Pending(ctx context.Context) (_ []*Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allLocked(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]*Entry, 0, len(all))
	for _, entry := range all {
		if entry.State == StatePending && entry.RetryCount < entry.MaxRetries {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

// MarkProcessing takes a pending entry for a retry attempt. It
// increments the retry count and stamps the attempt time.
func (s *Store) MarkProcessing(ctx context.Context, id string) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if entry.State != StatePending {
		return nil, ErrState.New("entry %s is %s, not pending", id, entry.State)
	}
	if entry.RetryCount >= entry.MaxRetries {
		return nil, ErrBudget.New("entry %s used all %d attempts", id, entry.MaxRetries)
	}

	now := s.now().UTC()
	entry.State = StateProcessing
	entry.RetryCount++
	entry.LastAttempt = &now
	if err := s.writeLocked(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkCompleted finishes a processing entry and attaches where its
// records ended up. Completed entries stay on disk until the
// retention window passes.
func (s *Store) MarkCompleted(ctx context.Context, id string, note LoadNote) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if entry.State != StateProcessing {
		return nil, ErrState.New("entry %s is %s, not processing", id, entry.State)
	}

	now := s.now().UTC()
	entry.State = StateCompleted
	entry.ProcessedAt = &now
	entry.LoadResult = &note
	if err := s.writeLocked(entry); err != nil {
		return nil, err
	}
	mon.Counter("spool_completed").Inc(1)
	s.log.Info("spool entry completed",
		zap.String("id", id),
		zap.String("staged-key", note.StagedKey),
		zap.Int64("rows", note.Rows))
	return entry, nil
}

// MarkRetry records a failed attempt on a processing entry. The entry
// goes back to pending while budget remains; otherwise it goes
// terminal and MarkRetry returns ErrBudget so the caller can alert.
func (s *Store) MarkRetry(ctx context.Context, id string, stage string, cause error) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if entry.State != StateProcessing {
		return nil, ErrState.New("entry %s is %s, not processing", id, entry.State)
	}

	now := s.now().UTC()
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	entry.observe(now, stage, message)

	if entry.RetryCount >= entry.MaxRetries {
		entry.State = StateFailed
		if err := s.writeLocked(entry); err != nil {
			return nil, err
		}
		mon.Counter("spool_exhausted").Inc(1)
		s.log.Error("spool entry exhausted its retry budget",
			zap.String("id", id),
			zap.Int("attempts", entry.RetryCount),
			zap.String("last-error", message))
		return entry, ErrBudget.New("entry %s used all %d attempts", id, entry.MaxRetries)
	}

	entry.State = StatePending
	if err := s.writeLocked(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RequeueStale returns interrupted attempts to pending. A processing
// entry whose attempt started before olderThan was orphaned by a
// crash; the retry it consumed stays spent.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (n int, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allLocked(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range all {
		if entry.State != StateProcessing {
			continue
		}
		attemptAt := entry.CreatedAt
		if entry.LastAttempt != nil {
			attemptAt = *entry.LastAttempt
		}
		if attemptAt.After(olderThan) {
			continue
		}
		if entry.RetryCount >= entry.MaxRetries {
			entry.State = StateFailed
			entry.observe(s.now().UTC(), "requeue", "interrupted attempt exhausted the budget")
		} else {
			entry.State = StatePending
		}
		if err := s.writeLocked(entry); err != nil {
			return n, err
		}
		n++
		s.log.Warn("requeued interrupted spool entry",
			zap.String("id", entry.ID),
			zap.String("state", string(entry.State)))
	}
	return n, nil
}

// Cleanup reclaims completed entries processed before olderThan.
// Pending and failed entries are preserved regardless of age.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (n int, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allLocked(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range all {
		if entry.State != StateCompleted {
			continue
		}
		processedAt := entry.CreatedAt
		if entry.ProcessedAt != nil {
			processedAt = *entry.ProcessedAt
		}
		if processedAt.After(olderThan) {
			continue
		}
		if err := os.Remove(s.path(entry.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return n, ErrIO.Wrap(err)
		}
		n++
	}
	return n, nil
}

// Stats counts entries per state.
func (s *Store) Stats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return Stats{}, ErrIO.Wrap(err)
	}
	for _, dirent := range entries {
		name := dirent.Name()
		if strings.HasSuffix(name, quarantineSuffix) {
			stats.Quarantined++
			continue
		}
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		entry, err := s.readLocked(strings.TrimSuffix(name, entrySuffix))
		if err != nil {
			if ErrCorruption.Has(err) {
				stats.Quarantined++
				continue
			}
			return Stats{}, err
		}
		switch entry.State {
		case StatePending:
			stats.Pending++
			if stats.OldestPending.IsZero() || entry.CreatedAt.Before(stats.OldestPending) {
				stats.OldestPending = entry.CreatedAt
			}
		case StateProcessing:
			stats.Processing++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}
	mon.IntVal("spool_pending").Observe(int64(stats.Pending))
	return stats, nil
}

func (s *Store) allLocked(ctx context.Context) ([]*Entry, error) {
	dirents, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return nil, ErrIO.Wrap(err)
	}
	entries := make([]*Entry, 0, len(dirents))
	for _, dirent := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := dirent.Name()
		if !strings.HasSuffix(name, entrySuffix) || strings.HasSuffix(name, quarantineSuffix) {
			continue
		}
		entry, err := s.readLocked(strings.TrimSuffix(name, entrySuffix))
		if err != nil {
			if ErrCorruption.Has(err) || ErrNotFound.Has(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// readLocked loads and verifies one entry. On a checksum or decode
// failure the file is quarantined and ErrCorruption returned.
func (s *Store) readLocked(id string) (*Entry, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound.New("%s", id)
		}
		return nil, ErrIO.Wrap(err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.quarantineLocked(id, "undecodable entry")
		return nil, ErrCorruption.New("entry %s does not decode: %v", id, err)
	}
	if payloadChecksum(entry.Records) != entry.Checksum {
		s.quarantineLocked(id, "checksum mismatch")
		return nil, ErrCorruption.New("entry %s payload disagrees with its checksum", id)
	}
	// The filename is authoritative for the id.
	entry.ID = id
	return &entry, nil
}

func (s *Store) writeLocked(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}

	path := s.path(entry.ID)
	tmpPath := path + tmpSuffix

	fh, err := os.Create(tmpPath)
	if err != nil {
		return ErrIO.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Write(data); err != nil {
		return ErrIO.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return ErrIO.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return ErrIO.Wrap(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ErrIO.Wrap(err)
	}
	if dir, err := os.Open(s.config.Dir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

func (s *Store) quarantineLocked(id string, reason string) {
	path := s.path(id)
	if err := os.Rename(path, path+quarantineSuffix); err != nil {
		s.log.Error("quarantine failed",
			zap.String("id", id),
			zap.Error(err))
		return
	}
	mon.Counter("spool_quarantined").Inc(1)
	s.log.Error("spool entry quarantined",
		zap.String("id", id),
		zap.String("reason", reason))
}

func (s *Store) path(id string) string {
	return filepath.Join(s.config.Dir, id+entrySuffix)
}

func nonce() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
