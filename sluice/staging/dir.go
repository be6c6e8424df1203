// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package staging

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/sluice/sluice/telemetry"
)

const (
	dirMetaSuffix = ".meta.json"
	dirTmpSuffix  = ".tmp"
)

// Dir stages batches in a local directory tree that mirrors the
// object keys. It stands in for the cloud bucket in simulation mode.
// Object metadata lives in a sidecar file next to each payload.
type Dir struct {
	log    *zap.Logger
	root   string
	config Config

	mu sync.Mutex
}

type dirMeta struct {
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata"`
}

// OpenDir creates a directory-backed staging store rooted at root.
func OpenDir(log *zap.Logger, root string, config Config) (*Dir, error) {
	if root == "" {
		return nil, Error.New("staging directory not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0777); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Dir{log: log, root: abs, config: config}, nil
}

// Upload implements Store.
func (d *Dir) Upload(ctx context.Context, req UploadRequest) (ref ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Validate(); err != nil {
		return ObjectRef{}, err
	}
	key := Key(d.config.Prefix(req.Stream), req.ProcessingID, req.ExtractedAt)
	path := d.path(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return ObjectRef{Key: key}, ErrAlreadyExists.New("%s", key)
	}

	payload := EncodeNDJSON(req.Records)
	meta := dirMeta{CreatedAt: time.Now().UTC(), Metadata: req.Metadata()}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return ObjectRef{}, Error.Wrap(err)
	}

	if err := writeFileAtomic(path, payload); err != nil {
		return ObjectRef{}, ErrTransient.Wrap(err)
	}
	if err := writeFileAtomic(path+dirMetaSuffix, metaData); err != nil {
		return ObjectRef{}, ErrTransient.Wrap(err)
	}

	d.log.Debug("staged batch",
		zap.String("key", key),
		zap.Int("records", len(req.Records)),
		zap.Int("size", len(payload)))
	return ObjectRef{
		Key:       key,
		Size:      int64(len(payload)),
		CreatedAt: meta.CreatedAt,
		Metadata:  meta.Metadata,
	}, nil
}

// List implements Store.
func (d *Dir) List(ctx context.Context, stream telemetry.StreamType, olderThan time.Time) (refs []ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	d.mu.Lock()
	defer d.mu.Unlock()

	prefixDir := filepath.Join(d.root, filepath.FromSlash(d.config.Prefix(stream)))
	if _, err := os.Stat(prefixDir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	err = filepath.WalkDir(prefixDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasSuffix(path, dirMetaSuffix) || strings.HasSuffix(path, dirTmpSuffix) {
			return nil
		}
		ref, err := d.statLocked(path)
		if err != nil {
			return err
		}
		if !olderThan.IsZero() && ref.CreatedAt.After(olderThan) {
			return nil
		}
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, ErrTransient.Wrap(err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// Stat implements Store.
func (d *Dir) Stat(ctx context.Context, key string) (ref ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(key)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return ObjectRef{}, ErrNotFound.New("%s", key)
	}
	return d.statLocked(path)
}

// Delete implements Store.
func (d *Dir) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ErrTransient.Wrap(err)
	}
	if err := os.Remove(path + dirMetaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ErrTransient.Wrap(err)
	}
	return nil
}

// URI implements Store.
func (d *Dir) URI(key string) string {
	return d.path(key)
}

// Check implements Store.
func (d *Dir) Check(ctx context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return ErrTransient.Wrap(err)
	}
	if !info.IsDir() {
		return ErrPermanent.New("%q is not a directory", d.root)
	}
	return nil
}

// Close implements Store.
func (d *Dir) Close() error { return nil }

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *Dir) statLocked(path string) (ObjectRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ObjectRef{}, ErrTransient.Wrap(err)
	}
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return ObjectRef{}, Error.Wrap(err)
	}
	ref := ObjectRef{
		Key:       filepath.ToSlash(rel),
		Size:      info.Size(),
		CreatedAt: info.ModTime().UTC(),
		Metadata:  map[string]string{},
	}
	metaData, err := os.ReadFile(path + dirMetaSuffix)
	if err == nil {
		var meta dirMeta
		if err := json.Unmarshal(metaData, &meta); err == nil {
			ref.CreatedAt = meta.CreatedAt
			ref.Metadata = meta.Metadata
		}
	}
	return ref, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errs.Wrap(err)
	}
	tmpPath := path + dirTmpSuffix

	fh, err := os.Create(tmpPath)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
