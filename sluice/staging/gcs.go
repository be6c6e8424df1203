// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package staging

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"storj.io/sluice/sluice/telemetry"
)

var mon = monkit.Package()

// GCS stages batches in a Google Cloud Storage bucket. Uploads use a
// does-not-exist precondition, so the object either becomes visible
// whole exactly once or the upload reports ErrAlreadyExists.
type GCS struct {
	log    *zap.Logger
	client *storage.Client
	bucket *storage.BucketHandle
	config Config
}

// OpenGCS creates the staging client. Credential discovery follows
// the environment.
func OpenGCS(ctx context.Context, log *zap.Logger, config Config, opts ...option.ClientOption) (*GCS, error) {
	if config.Bucket == "" {
		return nil, Error.New("staging bucket not configured")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &GCS{
		log:    log,
		client: client,
		bucket: client.Bucket(config.Bucket),
		config: config,
	}, nil
}

// Upload implements Store.
func (s *GCS) Upload(ctx context.Context, req UploadRequest) (ref ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Validate(); err != nil {
		return ObjectRef{}, err
	}
	key := Key(s.config.Prefix(req.Stream), req.ProcessingID, req.ExtractedAt)
	payload := EncodeNDJSON(req.Records)

	ctx, cancel := context.WithTimeout(ctx, s.config.UploadDeadline(int64(len(payload))))
	defer cancel()

	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	w.Metadata = req.Metadata()
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return ObjectRef{Key: key}, classify(err, key)
	}
	if err := w.Close(); err != nil {
		return ObjectRef{Key: key}, classify(err, key)
	}

	attrs := w.Attrs()
	s.log.Debug("staged batch",
		zap.String("key", key),
		zap.Int("records", len(req.Records)),
		zap.Int64("size", attrs.Size))
	return refFromAttrs(attrs), nil
}

// List implements Store.
func (s *GCS) List(ctx context.Context, stream telemetry.StreamType, olderThan time.Time) (refs []ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.config.Prefix(stream) + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(err, "")
		}
		if !olderThan.IsZero() && attrs.Created.After(olderThan) {
			continue
		}
		refs = append(refs, refFromAttrs(attrs))
	}
	return refs, nil
}

// Stat implements Store.
func (s *GCS) Stat(ctx context.Context, key string) (ref ObjectRef, err error) {
	defer mon.Task()(&ctx)(&err)

	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectRef{}, ErrNotFound.New("%s", key)
		}
		return ObjectRef{}, classify(err, key)
	}
	return refFromAttrs(attrs), nil
}

// Delete implements Store.
func (s *GCS) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = s.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return classify(err, key)
	}
	s.log.Debug("deleted staged object", zap.String("key", key))
	return nil
}

// URI implements Store.
func (s *GCS) URI(key string) string {
	return "gs://" + s.config.Bucket + "/" + key
}

// Check implements Store.
func (s *GCS) Check(ctx context.Context) error {
	_, err := s.bucket.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrBucketNotExist) {
			return ErrPermanent.New("bucket %q does not exist", s.config.Bucket)
		}
		return classify(err, "")
	}
	return nil
}

// Close implements Store.
func (s *GCS) Close() error {
	return Error.Wrap(s.client.Close())
}

func refFromAttrs(attrs *storage.ObjectAttrs) ObjectRef {
	return ObjectRef{
		Key:       attrs.Name,
		Size:      attrs.Size,
		CreatedAt: attrs.Created,
		Metadata:  attrs.Metadata,
	}
}

// classify maps provider errors onto the retry classes. Timeouts are
// transient; cancellation propagates untouched so callers can tell an
// aborted cycle from a failed upload.
func classify(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient.Wrap(err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return ErrAlreadyExists.New("%s", key)
		case apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusBadRequest,
			apiErr.Code == http.StatusNotFound:
			return ErrPermanent.Wrap(err)
		default:
			return ErrTransient.Wrap(err)
		}
	}
	return ErrTransient.Wrap(err)
}
