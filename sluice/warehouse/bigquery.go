// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"storj.io/sluice/sluice/telemetry"
)

var mon = monkit.Package()

// BigQuery loads staged objects through the BigQuery job API.
type BigQuery struct {
	log    *zap.Logger
	svc    *bigquery.Service
	config Config
}

// OpenBigQuery creates the warehouse client. Credential discovery
// follows the environment.
func OpenBigQuery(ctx context.Context, log *zap.Logger, config Config, opts ...option.ClientOption) (*BigQuery, error) {
	if config.Project == "" {
		return nil, Error.New("warehouse project not configured")
	}
	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &BigQuery{log: log, svc: svc, config: config}, nil
}

// Load implements Loader. Submitting the same staged key twice yields
// a job-id conflict, in which case the existing job is polled instead
// of starting a second ingestion.
func (b *BigQuery) Load(ctx context.Context, req LoadRequest) (result LoadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	jobID := JobID(req.Key)
	job := &bigquery.Job{
		JobReference: &bigquery.JobReference{
			ProjectId: b.config.Project,
			JobId:     jobID,
		},
		Configuration: &bigquery.JobConfiguration{
			Load: &bigquery.JobConfigurationLoad{
				SourceUris:   []string{req.URI},
				SourceFormat: "NEWLINE_DELIMITED_JSON",
				DestinationTable: &bigquery.TableReference{
					ProjectId: b.config.Project,
					DatasetId: b.config.Dataset,
					TableId:   b.config.Table(req.Stream),
				},
				WriteDisposition:    "WRITE_APPEND",
				IgnoreUnknownValues: true,
			},
		},
	}

	_, err = b.svc.Jobs.Insert(b.config.Project, job).Context(ctx).Do()
	if err != nil {
		if !isConflict(err) {
			return LoadResult{JobID: jobID}, classifyAPI(err)
		}
		b.log.Debug("load job already submitted", zap.String("job", jobID))
	}
	return b.poll(ctx, jobID)
}

func (b *BigQuery) poll(ctx context.Context, jobID string) (LoadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		job, err := b.svc.Jobs.Get(b.config.Project, jobID).Context(ctx).Do()
		if err != nil {
			return LoadResult{JobID: jobID}, classifyAPI(err)
		}
		if job.Status != nil && job.Status.State == "DONE" {
			if job.Status.ErrorResult != nil {
				return LoadResult{JobID: jobID}, classifyReason(job.Status.ErrorResult.Reason, job.Status.ErrorResult.Message)
			}
			var rows int64
			if job.Statistics != nil && job.Statistics.Load != nil {
				rows = job.Statistics.Load.OutputRows
			}
			return LoadResult{JobID: jobID, Rows: rows}, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return LoadResult{JobID: jobID}, ErrTransientJob.New("job %s still running after %s", jobID, b.config.PollTimeout)
			}
			return LoadResult{JobID: jobID}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Insert implements Loader. Each row carries its record id as the
// streaming insert id, so retried batches dedup within the insert
// window.
func (b *BigQuery) Insert(ctx context.Context, stream telemetry.StreamType, rows [][]byte) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(rows) == 0 {
		return 0, nil
	}
	request := &bigquery.TableDataInsertAllRequest{
		Rows: make([]*bigquery.TableDataInsertAllRequestRows, 0, len(rows)),
	}
	for _, raw := range rows {
		var fields map[string]bigquery.JsonValue
		if err := json.Unmarshal(raw, &fields); err != nil {
			return 0, ErrSchema.New("row is not an object: %v", err)
		}
		insertID, _ := fields["recordId"].(string)
		request.Rows = append(request.Rows, &bigquery.TableDataInsertAllRequestRows{
			InsertId: insertID,
			Json:     fields,
		})
	}

	resp, err := b.svc.Tabledata.InsertAll(b.config.Project, b.config.Dataset, b.config.Table(stream), request).Context(ctx).Do()
	if err != nil {
		return 0, classifyAPI(err)
	}
	if len(resp.InsertErrors) > 0 {
		inserted := int64(len(rows) - len(resp.InsertErrors))
		return inserted, ErrTransientJob.New("%d of %d rows rejected", len(resp.InsertErrors), len(rows))
	}
	return int64(len(rows)), nil
}

// Check implements Loader.
func (b *BigQuery) Check(ctx context.Context) error {
	_, err := b.svc.Datasets.Get(b.config.Project, b.config.Dataset).Context(ctx).Do()
	if err != nil {
		return classifyAPI(err)
	}
	return nil
}

// Close implements Loader.
func (b *BigQuery) Close() error { return nil }

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// classifyAPI maps transport-level errors onto the retry classes.
func classifyAPI(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransientJob.Wrap(err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return ErrQuota.Wrap(err)
		case apiErr.Code == http.StatusBadRequest,
			apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound:
			return ErrSchema.Wrap(err)
		default:
			return ErrTransientJob.Wrap(err)
		}
	}
	return ErrTransientJob.Wrap(err)
}

// classifyReason maps job error reasons onto the retry classes.
func classifyReason(reason, message string) error {
	switch reason {
	case "invalid", "invalidQuery", "notFound", "accessDenied", "schemaMismatch":
		return ErrSchema.New("%s: %s", reason, message)
	case "quotaExceeded", "rateLimitExceeded", "billingTierLimitExceeded":
		return ErrQuota.New("%s: %s", reason, message)
	default:
		return ErrTransientJob.New("%s: %s", reason, message)
	}
}
