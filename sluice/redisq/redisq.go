// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package redisq reads the telemetry lists out of Redis. The pipeline
// is a destructive consumer: each cycle drains a list atomically with
// respect to concurrent producers, so producers may refill the list
// immediately without any of their records being lost.
package redisq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/sluice/sluice/telemetry"
)

var (
	// Error is the default error class for the redisq package.
	Error = errs.Class("redisq")
	// ErrUnavailable wraps connectivity and server failures. A drain
	// that fails with it has not mutated any list.
	ErrUnavailable = errs.Class("redis unavailable")
	// ErrAtomicity flags a drain whose server-side execution returned
	// a shape that cannot be trusted.
	ErrAtomicity = errs.Class("drain atomicity violation")

	mon = monkit.Package()
)

// Config holds the Redis source configuration.
type Config struct {
	Address     string        `help:"address of the redis server holding the telemetry lists" default:"localhost:6379" testDefault:"$HOST:6379"`
	Password    string        `help:"redis password" default:""`
	DB          int           `help:"redis database index" default:"0"`
	GPSKey      string        `help:"list key for the gps stream" default:"gps:history:global"`
	MobileKey   string        `help:"list key for the mobile stream" default:"mobile:history:global"`
	OpTimeout   time.Duration `help:"timeout for individual redis operations" default:"5s"`
	AtomicDrain bool          `help:"drain lists with a server-side script instead of rename" default:"true"`
}

// Key returns the list key for a stream.
func (config Config) Key(stream telemetry.StreamType) (string, error) {
	switch stream {
	case telemetry.GPS:
		return config.GPSKey, nil
	case telemetry.Mobile:
		return config.MobileKey, nil
	}
	return "", Error.New("unknown stream type %q", stream)
}

// DrainResult reports one list drain. Cleared is true iff the list
// held records and was deleted.
type DrainResult struct {
	Stream  telemetry.StreamType
	Records [][]byte
	Cleared bool
}

// Extraction is the combined result of draining both streams in
// processing order. Success stays false when the second stream was
// short-circuited by a failure on the first; the partial result is
// still populated so the caller can surface it.
type Extraction struct {
	GPS         DrainResult
	Mobile      DrainResult
	ExtractedAt time.Time
	Success     bool
}

// Total returns the number of records drained across both streams.
func (e *Extraction) Total() int {
	return len(e.GPS.Records) + len(e.Mobile.Records)
}

// Empty reports whether the extraction produced no records.
func (e *Extraction) Empty() bool { return e.Total() == 0 }

// Result returns the drain result for a stream.
func (e *Extraction) Result(stream telemetry.StreamType) DrainResult {
	if stream == telemetry.Mobile {
		return e.Mobile
	}
	return e.GPS
}

// drainScript reads the full list and deletes it as one server-side
// step, so pushes concurrent with the drain land on a fresh list and
// are never deleted unread.
var drainScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return items
`)

// Queue is a destructive consumer of the telemetry lists.
type Queue struct {
	db     *redis.Client
	config Config
}

// OpenQueue connects to Redis and verifies the connection.
func OpenQueue(ctx context.Context, config Config) (*Queue, error) {
	queue := &Queue{
		db: redis.NewClient(&redis.Options{
			Addr:     config.Address,
			Password: config.Password,
			DB:       config.DB,
		}),
		config: config,
	}
	if err := queue.Ping(ctx); err != nil {
		_ = queue.db.Close()
		return nil, err
	}
	return queue, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	if err := q.db.Ping(ctx).Err(); err != nil {
		return ErrUnavailable.Wrap(err)
	}
	return nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	return Error.Wrap(q.db.Close())
}

// Push appends records to a stream's list. Producers use RPUSH, so a
// drain returns records in push order.
func (q *Queue) Push(ctx context.Context, stream telemetry.StreamType, records ...[]byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(records) == 0 {
		return nil
	}
	key, err := q.config.Key(stream)
	if err != nil {
		return err
	}
	values := make([]interface{}, 0, len(records))
	for _, record := range records {
		values = append(values, record)
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	if err := q.db.RPush(ctx, key, values...).Err(); err != nil {
		return ErrUnavailable.Wrap(err)
	}
	return nil
}

// Len returns the current length of a stream's list.
func (q *Queue) Len(ctx context.Context, stream telemetry.StreamType) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := q.config.Key(stream)
	if err != nil {
		return 0, err
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	n, err = q.db.LLen(ctx, key).Result()
	if err != nil {
		return 0, ErrUnavailable.Wrap(err)
	}
	return n, nil
}

// Drain reads and clears one stream's list in a single logical step.
// An error means the list was not mutated.
func (q *Queue) Drain(ctx context.Context, stream telemetry.StreamType) (result DrainResult, err error) {
	defer mon.Task()(&ctx)(&err)

	result.Stream = stream
	key, err := q.config.Key(stream)
	if err != nil {
		return result, err
	}

	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	var items []string
	if q.config.AtomicDrain {
		items, err = q.scriptDrain(ctx, key)
	} else {
		items, err = q.renameDrain(ctx, key)
	}
	if err != nil {
		return result, err
	}

	result.Records = make([][]byte, 0, len(items))
	for _, item := range items {
		result.Records = append(result.Records, []byte(item))
	}
	result.Cleared = len(items) > 0

	mon.IntVal("drained_records", monkit.NewSeriesTag("stream", stream.String())).Observe(int64(len(items)))
	return result, nil
}

// DrainAll drains both streams, GPS before Mobile, and short-circuits
// the second when the first fails.
func (q *Queue) DrainAll(ctx context.Context) (ext *Extraction, err error) {
	defer mon.Task()(&ctx)(&err)

	ext = &Extraction{ExtractedAt: time.Now().UTC()}
	ext.GPS, err = q.Drain(ctx, telemetry.GPS)
	if err != nil {
		return ext, err
	}
	ext.Mobile, err = q.Drain(ctx, telemetry.Mobile)
	if err != nil {
		return ext, err
	}
	ext.Success = true
	return ext, nil
}

func (q *Queue) scriptDrain(ctx context.Context, key string) ([]string, error) {
	reply, err := drainScript.Run(ctx, q.db, []string{key}).Result()
	if err != nil {
		if errs.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, ErrUnavailable.Wrap(err)
	}
	items, ok := reply.([]interface{})
	if !ok {
		return nil, ErrAtomicity.New("unexpected drain reply %T", reply)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, ErrAtomicity.New("unexpected drain element %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// renameDrain is the fallback for servers without scripting. Producers
// targeting the original key see it empty for the whole window, so
// their pushes are never deleted.
func (q *Queue) renameDrain(ctx context.Context, key string) ([]string, error) {
	tmp := fmt.Sprintf("%s:drain:%s", key, nonce())
	if err := q.db.Rename(ctx, key, tmp).Err(); err != nil {
		if isMissingKey(err) {
			return nil, nil
		}
		return nil, ErrUnavailable.Wrap(err)
	}
	items, err := q.db.LRange(ctx, tmp, 0, -1).Result()
	if err != nil {
		// The drained records stay under tmp for manual recovery.
		return nil, ErrUnavailable.New("drained list %q unread: %w", tmp, err)
	}
	if err := q.db.Del(ctx, tmp).Err(); err != nil {
		return nil, ErrUnavailable.Wrap(err)
	}
	return items, nil
}

func (q *Queue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.config.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.config.OpTimeout)
}

func isMissingKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

func nonce() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
