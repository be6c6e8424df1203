// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package redisq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

var (
	// ErrContended means another process holds the lock.
	ErrContended = errs.Class("lock contention")
	// ErrLockLost means the lease expired or was taken over while we
	// believed we held it. The holder must abort before the next
	// state-mutating step.
	ErrLockLost = errs.Class("lock lost")
)

// MutexConfig holds the distributed lock configuration.
type MutexConfig struct {
	Key string        `help:"redis key of the pipeline processing lock" default:"sluice:pipeline:lock"`
	TTL time.Duration `help:"lock lease duration, must exceed the worst-case cycle time" default:"5m"`
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Mutex is a TTL-leased lock in Redis with a random holder token. Only
// the process whose token matches may refresh or release the lease, so
// an expired lease taken over by another process is detected rather
// than clobbered.
type Mutex struct {
	db      *redis.Client
	config  MutexConfig
	timeout time.Duration

	mu    sync.Mutex
	token string
}

// NewMutex returns a lock handle sharing the queue's connection.
func (q *Queue) NewMutex(config MutexConfig) *Mutex {
	return &Mutex{db: q.db, config: config, timeout: q.config.OpTimeout}
}

// Lock acquires the lease. It fails fast with ErrContended when the
// lock is held elsewhere; the caller skips its cycle rather than wait.
func (m *Mutex) Lock(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != "" {
		return Error.New("lock %q already held by this process", m.config.Key)
	}

	token := newToken()
	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	ok, err := m.db.SetNX(ctx, m.config.Key, token, m.config.TTL).Result()
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	if !ok {
		return ErrContended.New("lock %q held by another process", m.config.Key)
	}
	m.token = token
	return nil
}

// Refresh extends the lease and verifies we still own it. It is the
// heartbeat a cycle issues before every state-mutating step.
func (m *Mutex) Refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return ErrLockLost.New("lock %q not held", m.config.Key)
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	res, err := refreshScript.Run(ctx, m.db, []string{m.config.Key}, m.token, m.config.TTL.Milliseconds()).Int64()
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	if res == 0 {
		m.token = ""
		return ErrLockLost.New("lease on %q expired", m.config.Key)
	}
	return nil
}

// Unlock releases the lease if we still own it.
func (m *Mutex) Unlock(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return nil
	}
	token := m.token
	m.token = ""

	ctx, cancel := m.opCtx(ctx)
	defer cancel()
	res, err := releaseScript.Run(ctx, m.db, []string{m.config.Key}, token).Int64()
	if err != nil {
		return ErrUnavailable.Wrap(err)
	}
	if res == 0 {
		return ErrLockLost.New("lease on %q expired before release", m.config.Key)
	}
	return nil
}

// Held reports whether this process believes it holds the lease.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

func (m *Mutex) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func newToken() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
