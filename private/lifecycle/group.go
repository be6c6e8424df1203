// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

// Group implements a collection of items that have a start and a stop.
type Group struct {
	log   *zap.Logger
	items []Item

	shutdownStack atomic.Bool
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items concurrently under the errgroup.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started []string
	for _, item := range group.items {
		item := item
		started = append(started, item.Name)
		if item.Run == nil {
			continue
		}

		shutdownCtx, shutdownFinished := context.WithCancel(context.Background())
		go func() {
			select {
			case <-ctx.Done():
			case <-shutdownCtx.Done():
				return
			}

			select {
			case <-shutdownCtx.Done():
			case <-time.After(15 * time.Second):
				if group.shutdownStack.CompareAndSwap(false, true) {
					group.log.Warn("service takes long to shutdown",
						zap.String("name", item.Name))
					group.logStackTrace()
				}
			}
		}()

		g.Go(func() (err error) {
			defer shutdownFinished()

			ctx := ctx
			defer mon.TaskNamed("run", monkit.NewSeriesTag("name", item.Name))(&ctx)(&err)

			err = errs2.IgnoreCanceled(safeRun(item.Run, ctx))
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("name", item.Name),
					zap.Error(err))
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

func (group *Group) logStackTrace() {
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)

	group.log.Warn("slow shutdown", zap.String("stack", string(condenseStack(buf[:n]))))
}

// safeRun converts a panic in fn into an error so one broken item does
// not take the process down without a log line.
func safeRun(fn func(ctx context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = errs.Wrap(recErr)
			} else {
				err = errs.New("panic: %v", rec)
			}
		}
	}()
	return fn(ctx)
}

// Close closes all items in reverse of how they were added.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		err := item.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			errlist.Add(errs.New("%s failed to close: %w", item.Name, err))
		}
	}

	return errlist.Err()
}
