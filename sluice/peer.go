// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sluice

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/debug"
	"storj.io/sluice/private/lifecycle"
	"storj.io/sluice/sluice/cutover"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/pipeline"
	"storj.io/sluice/sluice/recovery"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/warehouse"
)

// Peer is the sluice process: every subsystem wired and ready to run.
//
// architecture: Peer
type Peer struct {
	Log    *zap.Logger
	Config Config

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Source struct {
		Queue *redisq.Queue
		// FlowMutex is shared by the flows, which the controller
		// serializes; SweepMutex belongs to the recovery sweeper, which
		// runs on its own schedule and must contend like a separate
		// process would.
		FlowMutex  *redisq.Mutex
		SweepMutex *redisq.Mutex
	}

	Staging struct {
		Store staging.Store
	}

	Warehouse struct {
		Loader warehouse.Loader
	}

	Spool struct {
		Store *spool.Store
	}

	Ledger struct {
		Service *ledger.Ledger
		Chore   *ledger.Chore
	}

	Pipeline struct {
		Service *pipeline.Service
	}

	Cutover struct {
		Direct     *cutover.DirectLoader
		Controller *cutover.Controller
		Chore      *cutover.Chore
	}

	Recovery struct {
		Sweeper *recovery.Sweeper
	}
}

// NewPeer wires the sluice peer. The context is only used for dialing
// the external services.
func NewPeer(ctx context.Context, log *zap.Logger, config Config, atomicLogLevel *zap.AtomicLevel) (peer *Peer, err error) {
	peer = &Peer{
		Log:    log,
		Config: config,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup debug
		var err error
		if config.Debug.Addr != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Addr)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Debug("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		debugConfig := config.Debug
		debugConfig.ControlTitle = "Sluice"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	{ // setup ledger
		peer.Ledger.Service = ledger.New(log.Named("ledger"), config.Ledger)
		peer.Ledger.Chore = ledger.NewChore(log.Named("ledger:chore"), peer.Ledger.Service)
		peer.Services.Add(lifecycle.Item{
			Name:  "ledger",
			Close: peer.Ledger.Service.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "ledger:chore",
			Run:   peer.Ledger.Chore.Run,
			Close: peer.Ledger.Chore.Close,
		})
	}

	{ // setup redis source
		peer.Source.Queue, err = redisq.OpenQueue(ctx, config.Redis)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Source.FlowMutex = peer.Source.Queue.NewMutex(config.Lock)
		peer.Source.SweepMutex = peer.Source.Queue.NewMutex(config.Lock)
		peer.Services.Add(lifecycle.Item{
			Name:  "redis:queue",
			Close: peer.Source.Queue.Close,
		})
	}

	{ // setup staging
		if config.Simulation.Enabled {
			peer.Staging.Store, err = staging.OpenDir(log.Named("staging"), filepath.Join(config.Simulation.Dir, "staging"), config.Staging)
		} else {
			peer.Staging.Store, err = staging.OpenGCS(ctx, log.Named("staging"), config.Staging)
		}
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "staging",
			Close: peer.Staging.Store.Close,
		})
	}

	{ // setup warehouse
		if config.Simulation.Enabled {
			peer.Warehouse.Loader, err = warehouse.OpenDirLoader(log.Named("warehouse"), filepath.Join(config.Simulation.Dir, "warehouse"), config.Warehouse)
		} else {
			peer.Warehouse.Loader, err = warehouse.OpenBigQuery(ctx, log.Named("warehouse"), config.Warehouse)
		}
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "warehouse",
			Close: peer.Warehouse.Loader.Close,
		})
	}

	{ // setup spool
		peer.Spool.Store, err = spool.New(log.Named("spool"), config.Spool)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup pipeline
		peer.Pipeline.Service = pipeline.New(
			log.Named("pipeline"),
			peer.Source.Queue,
			peer.Source.FlowMutex,
			peer.Spool.Store,
			peer.Staging.Store,
			peer.Warehouse.Loader,
			peer.Ledger.Service,
			config.Pipeline,
		)
	}

	{ // setup cutover
		peer.Cutover.Direct = cutover.NewDirectLoader(
			log.Named("direct"),
			peer.Source.Queue,
			peer.Source.FlowMutex,
			peer.Spool.Store,
			peer.Warehouse.Loader,
			peer.Ledger.Service,
		)
		peer.Cutover.Controller, err = cutover.NewController(
			log.Named("cutover"),
			peer.Source.Queue,
			peer.Source.FlowMutex,
			peer.Pipeline.Service,
			peer.Cutover.Direct,
			peer.Ledger.Service,
			config.Cutover,
		)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Cutover.Chore = cutover.NewChore(log.Named("cutover:chore"), peer.Cutover.Controller, config.Cutover.Interval)
		peer.Services.Add(lifecycle.Item{
			Name:  "cutover:chore",
			Run:   peer.Cutover.Chore.Run,
			Close: peer.Cutover.Chore.Close,
		})
	}

	{ // setup recovery
		peer.Recovery.Sweeper, err = recovery.NewSweeper(
			log.Named("recovery"),
			peer.Source.SweepMutex,
			peer.Staging.Store,
			peer.Warehouse.Loader,
			peer.Spool.Store,
			peer.Ledger.Service,
			config.Pipeline.CleanupProcessed,
			config.Recovery,
		)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "recovery",
			Run:   peer.Recovery.Sweeper.Run,
			Close: peer.Recovery.Sweeper.Close,
		})
	}

	return peer, nil
}

// Run runs the peer until it's either closed or it errors.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "sluice"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
