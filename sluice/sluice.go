// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sluice assembles the telemetry ingestion peer: the Redis
// source, the staging area, the warehouse sink, the durable spool, the
// metrics ledger and the chores that drive them.
package sluice

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/debug"
	"storj.io/sluice/sluice/cutover"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/pipeline"
	"storj.io/sluice/sluice/recovery"
	"storj.io/sluice/sluice/redisq"
	"storj.io/sluice/sluice/spool"
	"storj.io/sluice/sluice/staging"
	"storj.io/sluice/sluice/warehouse"
)

var (
	// Error is the default error class for the sluice peer.
	Error = errs.Class("sluice")

	mon = monkit.Package()
)

// Config is the aggregate configuration of the sluice peer.
type Config struct {
	Redis     redisq.Config
	Lock      redisq.MutexConfig
	Staging   staging.Config
	Warehouse warehouse.Config
	Spool     spool.Config
	Ledger    ledger.Config
	Pipeline  pipeline.Config
	Recovery  recovery.Config
	Cutover   cutover.Config

	Simulation SimulationConfig
	Debug      debug.Config
}

// SimulationConfig points the peer at local directories instead of the
// cloud services, for development and tests.
type SimulationConfig struct {
	Enabled bool   `help:"use local directories in place of the object store and the warehouse" default:"false" devDefault:"true"`
	Dir     string `help:"root directory of the simulated external services" default:"$CONFDIR/simulation"`
}
