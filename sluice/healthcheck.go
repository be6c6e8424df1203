// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sluice

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storj.io/sluice/sluice/cutover"
	"storj.io/sluice/sluice/ledger"
	"storj.io/sluice/sluice/spool"
)

// Component status values, ordered from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth reports one dependency's state.
type ComponentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health aggregates the component states; the overall status is the
// worst component status.
type Health struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Snapshot is the read-only view of the peer's state.
type Snapshot struct {
	Phase  cutover.Phase   `json:"phase"`
	Ledger ledger.Snapshot `json:"ledger"`
	Spool  spool.Stats     `json:"spool"`
	Status cutover.Status  `json:"cutover"`
}

func statusRank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

func worseOf(a, b string) string {
	if statusRank(a) >= statusRank(b) {
		return a
	}
	return b
}

// Health probes every external dependency and derives the pipeline
// state from the recent cycle outcomes.
func (peer *Peer) Health(ctx context.Context) Health {
	health := Health{Status: StatusHealthy}
	add := func(component ComponentHealth) {
		health.Components = append(health.Components, component)
		health.Status = worseOf(health.Status, component.Status)
	}

	redis := ComponentHealth{Name: "redis", Status: StatusHealthy}
	if err := peer.Source.Queue.Ping(ctx); err != nil {
		redis.Status = StatusUnhealthy
		redis.Detail = err.Error()
	}
	add(redis)

	stage := ComponentHealth{Name: "staging", Status: StatusHealthy}
	if err := peer.Staging.Store.Check(ctx); err != nil {
		stage.Status = StatusUnhealthy
		stage.Detail = err.Error()
	}
	add(stage)

	wh := ComponentHealth{Name: "warehouse", Status: StatusHealthy}
	if err := peer.Warehouse.Loader.Check(ctx); err != nil {
		wh.Status = StatusUnhealthy
		wh.Detail = err.Error()
	}
	add(wh)

	add(peer.spoolHealth(ctx))
	add(peer.cycleHealth())

	return health
}

// spoolHealth flags a spool that holds terminal or quarantined
// entries, or whose pending depth crossed the high-water mark.
func (peer *Peer) spoolHealth(ctx context.Context) ComponentHealth {
	component := ComponentHealth{Name: "spool", Status: StatusHealthy}
	stats, err := peer.Spool.Store.Stats(ctx)
	if err != nil {
		component.Status = StatusUnhealthy
		component.Detail = err.Error()
		return component
	}
	highWater := peer.Config.Pipeline.SpoolHighWater
	switch {
	case highWater > 0 && stats.Pending > highWater:
		component.Status = StatusDegraded
		component.Detail = fmt.Sprintf("%d pending entries exceed the high-water mark %d", stats.Pending, highWater)
	case stats.Failed > 0 || stats.Quarantined > 0:
		component.Status = StatusDegraded
		component.Detail = fmt.Sprintf("%d failed and %d quarantined entries need manual recovery", stats.Failed, stats.Quarantined)
	}
	return component
}

// cycleHealth derives the pipeline state from the recent success rate.
// Busy cycles are skips, not outcomes, and do not count.
func (peer *Peer) cycleHealth() ComponentHealth {
	component := ComponentHealth{Name: "pipeline", Status: StatusHealthy}
	snap := peer.Ledger.Service.Snapshot()
	finished := snap.CycleSuccesses + snap.CycleFailures
	if finished == 0 {
		component.Detail = "no finished cycles yet"
		return component
	}
	rate := float64(snap.CycleSuccesses) / float64(finished)
	component.Detail = fmt.Sprintf("success rate %.2f over %d cycles", rate, finished)
	switch {
	case rate >= 0.9:
	case rate >= 0.5:
		component.Status = StatusDegraded
	default:
		component.Status = StatusUnhealthy
	}
	return component
}

// Snapshot returns the peer's read-only state view.
func (peer *Peer) Snapshot(ctx context.Context) Snapshot {
	stats, err := peer.Spool.Store.Stats(ctx)
	if err != nil {
		peer.Log.Warn("spool stats unavailable for snapshot", zap.Error(err))
	}
	return Snapshot{
		Phase:  peer.Cutover.Controller.Phase(),
		Ledger: peer.Ledger.Service.Snapshot(),
		Spool:  stats,
		Status: peer.Cutover.Controller.Status(),
	}
}
