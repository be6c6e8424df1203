// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cutover runs the staged migration from the legacy direct
// insert flow to the staged pipeline flow. The controller selects
// which flow a cycle runs based on the configured phase, compares the
// flows while in hybrid, and demotes the phase automatically when the
// new flow degrades.
package cutover

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the cutover package.
	Error = errs.Class("cutover")

	mon = monkit.Package()
)

// Phase selects which flow processes a cycle.
type Phase string

const (
	// PhaseLegacy runs only the direct insert flow.
	PhaseLegacy Phase = "legacy"
	// PhaseHybrid runs the legacy flow destructively and the staged
	// flow as a dry run on the same drained batch, comparing the two.
	PhaseHybrid Phase = "hybrid"
	// PhaseMigration runs the staged flow; the legacy flow replays the
	// spool directly only when the staged flow fails.
	PhaseMigration Phase = "migration"
	// PhaseNew runs only the staged flow.
	PhaseNew Phase = "new"
)

// phases orders the phases from most conservative to most migrated.
var phases = []Phase{PhaseLegacy, PhaseHybrid, PhaseMigration, PhaseNew}

// ParsePhase validates a configured phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", Error.New("unknown phase %q", s)
	}
	return p, nil
}

// Valid reports whether the phase is one of the closed enumeration.
func (p Phase) Valid() bool {
	for _, known := range phases {
		if p == known {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (p Phase) String() string { return string(p) }

// rank orders phases for promotion checks; higher is closer to the
// fully migrated state.
func (p Phase) rank() int {
	for i, known := range phases {
		if p == known {
			return i
		}
	}
	return -1
}

// Demote returns the phase one rollback step down. The rollback ladder
// is new -> hybrid -> legacy: a rollback out of migration also lands on
// hybrid, and legacy has nowhere further down to go.
func (p Phase) Demote() Phase {
	switch p {
	case PhaseNew, PhaseMigration:
		return PhaseHybrid
	case PhaseHybrid:
		return PhaseLegacy
	}
	return PhaseLegacy
}
