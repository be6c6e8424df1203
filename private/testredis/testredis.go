// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testredis runs an in-process Redis server for tests. It
// supports the small command surface the pipeline relies on, including
// server-side scripts, and lets tests advance key expiry virtually.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zeebo/errs"
)

// Error is the default error class for the testredis package.
var Error = errs.Class("testredis")

// Server is a running test Redis instance.
type Server interface {
	// Addr returns the host:port the server listens on.
	Addr() string
	// Set writes a plain string key, bypassing the client. Useful for
	// planting keys of the wrong type.
	Set(key, value string) error
	// FastForward advances the server clock, expiring TTL-bound keys.
	FastForward(d time.Duration)
	// Close shuts the server down.
	Close() error
}

// Start launches an in-process server on a random port.
func Start(ctx context.Context) (Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &server{mini: mini}, nil
}

type server struct {
	mini *miniredis.Miniredis
}

func (s *server) Addr() string { return s.mini.Addr() }

func (s *server) Set(key, value string) error {
	return Error.Wrap(s.mini.Set(key, value))
}

func (s *server) FastForward(d time.Duration) { s.mini.FastForward(d) }

func (s *server) Close() error {
	s.mini.Close()
	return nil
}
