// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package telemetry defines the location record model shared by the
// ingestion flows: stream classification, field validation and
// normalization, and the canonical serialized form that is staged to
// the object store and loaded into the warehouse.
package telemetry

import (
	"encoding/json"

	"github.com/zeebo/errs"
)

// Error is the default error class for the telemetry package.
var Error = errs.Class("telemetry")

// StreamType identifies one of the two disjoint telemetry streams.
type StreamType string

const (
	// GPS is the vehicle location stream.
	GPS StreamType = "gps"
	// Mobile is the mobile-user location stream.
	Mobile StreamType = "mobile"
)

// Streams lists all stream types in processing order. GPS is always
// processed before Mobile so that cycle outcomes are deterministic.
var Streams = []StreamType{GPS, Mobile}

// Valid reports whether s is a known stream type.
func (s StreamType) Valid() bool {
	return s == GPS || s == Mobile
}

func (s StreamType) String() string { return string(s) }

// ParseStreamType parses a stream type name.
func ParseStreamType(name string) (StreamType, error) {
	s := StreamType(name)
	if !s.Valid() {
		return "", Error.New("unknown stream type %q", name)
	}
	return s, nil
}

// GPSRecord is a validated vehicle location point. Timestamp is unix
// epoch milliseconds. Optional readings stay nil when the producer did
// not report them.
type GPSRecord struct {
	RecordID  string   `json:"recordId"`
	DeviceID  string   `json:"deviceId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// MobileRecord is a validated mobile-user location point. It extends
// the GPS shape with user identification fields.
type MobileRecord struct {
	GPSRecord
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Encode serializes the record in its canonical staged form.
func (r GPSRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, Error.Wrap(err)
}

// Encode serializes the record in its canonical staged form.
func (r MobileRecord) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, Error.Wrap(err)
}
