// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"
)

// Reason classifies why a record was rejected during separation.
type Reason string

const (
	ReasonBadJSON        Reason = "bad_json"
	ReasonMissingFields  Reason = "missing_fields"
	ReasonBadCoordinates Reason = "bad_coordinates"
	ReasonBadTimestamp   Reason = "bad_timestamp"
	ReasonBadSpeed       Reason = "bad_speed"
	ReasonBadHeading     Reason = "bad_heading"
	ReasonBadAltitude    Reason = "bad_altitude"
	ReasonBadAccuracy    Reason = "bad_accuracy"
	ReasonBadName        Reason = "bad_name"
	ReasonBadEmail       Reason = "bad_email"
)

// InvalidRecord describes a rejected record. Index refers to the
// position in the raw input batch; Stream is empty when the record was
// too malformed to classify.
type InvalidRecord struct {
	Index  int        `json:"index"`
	Stream StreamType `json:"stream,omitempty"`
	Reason Reason     `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// SeparationStats summarizes one separation pass.
type SeparationStats struct {
	Total   int `json:"total"`
	GPS     int `json:"gps"`
	Mobile  int `json:"mobile"`
	Invalid int `json:"invalid"`
}

// Separation is the result of splitting a raw batch into typed,
// validated records. Rejected records are kept with their reason so
// the ledger can account for every input record.
type Separation struct {
	GPS     []GPSRecord
	Mobile  []MobileRecord
	Invalid []InvalidRecord
	Total   int
}

// Separate splits a mixed raw batch record-wise by shape: a record
// carrying userId is a Mobile candidate, anything else is a GPS
// candidate. Field aliases are folded to canonical names before
// validation, and every valid record is assigned a stable record id.
func Separate(raw [][]byte) *Separation {
	sep := &Separation{Total: len(raw)}
	for i, line := range raw {
		var fields map[string]any
		if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
			sep.reject(i, ReasonBadJSON, "")
			continue
		}
		foldAliases(fields)

		if _, isMobile := fields["userId"]; isMobile {
			rec, inv := ValidateMobile(fields)
			if inv != nil {
				inv.Index = i
				inv.Stream = Mobile
				sep.Invalid = append(sep.Invalid, *inv)
				continue
			}
			rec.RecordID = recordID(Mobile, rec.UserID, rec.Timestamp, len(sep.Mobile))
			sep.Mobile = append(sep.Mobile, rec)
		} else {
			rec, inv := ValidateGPS(fields)
			if inv != nil {
				inv.Index = i
				inv.Stream = GPS
				sep.Invalid = append(sep.Invalid, *inv)
				continue
			}
			rec.RecordID = recordID(GPS, rec.DeviceID, rec.Timestamp, len(sep.GPS))
			sep.GPS = append(sep.GPS, rec)
		}
	}
	return sep
}

func (s *Separation) reject(index int, reason Reason, detail string) {
	s.Invalid = append(s.Invalid, InvalidRecord{Index: index, Reason: reason, Detail: detail})
}

// Count returns the number of valid records for a stream.
func (s *Separation) Count(stream StreamType) int {
	switch stream {
	case GPS:
		return len(s.GPS)
	case Mobile:
		return len(s.Mobile)
	}
	return 0
}

// RejectedFor returns the number of rejected records attributed to a
// stream. Records too malformed to classify are attributed to neither.
func (s *Separation) RejectedFor(stream StreamType) int {
	n := 0
	for _, inv := range s.Invalid {
		if inv.Stream == stream {
			n++
		}
	}
	return n
}

// ValidTotal returns the number of valid records across both streams.
func (s *Separation) ValidTotal() int { return len(s.GPS) + len(s.Mobile) }

// Stats returns the separation counters.
func (s *Separation) Stats() SeparationStats {
	return SeparationStats{
		Total:   s.Total,
		GPS:     len(s.GPS),
		Mobile:  len(s.Mobile),
		Invalid: len(s.Invalid),
	}
}

// Lines returns the canonical serialized form of a stream's valid
// records, one JSON document per element, in validation order.
func (s *Separation) Lines(stream StreamType) ([][]byte, error) {
	switch stream {
	case GPS:
		lines := make([][]byte, 0, len(s.GPS))
		for _, rec := range s.GPS {
			line, err := rec.Encode()
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		}
		return lines, nil
	case Mobile:
		lines := make([][]byte, 0, len(s.Mobile))
		for _, rec := range s.Mobile {
			line, err := rec.Encode()
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		}
		return lines, nil
	}
	return nil, Error.New("unknown stream type %q", stream)
}

// aliases maps producer field spellings to their canonical names. A
// canonical field already present always wins over its alias.
var aliases = map[string]string{
	"latitude":  "lat",
	"longitude": "lng",
	"lon":       "lng",
	"alt":       "altitude",
	"bearing":   "heading",
	"time":      "timestamp",
}

func foldAliases(fields map[string]any) {
	for alias, canonical := range aliases {
		value, ok := fields[alias]
		if !ok {
			continue
		}
		if _, taken := fields[canonical]; !taken {
			fields[canonical] = value
		}
		delete(fields, alias)
	}
}

var emailRx = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateGPS checks the GPS required-field set and value bounds on a
// parsed record and builds the typed form. It returns the rejection
// with a reason code when the record does not pass; the caller fills
// in the batch index.
func ValidateGPS(fields map[string]any) (GPSRecord, *InvalidRecord) {
	var rec GPSRecord

	deviceID, ok := strField(fields, "deviceId")
	if !ok || deviceID == "" {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "deviceId"}
	}
	rec.DeviceID = deviceID

	lat, present, parsed := numField(fields, "lat")
	if !present {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "lat"}
	}
	if !parsed || !isFinite(lat) || lat < -90 || lat > 90 {
		return rec, &InvalidRecord{Reason: ReasonBadCoordinates, Detail: fmt.Sprintf("lat=%v", fields["lat"])}
	}
	rec.Lat = lat

	lng, present, parsed := numField(fields, "lng")
	if !present {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "lng"}
	}
	if !parsed || !isFinite(lng) || lng < -180 || lng > 180 {
		return rec, &InvalidRecord{Reason: ReasonBadCoordinates, Detail: fmt.Sprintf("lng=%v", fields["lng"])}
	}
	rec.Lng = lng

	tsValue, present := fields["timestamp"]
	if !present {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "timestamp"}
	}
	ts, ok := parseTimestamp(tsValue)
	if !ok {
		return rec, &InvalidRecord{Reason: ReasonBadTimestamp, Detail: fmt.Sprintf("timestamp=%v", tsValue)}
	}
	rec.Timestamp = ts

	speed, present, parsed := numField(fields, "speed")
	if present {
		if !parsed || !isFinite(speed) || speed < 0 || speed > 500 {
			return rec, &InvalidRecord{Reason: ReasonBadSpeed, Detail: fmt.Sprintf("speed=%v", fields["speed"])}
		}
		rec.Speed = &speed
	}

	heading, present, parsed := numField(fields, "heading")
	if present {
		if !parsed || !isFinite(heading) {
			return rec, &InvalidRecord{Reason: ReasonBadHeading, Detail: fmt.Sprintf("heading=%v", fields["heading"])}
		}
		normalized := normalizeHeading(heading)
		rec.Heading = &normalized
	}

	altitude, present, parsed := numField(fields, "altitude")
	if present {
		if !parsed || !isFinite(altitude) || altitude < -500 || altitude > 10000 {
			return rec, &InvalidRecord{Reason: ReasonBadAltitude, Detail: fmt.Sprintf("altitude=%v", fields["altitude"])}
		}
		rec.Altitude = &altitude
	}

	accuracy, present, parsed := numField(fields, "accuracy")
	if present {
		if !parsed || !isFinite(accuracy) {
			return rec, &InvalidRecord{Reason: ReasonBadAccuracy, Detail: fmt.Sprintf("accuracy=%v", fields["accuracy"])}
		}
		rec.Accuracy = &accuracy
	}

	return rec, nil
}

// ValidateMobile checks the Mobile required-field set, which extends
// the GPS set with user identification, and builds the typed form.
func ValidateMobile(fields map[string]any) (MobileRecord, *InvalidRecord) {
	var rec MobileRecord

	base, inv := ValidateGPS(fields)
	if inv != nil {
		return rec, inv
	}
	rec.GPSRecord = base

	userID, ok := strField(fields, "userId")
	if !ok || userID == "" {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "userId"}
	}
	rec.UserID = userID

	name, ok := strField(fields, "name")
	if !ok || name == "" {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "name"}
	}
	if utf8.RuneCountInString(name) > 100 {
		return rec, &InvalidRecord{Reason: ReasonBadName, Detail: fmt.Sprintf("name length %d", utf8.RuneCountInString(name))}
	}
	rec.Name = name

	email, ok := strField(fields, "email")
	if !ok || email == "" {
		return rec, &InvalidRecord{Reason: ReasonMissingFields, Detail: "email"}
	}
	if !emailRx.MatchString(email) {
		return rec, &InvalidRecord{Reason: ReasonBadEmail, Detail: email}
	}
	rec.Email = email

	return rec, nil
}

func recordID(stream StreamType, owner string, timestamp int64, index int) string {
	return fmt.Sprintf("%s_%s_%d_%d", stream, owner, timestamp, index)
}

// strField fetches a string field, stringifying numeric values the way
// loosely typed producers emit them.
func strField(fields map[string]any, name string) (string, bool) {
	value, ok := fields[name]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

// numField fetches a numeric field. It accepts JSON numbers and
// numeric strings; parsed is false when the field is present but not
// a number of either form.
func numField(fields map[string]any, name string) (value float64, present, parsed bool) {
	raw, ok := fields[name]
	if !ok {
		return 0, false, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, true, false
		}
		return f, true, true
	}
	return 0, true, false
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// parseTimestamp normalizes producer timestamps to unix epoch
// milliseconds. Numeric values below 1e12 are treated as epoch
// seconds, everything else as epoch milliseconds; strings may be
// RFC 3339 or a numeric spelling of the same.
func parseTimestamp(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return normalizeEpoch(v)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UnixMilli(), true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return normalizeEpoch(f)
		}
	}
	return 0, false
}

func normalizeEpoch(v float64) (int64, bool) {
	if !isFinite(v) || v <= 0 {
		return 0, false
	}
	if v < 1e12 {
		return int64(v * 1000), true
	}
	return int64(v), true
}

func normalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
