// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"time"

	"storj.io/sluice/sluice/telemetry"
)

// Batch is an immutable unit of work: the validated records of one
// stream drawn from a single extraction. State transitions reference
// batches, they never modify them.
type Batch struct {
	ProcessingID string
	Stream       telemetry.StreamType
	ExtractedAt  time.Time
	Records      [][]byte
	Checksum     uint32
	Size         int64
}

// NewBatch derives the batch identity from its contents. The
// processing id is unique per cycle per stream and seeds the
// deterministic staging key.
func NewBatch(stream telemetry.StreamType, extractedAt time.Time, records [][]byte) Batch {
	batch := Batch{
		ProcessingID: NewProcessingID(stream, extractedAt),
		Stream:       stream,
		ExtractedAt:  extractedAt,
		Records:      records,
	}
	h := crc32.New(crcTable)
	for _, record := range records {
		_, _ = h.Write(record)
		_, _ = h.Write([]byte{'\n'})
		batch.Size += int64(len(record)) + 1
	}
	batch.Checksum = h.Sum32()
	return batch
}

// Count returns the number of records in the batch.
func (b Batch) Count() int { return len(b.Records) }

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// NewProcessingID mints a processing id: <type>_<unix_ms>_<nonce>.
func NewProcessingID(stream telemetry.StreamType, at time.Time) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s_%d_%s", stream, at.UnixMilli(), hex.EncodeToString(buf[:]))
}
