// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import "fmt"

// BatchRecord is one (vertex id, ordered sequence of neighbor ids) batch
// as carried inside a BATCH message: `u32 node_idx || u32 len || len ×
// u32 dest_id`. Empty batches (len == 0) are never emitted by the
// encoder, matching §4.1's "Empty batches are never emitted".
type BatchRecord struct {
	NodeIdx uint32
	Dests   []uint32
}

// EncodeBatches serializes records as a repeating sequence with no
// leading count — the reader parses until the message ends (P6).
// Empty records are skipped rather than written.
func EncodeBatches(records []BatchRecord) []byte {
	var buf []byte
	for _, rec := range records {
		if len(rec.Dests) == 0 {
			continue
		}
		buf = appendU32(buf, rec.NodeIdx)
		buf = appendU32(buf, uint32(len(rec.Dests)))
		for _, d := range rec.Dests {
			buf = appendU32(buf, d)
		}
	}
	return buf
}

// DecodeBatches parses a BATCH payload into the list of records it
// encodes (P6: round-tripping through Encode/Decode is a no-op modulo
// dropped empty batches, which the encoder never produces anyway).
func DecodeBatches(payload []byte) ([]BatchRecord, error) {
	var records []BatchRecord
	for len(payload) > 0 {
		nodeIdx, rest, err := consumeU32(payload)
		if err != nil {
			return nil, fmt.Errorf("batch record node_idx: %w", err)
		}
		length, rest, err := consumeU32(rest)
		if err != nil {
			return nil, fmt.Errorf("batch record len: %w", err)
		}
		if length == 0 {
			return nil, fmt.Errorf("%w: empty batch record for node %d", ErrBadMessage, nodeIdx)
		}
		dests := make([]uint32, length)
		for i := range dests {
			var d uint32
			d, rest, err = consumeU32(rest)
			if err != nil {
				return nil, fmt.Errorf("batch record dest[%d]: %w", i, err)
			}
			dests[i] = d
		}
		records = append(records, BatchRecord{NodeIdx: nodeIdx, Dests: dests})
		payload = rest
	}
	return records, nil
}

// TotalUpdates returns the number of individual neighbor-id updates
// across records, used by the Work Distributor to decide whether a
// batch group is small enough to process locally (local_process_cutoff).
func TotalUpdates(records []BatchRecord) int {
	n := 0
	for _, r := range records {
		n += len(r.Dests)
	}
	return n
}
