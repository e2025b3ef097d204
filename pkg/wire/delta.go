// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import "fmt"

// DeltaRecord is one (vertex id, serialized supernode image) pair as
// carried inside a DELTA message: `u32 node_idx || supernode_bytes`.
// supernode_bytes is a fixed, process-wide constant (data model
// invariant 3), so unlike BatchRecord it carries no explicit length.
type DeltaRecord struct {
	NodeIdx uint32
	Image   []byte
}

// EncodeDeltas serializes records back-to-back into a newly allocated
// slice; it takes no caller-supplied buffer.
func EncodeDeltas(records []DeltaRecord) []byte {
	var buf []byte
	for _, rec := range records {
		buf = appendU32(buf, rec.NodeIdx)
		buf = append(buf, rec.Image...)
	}
	return buf
}

// DecodeDeltas parses a DELTA payload given the process-wide supernode
// image size. The record count is implied by payload length divided by
// (4 + supernodeSize); a remainder indicates truncation.
func DecodeDeltas(payload []byte, supernodeSize int) ([]DeltaRecord, error) {
	if supernodeSize <= 0 {
		return nil, fmt.Errorf("wire: supernodeSize must be positive, got %d", supernodeSize)
	}
	recSize := 4 + supernodeSize
	if len(payload)%recSize != 0 {
		return nil, fmt.Errorf("%w: DELTA payload length %d not a multiple of record size %d", ErrBadMessage, len(payload), recSize)
	}
	n := len(payload) / recSize
	records := make([]DeltaRecord, n)
	for i := 0; i < n; i++ {
		start := i * recSize
		nodeIdx, rest, err := consumeU32(payload[start : start+4])
		if err != nil || len(rest) != 0 {
			return nil, fmt.Errorf("delta record[%d] node_idx: %w", i, ErrBadMessage)
		}
		image := make([]byte, supernodeSize)
		copy(image, payload[start+4:start+recSize])
		records[i] = DeltaRecord{NodeIdx: nodeIdx, Image: image}
	}
	return records, nil
}
