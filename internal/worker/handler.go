// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"bytes"
	"fmt"

	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/wire"
)

// handler is the Go analogue of the original cluster's
// BatchesToDeltasHandler: a reusable slot recycled between the
// dispatcher's free queue and send queue, holding up to
// wire.NumBatches pre-allocated working sketches that are reused across
// batches (§4.3, §9 DESIGN NOTES). Decoding a BATCH and serializing the
// returned deltas still allocate per message.
type handler struct {
	scratch      []supernode.Sketch // wire.NumBatches pre-allocated working sketches
	nodeIdxs     []uint32           // node_idx each populated scratch[i] belongs to
	numDeltas    int
	totalUpdates int
}

func newHandler(factory supernode.Factory) *handler {
	h := &handler{
		scratch:  make([]supernode.Sketch, wire.NumBatches),
		nodeIdxs: make([]uint32, wire.NumBatches),
	}
	for i := range h.scratch {
		h.scratch[i] = factory.NewEmpty()
	}
	return h
}

// generateDeltas parses payload into BatchRecords and generates one
// delta per record into the handler's scratch sketches (§4.3: "parse
// H.recv_buf into batches; for i in [0, batches.size): generate_delta_node(...)").
func (h *handler) generateDeltas(factory supernode.Factory, payload []byte) error {
	records, err := wire.DecodeBatches(payload)
	if err != nil {
		return fmt.Errorf("worker: decoding BATCH: %w", err)
	}
	if len(records) > len(h.scratch) {
		return fmt.Errorf("%w: BATCH carries %d records, exceeding num_batches %d", wire.ErrBadMessage, len(records), len(h.scratch))
	}

	h.totalUpdates = 0
	for i, rec := range records {
		if err := factory.GenerateDeltaNode(rec.NodeIdx, rec.Dests, h.scratch[i]); err != nil {
			return fmt.Errorf("worker: generating delta for node %d: %w", rec.NodeIdx, err)
		}
		h.nodeIdxs[i] = rec.NodeIdx
		h.totalUpdates += len(rec.Dests)
	}
	h.numDeltas = len(records)
	return nil
}

// deltaRecords serializes the populated scratch sketches into
// wire.DeltaRecords for the return DELTA message.
func (h *handler) deltaRecords() []wire.DeltaRecord {
	records := make([]wire.DeltaRecord, h.numDeltas)
	for i := 0; i < h.numDeltas; i++ {
		var buf bytes.Buffer
		if err := h.scratch[i].WriteBinary(&buf); err != nil {
			// WriteBinary failing on a just-generated in-memory sketch would
			// indicate a broken Sketch implementation; there is no
			// recoverable per-record action here.
			continue
		}
		records[i] = wire.DeltaRecord{NodeIdx: h.nodeIdxs[i], Image: buf.Bytes()}
	}
	return records
}

func (h *handler) reset() {
	h.numDeltas = 0
	h.totalUpdates = 0
}
