// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sketchcluster/engine/pkg/wire"
)

// roundAccumulator holds the samples this worker has produced so far in
// the current Borůvka round, flushed once the coordinator's trailing
// NumQueriesInRound signals the round is complete (§4.1 QUERY: "response
// is accumulated and sent when the count is reached").
type roundAccumulator struct {
	samples []wire.QuerySample
	total   int // 0 until the final chunk of the round announces the total
}

// handleQuery decodes one QUERY chunk, samples each carried sketch at
// its given cursor, and — once the chunk is the round's last — replies
// with the accumulated samples in request order (§4.1, §4.5).
func (w *Worker) handleQuery(ctx context.Context, payload []byte) error {
	msg, err := wire.DecodeQuery(payload)
	if err != nil {
		return fmt.Errorf("worker: decoding QUERY: %w", err)
	}

	for _, sk := range msg.Sketches {
		sample, err := w.sampleOne(sk)
		if err != nil {
			return err
		}
		w.round.samples = append(w.round.samples, sample)
	}

	if msg.NumQueriesInRound == 0 {
		return nil
	}

	w.round.total = int(msg.NumQueriesInRound)
	if len(w.round.samples) != w.round.total {
		return fmt.Errorf("%w: QUERY round announced %d total queries but worker accumulated %d",
			wire.ErrBadMessage, w.round.total, len(w.round.samples))
	}

	resp := wire.EncodeQuerySamples(w.round.samples)
	w.round = roundAccumulator{}
	if err := w.ep.Send(ctx, wire.TagQuery, resp); err != nil {
		return fmt.Errorf("worker: replying QUERY: %w", err)
	}
	return nil
}

// sampleOne decodes a single carried sketch image, fast-forwards it to
// the coordinator-supplied cursor (the cursor itself is transient
// coordinator-side state, not part of the serialized image — see
// pkg/supernode.Sketch's query-cursor protocol), and samples it once
// without advancing further: the caller (the coordinator's Borůvka
// sampler) owns the single-advance-per-round invariant.
func (w *Worker) sampleOne(sk wire.QuerySketch) (wire.QuerySample, error) {
	s, err := w.factory.MakeSupernode(bytes.NewReader(sk.Image))
	if err != nil {
		return wire.QuerySample{}, fmt.Errorf("worker: decoding query sketch: %w", err)
	}
	for i := uint32(0); i < sk.Cursor; i++ {
		s.IncrIdx()
	}
	if s.OutOfQueries() {
		return wire.QuerySample{Tag: wire.SampleFail}, nil
	}
	return s.Sample()
}
