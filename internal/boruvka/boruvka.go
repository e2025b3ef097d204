// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package boruvka implements the query barrier and distributed
// Borůvka-style spanning-forest sampling protocol (§4.5): pause
// ingestion, run rounds of cross-component edge sampling sharded across
// workers, and fold merged components' sketches together until no
// further merges are found.
package boruvka

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sketchcluster/engine/pkg/wire"

	"github.com/sketchcluster/engine/internal/coordinator"
)

// Query runs spanning-forest queries against a Coordinator.
type Query struct {
	coord              *coordinator.Coordinator
	roundsToDistribute int
	logger             logr.Logger
}

// New builds a Query. By default every round is sampled through the
// distributed protocol; call SetRoundsToDistribute to fall back to
// local sampling after a fixed number of rounds (§4.5: "rounds_to_distribute").
func New(coord *coordinator.Coordinator, logger logr.Logger) *Query {
	return &Query{coord: coord, roundsToDistribute: math.MaxInt32, logger: logger}
}

func (q *Query) SetRoundsToDistribute(n int) {
	if n >= 0 {
		q.roundsToDistribute = n
	}
}

// SpanningForestQuery pauses ingestion, runs Borůvka emulation to a
// fixed point, and returns the resulting connected components as lists
// of vertex ids. When continueStream is true, every vertex's query
// cursor is reset and ingestion resumes once sampling completes (§4.5
// steps 1, 4); when false, the coordinator remains paused (the caller is
// ending the stream, e.g. ahead of stop_workers).
func (q *Query) SpanningForestQuery(ctx context.Context, continueStream bool) ([][]uint32, error) {
	q.coord.ForceFlush()
	q.coord.PauseWorkers()

	graph := q.coord.Graph()
	d := newDSU(graph.Len())

	if err := q.boruvkaEmulation(ctx, d, graph); err != nil {
		return nil, err
	}

	if continueStream {
		for i := 0; i < graph.Len(); i++ {
			graph.Node(uint32(i)).ResetQueryState()
		}
		q.coord.Unlock()
		q.coord.UnpauseWorkers()
	} else {
		q.coord.Lock()
	}

	return d.components(graph.Len()), nil
}

// boruvkaEmulation runs sampling rounds until a round merges nothing,
// or until the standard O(log n) round bound is reached with slack
// (§4.5 step 2: "boruvka_emulation").
func (q *Query) boruvkaEmulation(ctx context.Context, d *dsu, graph *coordinator.Graph) error {
	n := graph.Len()
	maxRounds := bits.Len(uint(n)) + 4

	for round := 0; round < maxRounds; round++ {
		reps := d.roots(n)
		if len(reps) <= 1 {
			return nil
		}

		var samples map[uint32]wire.QuerySample
		var err error
		if round < q.roundsToDistribute {
			samples, err = q.distributedSampleRound(ctx, graph, reps)
		} else {
			samples, err = q.localSampleRound(graph, reps)
		}
		if err != nil {
			return fmt.Errorf("boruvka: round %d: %w", round, err)
		}

		merged := false
		for _, rep := range reps {
			s, ok := samples[rep]
			if !ok || s.Tag != wire.SampleGood {
				continue
			}
			if int(s.Dst) >= n {
				continue
			}
			if d.find(s.Dst) == d.find(rep) {
				continue
			}
			survivor, absorbed := d.union(rep, s.Dst)
			if err := graph.ApplyDelta(survivor, graph.Node(absorbed)); err != nil {
				return fmt.Errorf("boruvka: merging component %d into %d: %w", absorbed, survivor, err)
			}
			merged = true
		}
		if !merged {
			return nil
		}
	}

	q.logger.Info("boruvka emulation hit round cap without converging", "rounds", maxRounds, "remaining_components", len(d.roots(n)))
	return nil
}

// localSampleRound samples every representative's own supernode
// in-process, advancing its cursor exactly once per attempt (§4.5
// local fallback, used once rounds_to_distribute rounds have run).
func (q *Query) localSampleRound(graph *coordinator.Graph, reps []uint32) (map[uint32]wire.QuerySample, error) {
	samples := make(map[uint32]wire.QuerySample, len(reps))
	for _, rep := range reps {
		node := graph.Node(rep)
		if node.OutOfQueries() {
			continue
		}
		s, err := node.Sample()
		if err != nil {
			continue
		}
		node.IncrIdx()
		s.Src = rep
		samples[rep] = s
	}
	return samples, nil
}

// distributedSampleRound shards reps across the coordinator's live
// distributors and samples each shard's sketches on its worker (§4.5
// step 3). It falls back to local sampling if no workers are available.
func (q *Query) distributedSampleRound(ctx context.Context, graph *coordinator.Graph, reps []uint32) (map[uint32]wire.QuerySample, error) {
	distributors := q.coord.Distributors()
	if len(distributors) == 0 {
		return q.localSampleRound(graph, reps)
	}

	factory := graph.Factory()
	serializedSize := factory.SerializedSize()
	numSafe := (q.coord.MaxMsgSize() - 8) / (serializedSize + 8)
	if numSafe < 1 {
		numSafe = 1
	}

	shards := make([][]uint32, len(distributors))
	for i, rep := range reps {
		idx := i % len(distributors)
		shards[idx] = append(shards[idx], rep)
	}

	var mu sync.Mutex
	samples := make(map[uint32]wire.QuerySample, len(reps))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		i, shard := i, shard
		dist := distributors[i]
		eg.Go(func() error {
			res, err := q.queryShard(egCtx, dist, graph, shard, numSafe)
			if err != nil {
				return err
			}
			mu.Lock()
			for rep, s := range res {
				samples[rep] = s
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for rep := range samples {
		graph.Node(rep).IncrIdx()
	}
	return samples, nil
}

// queryShard sends every sampleable representative in reps to dist's
// worker, chunked to chunkSize sketches per QUERY message, and reads
// back the single accumulated response (§4.1 QUERY, §4.3 round
// accumulation). The worker's serialized image carries no vertex id, so
// the response's Src is reconstructed from the request's own ordering
// rather than trusted from the wire.
func (q *Query) queryShard(ctx context.Context, dist *coordinator.Distributor, graph *coordinator.Graph, reps []uint32, chunkSize int) (map[uint32]wire.QuerySample, error) {
	type item struct {
		rep    uint32
		sketch wire.QuerySketch
	}
	items := make([]item, 0, len(reps))
	for _, rep := range reps {
		node := graph.Node(rep)
		if node.OutOfQueries() {
			continue
		}
		var buf bytes.Buffer
		if err := node.WriteBinary(&buf); err != nil {
			return nil, fmt.Errorf("boruvka: serializing vertex %d: %w", rep, err)
		}
		items = append(items, item{rep: rep, sketch: wire.QuerySketch{Cursor: uint32(node.CurrIdx()), Image: buf.Bytes()}})
	}
	if len(items) == 0 {
		return nil, nil
	}

	ep := dist.Endpoint()
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		sketches := make([]wire.QuerySketch, end-start)
		for i, it := range items[start:end] {
			sketches[i] = it.sketch
		}
		msg := wire.QueryMessage{Sketches: sketches}
		if end == len(items) {
			msg.NumQueriesInRound = uint32(len(items))
		}
		if err := ep.Send(ctx, wire.TagQuery, msg.EncodeInto()); err != nil {
			return nil, fmt.Errorf("boruvka: sending QUERY to worker %d: %w", dist.Worker().Rank, err)
		}
	}

	tag, payload, err := ep.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("boruvka: awaiting QUERY reply from worker %d: %w", dist.Worker().Rank, err)
	}
	if tag != wire.TagQuery {
		return nil, fmt.Errorf("%w: expected QUERY reply from worker %d, got %s", wire.ErrBadMessage, dist.Worker().Rank, tag)
	}
	respSamples, err := wire.DecodeQuerySamples(payload)
	if err != nil {
		return nil, fmt.Errorf("boruvka: decoding QUERY reply from worker %d: %w", dist.Worker().Rank, err)
	}
	if len(respSamples) != len(items) {
		return nil, fmt.Errorf("boruvka: worker %d returned %d samples for %d queries", dist.Worker().Rank, len(respSamples), len(items))
	}

	out := make(map[uint32]wire.QuerySample, len(items))
	for i, it := range items {
		s := respSamples[i]
		s.Src = it.rep
		out[it.rep] = s
	}
	return out, nil
}
