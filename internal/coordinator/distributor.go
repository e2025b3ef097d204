// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/gutter"
	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// defaultLocalProcessCutoff is the total-updates-in-group threshold
// below which a Distributor generates and applies the delta itself
// rather than paying a worker round trip (§4.2: "so that tiny batches
// don't pay the round-trip cost").
const defaultLocalProcessCutoff = 4096

// DistributorOpts configures a Distributor.
type DistributorOpts struct {
	Worker             cluster.WorkerAddr
	Endpoint           *transport.Endpoint
	Gutter             gutter.Gutter
	Graph              *Graph
	MaxOutstanding     int
	LocalProcessCutoff int
	Logger             logr.Logger
}

// Distributor is one coordinator-side Work Distributor: a per-worker
// pipelined send/receive loop that paces outstanding DELTA replies and
// absorbs back-pressure from the gutter and the network (§4.2).
type Distributor struct {
	worker             cluster.WorkerAddr
	ep                 *transport.Endpoint
	gutter             gutter.Gutter
	graph              *Graph
	factory            supernode.Factory
	maxOutstanding     int
	localProcessCutoff int
	logger             logr.Logger

	status           atomicStatus
	updatesProcessed atomic.Uint64
	batchesSent      atomic.Uint64

	outstanding int // only ever touched by Run's goroutine
	scratch     supernode.Sketch
	deltaBank   []supernode.Sketch // reused across awaitOneDelta calls
}

// NewDistributor builds a Distributor. opts.Graph and opts.Gutter are
// shared across every Distributor in a Coordinator.
func NewDistributor(opts DistributorOpts) *Distributor {
	cutoff := opts.LocalProcessCutoff
	if cutoff <= 0 {
		cutoff = defaultLocalProcessCutoff
	}
	maxOutstanding := opts.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = 1
	}
	return &Distributor{
		worker:             opts.Worker,
		ep:                 opts.Endpoint,
		gutter:             opts.Gutter,
		graph:              opts.Graph,
		factory:            opts.Graph.Factory(),
		maxOutstanding:     maxOutstanding,
		localProcessCutoff: cutoff,
		logger:             opts.Logger,
		scratch:            opts.Graph.Factory().NewEmpty(),
	}
}

// Status returns the distributor's current activity, for the Status
// Reporter.
func (d *Distributor) Status() Status { return d.status.Load() }

// Endpoint exposes the distributor's worker connection so the Borůvka
// query sampler (§4.5) can issue QUERY messages directly to the same
// worker this distributor ingests through, without opening a second
// connection per worker.
func (d *Distributor) Endpoint() *transport.Endpoint { return d.ep }

// Worker returns the worker this distributor is paired with.
func (d *Distributor) Worker() cluster.WorkerAddr { return d.worker }

// UpdatesProcessed returns the cumulative update count this distributor
// has applied or sent for delta generation, for the Status Reporter and
// for P4's barrier check.
func (d *Distributor) UpdatesProcessed() uint64 { return d.updatesProcessed.Load() }

// Run executes the per-distributor loop until clusterState shuts down
// (§4.2 pseudocode). It blocks the calling goroutine.
func (d *Distributor) Run(ctx context.Context, clusterState *cluster.CoordinatorCluster) error {
	for {
		if clusterState.ShuttingDown() {
			return d.drainOutstanding(ctx)
		}
		if clusterState.Paused() {
			if err := d.drainOutstanding(ctx); err != nil {
				return err
			}
			d.status.Store(StatusPaused)
			if !clusterState.WaitUntilUnpaused() {
				return nil
			}
			continue
		}

		d.status.Store(StatusQueueWait)
		group, ok := d.pullGroup(ctx)
		if !ok {
			continue
		}

		total := wire.TotalUpdates(group)
		if total < d.localProcessCutoff {
			if err := d.processLocally(group); err != nil {
				return err
			}
			continue
		}

		d.status.Store(StatusDistribProcessing)
		if d.outstanding >= d.maxOutstanding {
			if err := d.awaitOneDelta(ctx); err != nil {
				return err
			}
		}
		if err := d.sendBatch(ctx, group, total); err != nil {
			return err
		}
		d.outstanding++
	}
}

// pullGroup blocks for the gutter's first ready vertex, then greedily
// drains additional ready vertices without blocking, up to
// wire.NumBatches records, forming one BATCH message's worth of work
// (§3: "Batch message ... a packed sequence of up to K=num_batches
// records").
func (d *Distributor) pullGroup(ctx context.Context) ([]wire.BatchRecord, bool) {
	first, ok := d.gutter.GetData(ctx)
	if !ok {
		return nil, false
	}
	group := make([]wire.BatchRecord, 0, wire.NumBatches)
	group = append(group, first)
	for len(group) < wire.NumBatches {
		rec, ok := d.gutter.TryGetData()
		if !ok {
			break
		}
		group = append(group, rec)
	}
	return group, true
}

func (d *Distributor) processLocally(group []wire.BatchRecord) error {
	d.status.Store(StatusDistribProcessing)
	var total int
	for _, rec := range group {
		if len(rec.Dests) == 0 {
			continue
		}
		if err := d.factory.GenerateDeltaNode(rec.NodeIdx, rec.Dests, d.scratch); err != nil {
			return fmt.Errorf("coordinator: generating local delta for node %d: %w", rec.NodeIdx, err)
		}
		d.status.Store(StatusApplyDelta)
		if err := d.graph.ApplyDelta(rec.NodeIdx, d.scratch); err != nil {
			return fmt.Errorf("coordinator: applying local delta for node %d: %w", rec.NodeIdx, err)
		}
		total += len(rec.Dests)
	}
	d.updatesProcessed.Add(uint64(total))
	return nil
}

// sendBatch sends group to the worker and credits its updates against
// this distributor's counter immediately, in neighbor-id units (the
// same units processLocally uses): the worker's DELTA reply carries
// one record per touched vertex, not per neighbor id, so the count has
// to be taken here rather than from the reply (§3 invariant,
// §4.2 stop_workers aggregate).
func (d *Distributor) sendBatch(ctx context.Context, group []wire.BatchRecord, total int) error {
	payload := wire.EncodeBatches(group)
	if err := d.ep.Send(ctx, wire.TagBatch, payload); err != nil {
		return fmt.Errorf("coordinator: sending BATCH to worker %d: %w", d.worker.Rank, err)
	}
	d.batchesSent.Add(1)
	d.updatesProcessed.Add(uint64(total))
	return nil
}

// awaitOneDelta blocks for one DELTA reply, applying every record in it
// to the Graph (§4.2: "Apply is the only mutator of coordinator
// supernodes during ingestion").
func (d *Distributor) awaitOneDelta(ctx context.Context) error {
	tag, payload, err := d.ep.Recv(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: awaiting DELTA from worker %d: %w", d.worker.Rank, err)
	}
	if tag != wire.TagDelta {
		return fmt.Errorf("%w: expected DELTA from worker %d, got %s", wire.ErrBadMessage, d.worker.Rank, tag)
	}

	records, err := wire.DecodeDeltas(payload, d.factory.SerializedSize())
	if err != nil {
		return fmt.Errorf("coordinator: decoding DELTA from worker %d: %w", d.worker.Rank, err)
	}

	d.status.Store(StatusApplyDelta)
	if err := d.applyDeltaRecords(records); err != nil {
		return err
	}
	if d.outstanding > 0 {
		d.outstanding--
	}
	return nil
}

// applyDeltaRecords applies every record in a DELTA reply to the Graph.
// It does not touch updatesProcessed: that count was already credited
// at send time by sendBatch, in neighbor-id units, since a DELTA
// record is per touched vertex and would double-count (and in the
// wrong unit) if counted again here.
func (d *Distributor) applyDeltaRecords(records []wire.DeltaRecord) error {
	for len(d.deltaBank) < len(records) {
		d.deltaBank = append(d.deltaBank, d.factory.NewEmpty())
	}

	for i, rec := range records {
		decoded, err := d.factory.MakeSupernode(bytes.NewReader(rec.Image))
		if err != nil {
			return fmt.Errorf("coordinator: decoding delta image for node %d: %w", rec.NodeIdx, err)
		}
		d.deltaBank[i] = decoded
		if err := d.graph.ApplyDelta(rec.NodeIdx, decoded); err != nil {
			return fmt.Errorf("coordinator: applying delta for node %d: %w", rec.NodeIdx, err)
		}
	}
	return nil
}

// drainOutstanding awaits every in-flight DELTA so that no DELTA
// message remains in flight once the barrier (pause or shutdown)
// returns (§3 invariant 2, P4).
func (d *Distributor) drainOutstanding(ctx context.Context) error {
	for d.outstanding > 0 {
		if err := d.awaitOneDelta(ctx); err != nil {
			return err
		}
	}
	return nil
}
