// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/errors"
	"github.com/sketchcluster/engine/pkg/gutter"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// ErrUpdateLocked is raised by Update once a non-continuing
// SpanningForestQuery has completed (§7 error taxonomy #4: "the
// coordinator accepted an update after the post-query lock was
// re-engaged"). A continuing query (SpanningForestQuery(ctx, true))
// clears the lock again via Unlock before resuming ingestion.
var ErrUpdateLocked = errors.NewFatal("coordinator: update rejected, stream is locked after a non-continuing query")

// Config holds the coordinator-wide parameters carried to every worker
// via INIT (§4.1) and used to size the distributor pipeline.
type Config struct {
	NumNodes           uint32
	Seed               uint64
	GutterBatchSize    int
	LocalProcessCutoff int
	DialTimeout        time.Duration
}

// Coordinator owns the Graph, the shared Gutter, and one Distributor
// per worker (§2: "Coordinator (rank 0): owns the graph state, the
// guttering buffer, and a pool of Work Distributors").
type Coordinator struct {
	cfg     Config
	graph   *Graph
	gutter  gutter.Gutter
	cluster *cluster.CoordinatorCluster
	logger  logr.Logger

	distributors []*Distributor
	group        *errgroup.Group
	maxMsgSize   int
	locked       atomic.Bool
}

// New builds a Coordinator bound to graph/gutter/clusterState. Call
// StartWorkers to dial every worker and begin ingestion.
func New(cfg Config, graph *Graph, g gutter.Gutter, clusterState *cluster.CoordinatorCluster, logger logr.Logger) *Coordinator {
	maxMsgSize := wire.MaxMsgSize(cfg.GutterBatchSize, wire.NumBatches)
	return &Coordinator{
		cfg:        cfg,
		graph:      graph,
		gutter:     g,
		cluster:    clusterState,
		logger:     logger,
		maxMsgSize: maxMsgSize,
	}
}

// StartWorkers dials every worker in the cluster's topology, sends
// INIT, queries BUFF_QUERY for its outstanding-delta depth, and spawns
// one Distributor goroutine per worker (§4.2: start_workers).
func (c *Coordinator) StartWorkers(ctx context.Context) error {
	workers := c.cluster.Workers()
	c.distributors = make([]*Distributor, 0, len(workers))

	eg, egCtx := errgroup.WithContext(ctx)
	c.group = eg

	for _, w := range workers {
		w := w
		dialCtx := ctx
		cancel := func() {}
		if c.cfg.DialTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		}
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", w.Addr)
		cancel()
		if err != nil {
			return fmt.Errorf("coordinator: dialing worker %d at %s: %w", w.Rank, w.Addr, err)
		}

		ep := transport.NewEndpoint(conn, c.maxMsgSize)
		initMsg := wire.InitMessage{NumNodes: c.cfg.NumNodes, Seed: c.cfg.Seed, MaxMsgSize: int32(c.maxMsgSize)}
		if err := ep.Send(ctx, wire.TagInit, initMsg.EncodeInto()); err != nil {
			return fmt.Errorf("coordinator: sending INIT to worker %d: %w", w.Rank, err)
		}

		if err := ep.Send(ctx, wire.TagBuffQuery, nil); err != nil {
			return fmt.Errorf("coordinator: sending BUFF_QUERY to worker %d: %w", w.Rank, err)
		}
		tag, payload, err := ep.Recv(ctx)
		if err != nil {
			return fmt.Errorf("coordinator: awaiting BUFF_QUERY reply from worker %d: %w", w.Rank, err)
		}
		if tag != wire.TagBuffQuery {
			return fmt.Errorf("%w: expected BUFF_QUERY reply from worker %d, got %s", wire.ErrBadMessage, w.Rank, tag)
		}
		depth, err := wire.DecodeBuffQueryResponse(payload)
		if err != nil {
			return fmt.Errorf("coordinator: decoding BUFF_QUERY reply from worker %d: %w", w.Rank, err)
		}

		d := NewDistributor(DistributorOpts{
			Worker:             w,
			Endpoint:           ep,
			Gutter:             c.gutter,
			Graph:              c.graph,
			MaxOutstanding:     int(depth.Depth),
			LocalProcessCutoff: c.cfg.LocalProcessCutoff,
			Logger:             c.logger.WithValues("worker", w.Rank),
		})
		c.AttachDistributor(d)

		eg.Go(func() error {
			return d.Run(egCtx, c.cluster)
		})
	}

	return nil
}

// StopWorkers flushes outstanding deltas, sends STOP to every worker,
// and returns the aggregate number of updates processed across all
// distributors (§4.2: stop_workers).
func (c *Coordinator) StopWorkers(ctx context.Context) (uint64, error) {
	c.gutter.ForceFlush()
	c.cluster.Shutdown()
	c.gutter.SetNonBlock(true)

	if err := c.group.Wait(); err != nil {
		return 0, fmt.Errorf("coordinator: stop_workers: %w", err)
	}

	var total uint64
	for _, d := range c.distributors {
		if err := d.ep.Send(ctx, wire.TagStop, nil); err != nil {
			c.logger.Error(err, "failed to send STOP", "worker", d.worker.Rank)
		}
		total += d.UpdatesProcessed()
		if err := d.ep.Close(); err != nil {
			c.logger.Error(err, "failed to close endpoint", "worker", d.worker.Rank)
		}
	}
	return total, nil
}

// ForceFlush makes every buffered vertex in the gutter ready for
// pickup, ahead of a query barrier (§4.5 step 1: "gutter.force_flush()").
func (c *Coordinator) ForceFlush() {
	c.gutter.ForceFlush()
}

// MaxMsgSize returns the negotiated per-process message ceiling carried
// via INIT, used by the Borůvka sampler to size QUERY chunks (§4.5
// step 3).
func (c *Coordinator) MaxMsgSize() int { return c.maxMsgSize }

// PauseWorkers raises the shared pause flag and blocks until every
// distributor has drained its outstanding deltas, i.e. the pause
// barrier has been reached (§4.2: pause_workers, P4).
func (c *Coordinator) PauseWorkers() {
	c.gutter.SetNonBlock(true)
	c.cluster.Pause()
	for {
		allPaused := true
		for _, d := range c.distributors {
			if d.Status() != StatusPaused {
				allPaused = false
			}
		}
		if allPaused {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// UnpauseWorkers resumes every distributor's loop.
func (c *Coordinator) UnpauseWorkers() {
	c.gutter.SetNonBlock(false)
	c.cluster.Unpause()
}

// Distributors exposes the live distributor set for the Status Reporter
// and for Borůvka query sharding.
func (c *Coordinator) Distributors() []*Distributor { return c.distributors }

// AttachDistributor registers a Distributor with the Coordinator; it
// does not start the Distributor's Run loop. StartWorkers uses this for every worker it dials; tests
// that need a Coordinator wired to in-process fake workers (net.Pipe
// Endpoints instead of a real dial) use it directly.
func (c *Coordinator) AttachDistributor(d *Distributor) {
	c.distributors = append(c.distributors, d)
}

// Graph returns the coordinator's supernode table.
func (c *Coordinator) Graph() *Graph { return c.graph }

// Update buffers one undirected-edge toggle for the stream endpoints
// into the gutter, producing the two sketch updates (u->v, v->u) that
// §4.6's ingest-rate accounting divides by. It is the external entry
// point the edge-stream reader drives on every insert/delete record.
//
// Returns ErrUpdateLocked if a prior SpanningForestQuery completed
// without continueStream; the lock is released only by a continuing
// query, matching §7 error #4 (scenario 4: "update({1,2}, INSERT) must
// raise UpdateLocked").
func (c *Coordinator) Update(u, v uint32) error {
	if c.locked.Load() {
		return ErrUpdateLocked
	}
	c.gutter.Insert(u, v)
	c.gutter.Insert(v, u)
	return nil
}

// Lock engages the update lock; called once a non-continuing
// SpanningForestQuery has finished (§7 error #4).
func (c *Coordinator) Lock() { c.locked.Store(true) }

// Unlock releases the update lock; called when a continuing query
// resumes ingestion (§4.5 step 4).
func (c *Coordinator) Unlock() { c.locked.Store(false) }
