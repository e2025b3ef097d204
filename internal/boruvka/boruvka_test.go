// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boruvka

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/internal/coordinator"
	"github.com/sketchcluster/engine/internal/worker"
	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/gutter"
	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// buildRing wires two real worker.Worker processes (over net.Pipe) as a
// Coordinator's Distributors, without dialing or running any ingestion
// loop — boruvka sampling talks to a Distributor purely through its
// Endpoint.
func buildRing(t *testing.T, numWorkers int, numNodes uint32, seed uint64) (*coordinator.Coordinator, *coordinator.Graph) {
	t.Helper()

	factory := supernode.NewXorFactory(seed)
	graph := coordinator.NewGraph(factory, numNodes)

	cfg := coordinator.Config{NumNodes: numNodes, Seed: seed, GutterBatchSize: 32}
	g := gutter.New(32)
	topology := cluster.NewStaticTopology(make([]string, numWorkers))
	clusterState, err := cluster.SetupCluster(context.Background(), topology)
	require.NoError(t, err)

	c := coordinator.New(cfg, graph, g, clusterState, logr.Discard())
	maxMsgSize := c.MaxMsgSize()

	for i := 0; i < numWorkers; i++ {
		coordConn, workerConn := net.Pipe()
		t.Cleanup(func() { coordConn.Close(); workerConn.Close() })
		coordEp := transport.NewEndpoint(coordConn, maxMsgSize)
		workerEp := transport.NewEndpoint(workerConn, maxMsgSize)

		wfactory := supernode.NewXorFactory(seed)
		w := worker.New(workerEp, wfactory, worker.Config{HelperThreads: 1}, logr.Discard())
		go func() { _ = w.Run(context.Background()) }()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		init := wire.InitMessage{NumNodes: numNodes, Seed: seed, MaxMsgSize: int32(maxMsgSize)}
		require.NoError(t, coordEp.Send(ctx, wire.TagInit, init.EncodeInto()))
		require.NoError(t, coordEp.Send(ctx, wire.TagBuffQuery, nil))
		_, _, err := coordEp.Recv(ctx)
		require.NoError(t, err)
		cancel()

		d := coordinator.NewDistributor(coordinator.DistributorOpts{
			Worker:   cluster.WorkerAddr{Rank: i + 1, Addr: "pipe"},
			Endpoint: coordEp,
			Gutter:   g,
			Graph:    graph,
			Logger:   logr.Discard(),
		})
		c.AttachDistributor(d)
	}

	return c, graph
}

func applyEdge(t *testing.T, graph *coordinator.Graph, factory supernode.Factory, u, v uint32) {
	t.Helper()
	delta := factory.NewEmpty()
	require.NoError(t, factory.GenerateDeltaNode(u, []uint32{v}, delta))
	require.NoError(t, graph.ApplyDelta(u, delta))

	delta2 := factory.NewEmpty()
	require.NoError(t, factory.GenerateDeltaNode(v, []uint32{u}, delta2))
	require.NoError(t, graph.ApplyDelta(v, delta2))
}

func TestBoruvkaEmulationMergesTwoComponents(t *testing.T) {
	const seed = 0xC0FFEE
	c, graph := buildRing(t, 2, 4, seed)
	factory := graph.Factory()

	applyEdge(t, graph, factory, 0, 1)
	applyEdge(t, graph, factory, 2, 3)

	q := New(c, logr.Discard())
	d := newDSU(graph.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.boruvkaEmulation(ctx, d, graph))

	comps := d.components(graph.Len())
	assert.Len(t, comps, 2)

	byMember := map[uint32]int{}
	for i, comp := range comps {
		for _, m := range comp {
			byMember[m] = i
		}
	}
	assert.Equal(t, byMember[0], byMember[1])
	assert.Equal(t, byMember[2], byMember[3])
	assert.NotEqual(t, byMember[0], byMember[2])
}

func TestBoruvkaEmulationSingleComponent(t *testing.T) {
	const seed = 0xABCDEF
	c, graph := buildRing(t, 1, 3, seed)
	factory := graph.Factory()

	applyEdge(t, graph, factory, 0, 1)
	applyEdge(t, graph, factory, 1, 2)

	q := New(c, logr.Discard())
	d := newDSU(graph.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.boruvkaEmulation(ctx, d, graph))

	comps := d.components(graph.Len())
	require.Len(t, comps, 1)
	assert.ElementsMatch(t, []uint32{0, 1, 2}, comps[0])
}

// TestContinuingQueryMatchesCombinedStream mirrors scenario 5 (continued
// stream): querying, resetting query state, ingesting more edges, and
// querying again must agree with a single query run over the union of
// both edge batches, since ResetQueryState only clears the sampling
// cursor and leaves every sketch's accumulated toggles in place.
func TestContinuingQueryMatchesCombinedStream(t *testing.T) {
	const seed = 0x5EED
	c, graph := buildRing(t, 2, 6, seed)
	factory := graph.Factory()

	applyEdge(t, graph, factory, 0, 1)
	applyEdge(t, graph, factory, 2, 3)

	q := New(c, logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d1 := newDSU(graph.Len())
	require.NoError(t, q.boruvkaEmulation(ctx, d1, graph))

	for i := 0; i < graph.Len(); i++ {
		graph.Node(uint32(i)).ResetQueryState()
	}

	applyEdge(t, graph, factory, 1, 2)
	applyEdge(t, graph, factory, 4, 5)

	d2 := newDSU(graph.Len())
	require.NoError(t, q.boruvkaEmulation(ctx, d2, graph))

	// Ground truth: union-find over the full cumulative edge set,
	// independent of any query in between.
	want := newDSU(graph.Len())
	for _, e := range [][2]uint32{{0, 1}, {2, 3}, {1, 2}, {4, 5}} {
		want.union(e[0], e[1])
	}

	gotComps := d2.components(graph.Len())
	wantComps := want.components(graph.Len())
	require.Len(t, gotComps, len(wantComps))

	wantByMember := map[uint32]int{}
	for i, comp := range wantComps {
		for _, m := range comp {
			wantByMember[m] = i
		}
	}
	gotByMember := map[uint32]int{}
	for i, comp := range gotComps {
		for _, m := range comp {
			gotByMember[m] = i
		}
	}
	for member, wantIdx := range wantByMember {
		for other, otherWantIdx := range wantByMember {
			assert.Equal(t, wantIdx == otherWantIdx, gotByMember[member] == gotByMember[other],
				"membership of %d vs %d disagrees with ground truth", member, other)
		}
	}
}

func TestSetRoundsToDistributeFallsBackLocally(t *testing.T) {
	const seed = 0x1234
	c, graph := buildRing(t, 1, 3, seed)
	factory := graph.Factory()

	applyEdge(t, graph, factory, 0, 1)
	applyEdge(t, graph, factory, 1, 2)

	q := New(c, logr.Discard())
	q.SetRoundsToDistribute(0) // every round samples locally

	d := newDSU(graph.Len())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.boruvkaEmulation(ctx, d, graph))

	comps := d.components(graph.Len())
	require.Len(t, comps, 1)
	assert.ElementsMatch(t, []uint32{0, 1, 2}, comps[0])
}
