// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/gutter"
	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

func newTestGraph(t *testing.T, numNodes uint32) *Graph {
	t.Helper()
	return NewGraph(supernode.NewXorFactory(0xC0FFEE), numNodes)
}

// fakeWorker is a minimal Distributed Worker stand-in: it answers
// BUFF_QUERY, and for every BATCH it generates real XorSketch deltas
// and replies DELTA — enough to exercise the full send/receive pipeline
// without building the real internal/worker package into this test.
func fakeWorker(t *testing.T, conn net.Conn, numNodes uint32, maxMsgSize int) {
	t.Helper()
	ep := transport.NewEndpoint(conn, maxMsgSize)
	factory := supernode.NewXorFactory(0xC0FFEE)
	factory.Configure(numNodes)

	go func() {
		ctx := context.Background()
		for {
			tag, payload, err := ep.Recv(ctx)
			if err != nil {
				return
			}
			switch tag {
			case wire.TagInit:
				// nothing to reply
			case wire.TagBuffQuery:
				resp := wire.BuffQueryResponse{Depth: 4}
				_ = ep.Send(ctx, wire.TagBuffQuery, resp.EncodeInto())
			case wire.TagBatch:
				records, err := wire.DecodeBatches(payload)
				require.NoError(t, err)
				deltas := make([]wire.DeltaRecord, 0, len(records))
				scratch := factory.NewEmpty()
				for _, rec := range records {
					require.NoError(t, factory.GenerateDeltaNode(rec.NodeIdx, rec.Dests, scratch))
					var buf bytes.Buffer
					require.NoError(t, scratch.WriteBinary(&buf))
					deltas = append(deltas, wire.DeltaRecord{NodeIdx: rec.NodeIdx, Image: buf.Bytes()})
				}
				_ = ep.Send(ctx, wire.TagDelta, wire.EncodeDeltas(deltas))
			case wire.TagStop:
				return
			}
		}
	}()
}

func TestDistributorProcessesSmallGroupLocally(t *testing.T) {
	graph := newTestGraph(t, 8)
	d := NewDistributor(DistributorOpts{
		Worker:             cluster.WorkerAddr{Rank: 1},
		Graph:              graph,
		LocalProcessCutoff: 4096,
		Logger:             logr.Discard(),
	})

	group := []wire.BatchRecord{{NodeIdx: 0, Dests: []uint32{1}}}
	require.NoError(t, d.processLocally(group))
	assert.EqualValues(t, 1, d.UpdatesProcessed())

	samp, ok := firstGoodSample(graph.Node(0))
	require.True(t, ok)
	assert.Equal(t, uint32(1), samp.Dst)
}

func TestCoordinatorBatchDeltaRoundTrip(t *testing.T) {
	numNodes := uint32(8)
	graph := newTestGraph(t, numNodes)
	g := gutter.New(1)
	defer g.Close()

	clientConn, serverConn := net.Pipe()
	maxMsgSize := wire.MaxMsgSize(4, wire.NumBatches)
	fakeWorker(t, serverConn, numNodes, maxMsgSize)

	d := NewDistributor(DistributorOpts{
		Worker:             cluster.WorkerAddr{Rank: 1},
		Endpoint:           transport.NewEndpoint(clientConn, maxMsgSize),
		Gutter:             g,
		Graph:              graph,
		MaxOutstanding:     4,
		LocalProcessCutoff: 1, // total=1 update is not < 1, forcing the network path
		Logger:             logr.Discard(),
	})

	clusterState, err := cluster.SetupCluster(context.Background(), cluster.NewStaticTopology([]string{"x:1"}))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background(), clusterState) }()

	g.Insert(2, 3)

	require.Eventually(t, func() bool {
		_, ok := firstGoodSample(graph.Node(2))
		return ok
	}, time.Second, 5*time.Millisecond)

	clusterState.Shutdown()
	g.SetNonBlock(true)
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("distributor did not shut down")
	}
}

func firstGoodSample(s supernode.Sketch) (wire.QuerySample, bool) {
	for !s.OutOfQueries() {
		samp, err := s.Sample()
		if err == nil && samp.Tag == wire.SampleGood {
			return samp, true
		}
		s.IncrIdx()
	}
	return wire.QuerySample{}, false
}
