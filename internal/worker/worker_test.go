// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package worker

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

func newWorkerPipe(t *testing.T, maxMsgSize int) (*transport.Endpoint, *transport.Endpoint) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return transport.NewEndpoint(client, maxMsgSize), transport.NewEndpoint(server, maxMsgSize)
}

func TestWorkerBatchToDeltaRoundTrip(t *testing.T) {
	numNodes := uint32(8)
	maxMsgSize := wire.MaxMsgSize(4, wire.NumBatches)
	coordEp, workerEp := newWorkerPipe(t, maxMsgSize)

	factory := supernode.NewXorFactory(0xC0FFEE)
	w := New(workerEp, factory, Config{HelperThreads: 2}, logr.Discard())

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init := wire.InitMessage{NumNodes: numNodes, Seed: 0xC0FFEE, MaxMsgSize: int32(maxMsgSize)}
	require.NoError(t, coordEp.Send(ctx, wire.TagInit, init.EncodeInto()))

	require.NoError(t, coordEp.Send(ctx, wire.TagBuffQuery, nil))
	tag, payload, err := coordEp.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TagBuffQuery, tag)
	resp, err := wire.DecodeBuffQueryResponse(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 4, resp.Depth)

	batch := wire.EncodeBatches([]wire.BatchRecord{{NodeIdx: 0, Dests: []uint32{1, 2}}})
	require.NoError(t, coordEp.Send(ctx, wire.TagBatch, batch))

	tag, payload, err = coordEp.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TagDelta, tag)

	cmpFactory := supernode.NewXorFactory(0xC0FFEE)
	cmpFactory.Configure(numNodes)
	records, err := wire.DecodeDeltas(payload, cmpFactory.SerializedSize())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 0, records[0].NodeIdx)

	decoded, err := cmpFactory.MakeSupernode(bytes.NewReader(records[0].Image))
	require.NoError(t, err)
	samp, ok := firstGoodSample(decoded)
	require.True(t, ok)
	assert.Contains(t, []uint32{1, 2}, samp.Dst)

	require.NoError(t, coordEp.Send(ctx, wire.TagShutdown, nil))
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
}

func TestWorkerSamplesQuerySketch(t *testing.T) {
	numNodes := uint32(8)
	maxMsgSize := wire.MaxMsgSize(4, wire.NumBatches)
	coordEp, workerEp := newWorkerPipe(t, maxMsgSize)

	factory := supernode.NewXorFactory(0xC0FFEE)
	w := New(workerEp, factory, Config{HelperThreads: 1}, logr.Discard())

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init := wire.InitMessage{NumNodes: numNodes, Seed: 0xC0FFEE, MaxMsgSize: int32(maxMsgSize)}
	require.NoError(t, coordEp.Send(ctx, wire.TagInit, init.EncodeInto()))
	require.NoError(t, coordEp.Send(ctx, wire.TagBuffQuery, nil))
	_, _, err := coordEp.Recv(ctx)
	require.NoError(t, err)

	cmpFactory := supernode.NewXorFactory(0xC0FFEE)
	cmpFactory.Configure(numNodes)
	node := cmpFactory.NewEmpty()
	require.NoError(t, cmpFactory.GenerateDeltaNode(0, []uint32{5}, node))
	var buf bytes.Buffer
	require.NoError(t, node.WriteBinary(&buf))

	q := wire.QueryMessage{
		Sketches:          []wire.QuerySketch{{Cursor: 0, Image: buf.Bytes()}},
		NumQueriesInRound: 1,
	}
	require.NoError(t, coordEp.Send(ctx, wire.TagQuery, q.EncodeInto()))

	tag, payload, err := coordEp.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TagQuery, tag)
	samples, err := wire.DecodeQuerySamples(payload)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, wire.SampleGood, samples[0].Tag)
	assert.EqualValues(t, 5, samples[0].Dst)

	require.NoError(t, coordEp.Send(ctx, wire.TagShutdown, nil))
	<-runDone
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
