// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

func pipeEndpoint(t *testing.T, maxMsgSize int) (*transport.Endpoint, *transport.Endpoint) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return transport.NewEndpoint(a, maxMsgSize), transport.NewEndpoint(b, maxMsgSize)
}

func TestForwarderRelaysBatchAndDelta(t *testing.T) {
	maxMsgSize := wire.MaxMsgSize(4, wire.NumBatches)

	coordSide, coordFwdEp := pipeEndpoint(t, maxMsgSize)
	worker0Side, worker0FwdEp := pipeEndpoint(t, maxMsgSize)
	worker1Side, worker1FwdEp := pipeEndpoint(t, maxMsgSize)

	f := New(coordFwdEp, []*transport.Endpoint{worker0FwdEp, worker1FwdEp}, 10, Config{}, logr.Discard())
	_ = worker0Side // worker at id 10; unaddressed by this test's single routed batch

	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batch := wire.EncodeBatches([]wire.BatchRecord{{NodeIdx: 3, Dests: []uint32{4}}})
	require.NoError(t, coordSide.Send(ctx, wire.TagBatch, PrependDest(11, batch)))

	tag, payload, err := worker1Side.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TagBatch, tag)
	records, err := wire.DecodeBatches(payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, records[0].NodeIdx)

	delta := wire.EncodeDeltas([]wire.DeltaRecord{{NodeIdx: 3, Image: []byte{1, 2, 3, 4}}})
	require.NoError(t, worker1Side.Send(ctx, wire.TagDelta, delta))

	tag, payload, err = coordSide.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.TagDelta, tag)
	outRecords, err := wire.DecodeDeltas(payload, 4)
	require.NoError(t, err)
	require.Len(t, outRecords, 1)
	require.EqualValues(t, 3, outRecords[0].NodeIdx)

	require.NoError(t, coordSide.Send(ctx, wire.TagShutdown, nil))
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not shut down")
	}
}
