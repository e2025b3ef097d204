// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/wire"
)

func pipeEndpoints(t *testing.T, maxMsgSize int) (a, b *Endpoint) {
	t.Helper()
	ca, cb := net.Pipe()
	a = NewEndpoint(ca, maxMsgSize)
	b = NewEndpoint(cb, maxMsgSize)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := pipeEndpoints(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(ctx, wire.TagBatch, []byte("hello")) }()

	tag, payload, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TagBatch, tag)
	assert.Equal(t, []byte("hello"), payload)
	require.NoError(t, <-errCh)
}

func TestProbeDoesNotConsumeFrame(t *testing.T) {
	a, b := pipeEndpoints(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { _ = a.Send(ctx, wire.TagDelta, []byte("xyz")) }()

	tag, n, err := b.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TagDelta, tag)
	assert.Equal(t, 3, n)

	gotTag, payload, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.TagDelta, gotTag)
	assert.Equal(t, []byte("xyz"), payload)
}

func TestSendAsyncWaitAny(t *testing.T) {
	a, b := pipeEndpoints(t, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	readDone := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			_, _, err := b.Recv(ctx)
			require.NoError(t, err)
			readDone <- struct{}{}
		}
	}()

	p1, err := a.SendAsync(wire.TagFlush, nil)
	require.NoError(t, err)
	p2, err := a.SendAsync(wire.TagStop, nil)
	require.NoError(t, err)

	idx, err := WaitAny(ctx, []*PendingSend{p1, p2})
	require.NoError(t, err)
	assert.Contains(t, []int{0, 1}, idx)

	<-readDone
	<-readDone
}
