// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gutter

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/wire"
)

func TestInsertFlushesAtGutterSize(t *testing.T) {
	g := New(3)
	defer g.Close()

	g.Insert(1, 10)
	g.Insert(1, 11)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	g.SetNonBlock(true)
	_, ok := g.GetData(ctx)
	assert.False(t, ok, "buffer below gutter size must not be ready")

	g.Insert(1, 12)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	g.SetNonBlock(false)
	rec, ok := g.GetData(ctx2)
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.NodeIdx)
	sorted := append([]uint32{}, rec.Dests...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	assert.Equal(t, []uint32{10, 11, 12}, sorted)
}

func TestForceFlushMakesPartialBuffersReady(t *testing.T) {
	g := New(100)
	defer g.Close()

	g.Insert(5, 1)
	g.ForceFlush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, ok := g.GetData(ctx)
	require.True(t, ok)
	assert.Equal(t, uint32(5), rec.NodeIdx)
	assert.Equal(t, []uint32{1}, rec.Dests)
}

func TestGetDataNonBlockReturnsFalseWhenEmpty(t *testing.T) {
	g := New(10)
	defer g.Close()
	g.SetNonBlock(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := g.GetData(ctx)
	assert.False(t, ok)
}

func TestCloseUnblocksGetData(t *testing.T) {
	g := New(10)

	done := make(chan bool, 1)
	go func() {
		_, ok := g.GetData(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	g.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("GetData did not unblock after Close")
	}
}

func TestGetDataCallbackDrainsReadyVertices(t *testing.T) {
	g := New(1)
	defer g.Close()

	g.Insert(1, 10)
	g.Insert(2, 20)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	seen := make(map[uint32]bool)
	g.GetDataCallback(ctx, func(rec wire.BatchRecord) {
		seen[rec.NodeIdx] = true
		if len(seen) == 2 {
			cancel()
		}
	})
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}
