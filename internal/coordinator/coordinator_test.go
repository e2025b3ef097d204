// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/errors"
	"github.com/sketchcluster/engine/pkg/gutter"
)

// newTestCoordinator builds a Coordinator over a gutter with a
// 1-neighbor flush threshold, so a single Update call makes its
// records immediately pickup-ready without a ForceFlush.
func newTestCoordinator(t *testing.T, numNodes uint32) *Coordinator {
	t.Helper()
	graph := newTestGraph(t, numNodes)
	g := gutter.New(1)
	t.Cleanup(g.Close)
	topology := cluster.NewStaticTopology(make([]string, 1))
	clusterState, err := cluster.SetupCluster(context.Background(), topology)
	require.NoError(t, err)
	return New(Config{NumNodes: numNodes, GutterBatchSize: 1}, graph, g, clusterState, logr.Discard())
}

// TestUpdateBuffersBothDirections checks that one Update call produces
// the two sketch-side gutter inserts scenario 4 and §4.6's ingest-rate
// accounting both assume (one stream update == two sketch updates).
func TestUpdateBuffersBothDirections(t *testing.T) {
	c := newTestCoordinator(t, 4)
	require.NoError(t, c.Update(1, 2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := map[uint32][]uint32{}
	for i := 0; i < 2; i++ {
		rec, ok := c.gutter.GetData(ctx)
		require.True(t, ok)
		seen[rec.NodeIdx] = rec.Dests
	}
	assert.Equal(t, []uint32{2}, seen[1])
	assert.Equal(t, []uint32{1}, seen[2])
}

// TestUpdateLockedAfterNonContinuingQuery mirrors scenario 4: once the
// coordinator's lock is engaged (as SpanningForestQuery(ctx, false)
// does on completion), Update must raise ErrUpdateLocked until a
// continuing query clears it again.
func TestUpdateLockedAfterNonContinuingQuery(t *testing.T) {
	c := newTestCoordinator(t, 4)

	c.Lock()
	err := c.Update(1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpdateLocked)
	assert.True(t, errors.IsFatal(err))

	c.Unlock()
	assert.NoError(t, c.Update(1, 2))
}
