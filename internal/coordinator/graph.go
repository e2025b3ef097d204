// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package coordinator implements the coordinator-side Work Distributor
// pipeline, pause barrier, and Status Reporter (§4.2, §4.6).
package coordinator

import (
	"fmt"

	"github.com/sketchcluster/engine/pkg/supernode"
)

// Graph is the coordinator's exclusive-owned table of per-vertex
// supernodes (§3: "the coordinator exclusively owns supernodes"). Its
// single-writer-per-node_idx invariant between a batch send and its
// delta apply is upheld by the gutter, which never surfaces the same
// vertex to two Work Distributors concurrently.
type Graph struct {
	factory supernode.Factory
	nodes   []supernode.Sketch
}

// NewGraph allocates one empty Sketch per vertex in [0, numNodes).
func NewGraph(factory supernode.Factory, numNodes uint32) *Graph {
	factory.Configure(numNodes)
	nodes := make([]supernode.Sketch, numNodes)
	for i := range nodes {
		nodes[i] = factory.NewEmpty()
	}
	return &Graph{factory: factory, nodes: nodes}
}

// Len returns the number of vertices.
func (g *Graph) Len() int { return len(g.nodes) }

// Factory returns the Graph's configured sketch factory, shared by
// every Distributor for scratch-sketch allocation and delta decoding.
func (g *Graph) Factory() supernode.Factory { return g.factory }

// ApplyDelta merges delta into node nodeIdx's supernode (§3 invariant
// 1: every applied delta advances the vertex's logical watermark).
func (g *Graph) ApplyDelta(nodeIdx uint32, delta supernode.Sketch) error {
	if int(nodeIdx) >= len(g.nodes) {
		return fmt.Errorf("coordinator: node_idx %d out of range [0,%d)", nodeIdx, len(g.nodes))
	}
	return g.nodes[nodeIdx].ApplyDelta(delta)
}

// Node returns the supernode for nodeIdx, used by the Borůvka sampler
// once ingestion is paused (§4.5).
func (g *Graph) Node(nodeIdx uint32) supernode.Sketch {
	return g.nodes[nodeIdx]
}
