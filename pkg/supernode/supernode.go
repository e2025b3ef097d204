// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package supernode defines the abstract contract for the per-vertex
// linear sketch primitive the coordination engine is built around. The
// primitive itself — serialization format, delta generation, sample
// extraction — is an external collaborator out of scope for this spec
// (§1, §6); this package only states the contract every concrete sketch
// implementation must satisfy, plus a minimal reference implementation
// used by tests (see xorsketch.go).
package supernode

import (
	"io"

	"github.com/sketchcluster/engine/pkg/wire"
)

// Sketch is one vertex's linear sketch: a fixed-size mutable object that
// supports delta application and sampling. Implementations are not
// required to be safe for concurrent use; callers serialize access
// (§5: apply only runs during ingestion, sampling only after
// pause_workers has completed).
type Sketch interface {
	// ApplyDelta merges delta into the receiver in place. delta must have
	// been produced against the same (N, seed) configuration.
	ApplyDelta(delta Sketch) error

	// WriteBinary serializes the sketch's current image.
	WriteBinary(w io.Writer) error

	// ResetQueryState clears the per-node query cursor so a subsequent
	// spanning_forest_query(continue_stream) can sample from the start
	// again (§4.5 step 4).
	ResetQueryState()

	// CurrIdx, IncrIdx, and OutOfQueries implement the query-cursor
	// protocol: at most one sample-advance per round (§4.5 correctness
	// contract), and the cursor increments only after a successful
	// response.
	CurrIdx() int
	IncrIdx()
	OutOfQueries() bool

	// Sample extracts one edge (or ZERO/FAIL) at the current cursor
	// without advancing it.
	Sample() (sample wire.QuerySample, err error)
}

// Factory is the process-wide configuration and delta-producer contract
// (§6: Supernode.configure/get_size/get_serialized_size,
// Graph.generate_delta_node).
type Factory interface {
	// Configure must be called exactly once per process before any other
	// method; it fixes the byte size every Sketch from this factory will
	// have (data model invariant 3).
	Configure(numNodes uint32)

	// Size is the in-memory size of a Sketch (get_size).
	Size() int

	// SerializedSize is the on-wire image size (get_serialized_size);
	// equal to Size for the reference implementation but kept distinct
	// since real sketch encodings often differ from their in-memory
	// layout.
	SerializedSize() int

	// NewEmpty allocates a zero-valued scratch Sketch, reused by callers
	// across many delta generations/applications to avoid steady-state
	// allocation (§9 DESIGN NOTES: "never allocate during steady state").
	NewEmpty() Sketch

	// MakeSupernode decodes a previously serialized image.
	MakeSupernode(r io.Reader) (Sketch, error)

	// GenerateDeltaNode is the pure producer used inside workers: it
	// deterministically transforms (nodeIdx, dests) into a delta w.r.t.
	// the (N, seed) this factory was configured with, writing the result
	// into out (which the caller typically obtained from NewEmpty and
	// reuses across many batches).
	GenerateDeltaNode(nodeIdx uint32, dests []uint32, out Sketch) error
}
