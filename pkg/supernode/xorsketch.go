// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package supernode

import (
	"encoding/binary"
	"hash/maphash"
	"io"

	"github.com/sketchcluster/engine/pkg/wire"
)

// xorBucket is one independently-thinned L0-sampling bucket: idSum is the
// GF(2) sum (XOR) of every live neighbor id folded into the bucket,
// checksum is the XOR of a per-edge pseudo-random tag used to detect
// whether the bucket currently holds exactly one live element.
type xorBucket struct {
	idSum    uint32
	checksum uint64
}

// XorSketch is a minimal per-vertex linear sketch good enough to make the
// engine's P1/P2/P3/P6 properties testable without a real production
// sketch library, which is explicitly out of scope (§1, §6). It is not
// a performance-competitive L0-sampling sketch; it exists for tests and
// local experimentation only.
//
// Each vertex maintains maxLevel+1 buckets. An edge (u, v) is folded into
// bucket k (for every k such that the edge survives the bucket's
// independent thinning, i.e. a geometric subsample at rate 2^-k) using
// XOR, so inserting and later deleting the same edge cancels exactly —
// matching the wire protocol's lack of a separate insert/delete bit
// (§4.1 BATCH: dests is an undifferentiated neighbor list; toggling an
// id in twice is a no-op).
type XorSketch struct {
	nodeIdx  uint32
	seed     uint64
	maxLevel int
	buckets  []xorBucket

	cursor int // curr_idx: next bucket level to sample from
}

func newXorSketch(nodeIdx uint32, seed uint64, maxLevel int) *XorSketch {
	return &XorSketch{
		nodeIdx:  nodeIdx,
		seed:     seed,
		maxLevel: maxLevel,
		buckets:  make([]xorBucket, maxLevel+1),
	}
}

// Toggle folds the undirected edge (s.nodeIdx, dest) into every bucket it
// is thinned into. Calling Toggle twice with the same dest cancels out.
func (s *XorSketch) Toggle(dest uint32) {
	lo, hi := s.nodeIdx, dest
	if lo > hi {
		lo, hi = hi, lo
	}
	edgeID := pairEdgeID(lo, hi)
	tag := edgeTag(edgeID, s.seed)
	zeros := trailingZeroBits(edgeID, s.seed)
	level := s.maxLevel
	if zeros < level {
		level = zeros
	}
	for k := 0; k <= level; k++ {
		s.buckets[k].idSum ^= dest
		s.buckets[k].checksum ^= tag
	}
}

func (s *XorSketch) ApplyDelta(delta Sketch) error {
	d, ok := delta.(*XorSketch)
	if !ok {
		return wire.ErrBadMessage
	}
	if len(d.buckets) != len(s.buckets) {
		return wire.ErrBadMessage
	}
	for i := range s.buckets {
		s.buckets[i].idSum ^= d.buckets[i].idSum
		s.buckets[i].checksum ^= d.buckets[i].checksum
	}
	return nil
}

func (s *XorSketch) WriteBinary(w io.Writer) error {
	buf := make([]byte, 4+8)
	for _, b := range s.buckets {
		binary.LittleEndian.PutUint32(buf[0:4], b.idSum)
		binary.LittleEndian.PutUint64(buf[4:12], b.checksum)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *XorSketch) ResetQueryState() { s.cursor = 0 }
func (s *XorSketch) CurrIdx() int     { return s.cursor }
func (s *XorSketch) IncrIdx()         { s.cursor++ }
func (s *XorSketch) OutOfQueries() bool {
	return s.cursor > s.maxLevel
}

// Sample inspects the bucket at the current cursor. A bucket whose
// checksum matches its idSum's expected tag holds exactly zero or one
// live elements (with high probability over the choice of seed); any
// other bucket state is reported as SampleFail so the caller advances to
// the next level or gives up.
func (s *XorSketch) Sample() (wire.QuerySample, error) {
	if s.OutOfQueries() {
		return wire.QuerySample{}, wire.ErrBadMessage
	}
	b := s.buckets[s.cursor]
	if b.idSum == 0 && b.checksum == 0 {
		return wire.QuerySample{Src: s.nodeIdx, Dst: 0, Tag: wire.SampleZero}, nil
	}
	lo, hi := s.nodeIdx, b.idSum
	if lo > hi {
		lo, hi = hi, lo
	}
	want := edgeTag(pairEdgeID(lo, hi), s.seed)
	if want == b.checksum {
		return wire.QuerySample{Src: s.nodeIdx, Dst: b.idSum, Tag: wire.SampleGood}, nil
	}
	return wire.QuerySample{Src: s.nodeIdx, Dst: 0, Tag: wire.SampleFail}, nil
}

// XorFactory is the Factory implementation backing XorSketch.
type XorFactory struct {
	numNodes uint32
	seed     uint64
	maxLevel int
}

// NewXorFactory builds a Factory seeded for a deterministic hash family;
// tests should pick a fixed seed for reproducibility.
func NewXorFactory(seed uint64) *XorFactory {
	return &XorFactory{seed: seed}
}

func (f *XorFactory) Configure(numNodes uint32) {
	f.numNodes = numNodes
	f.maxLevel = bitLen(numNodes)
}

func (f *XorFactory) Size() int           { return (f.maxLevel + 1) * (4 + 8) }
func (f *XorFactory) SerializedSize() int { return f.Size() }

func (f *XorFactory) NewEmpty() Sketch {
	return newXorSketch(0, f.seed, f.maxLevel)
}

func (f *XorFactory) MakeSupernode(r io.Reader) (Sketch, error) {
	s := newXorSketch(0, f.seed, f.maxLevel)
	buf := make([]byte, 4+8)
	for i := range s.buckets {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		s.buckets[i].idSum = binary.LittleEndian.Uint32(buf[0:4])
		s.buckets[i].checksum = binary.LittleEndian.Uint64(buf[4:12])
	}
	return s, nil
}

func (f *XorFactory) GenerateDeltaNode(nodeIdx uint32, dests []uint32, out Sketch) error {
	s, ok := out.(*XorSketch)
	if !ok {
		return wire.ErrBadMessage
	}
	s.nodeIdx = nodeIdx
	for i := range s.buckets {
		s.buckets[i] = xorBucket{}
	}
	for _, d := range dests {
		s.Toggle(d)
	}
	return nil
}

func pairEdgeID(lo, hi uint32) uint64 {
	return uint64(lo)<<32 | uint64(hi)
}

var hashSeed = maphash.MakeSeed()

func edgeTag(edgeID, seed uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], edgeID)
	binary.LittleEndian.PutUint64(buf[8:16], seed)
	return maphash.Bytes(hashSeed, buf[:])
}

func trailingZeroBits(edgeID, seed uint64) int {
	h := edgeTag(edgeID, seed^0x9E3779B97F4A7C15)
	n := 0
	for h&1 == 0 && n < 63 {
		h >>= 1
		n++
	}
	return n
}

func bitLen(n uint32) int {
	l := 0
	for n > 0 {
		n >>= 1
		l++
	}
	return l
}
