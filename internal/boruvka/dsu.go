// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package boruvka

// dsu is a union-find over vertex indices [0, n), used to track which
// component each vertex currently belongs to as Borůvka rounds merge
// components together (§4.5: "components merge as cross-component
// samples are found").
type dsu struct {
	parent []uint32
	rank   []uint8
}

func newDSU(n int) *dsu {
	d := &dsu{parent: make([]uint32, n), rank: make([]uint8, n)}
	for i := range d.parent {
		d.parent[i] = uint32(i)
	}
	return d
}

func (d *dsu) find(x uint32) uint32 {
	for d.parent[x] != x {
		d.parent[x] = d.parent[d.parent[x]]
		x = d.parent[x]
	}
	return x
}

// union merges the components containing a and b, returning the
// surviving representative and the one folded into it. Callers must
// fold the absorbed vertex's supernode into the survivor's to keep the
// component's combined sketch consistent (§4.5 merge step).
func (d *dsu) union(a, b uint32) (survivor, absorbed uint32) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return ra, ra
	}
	if d.rank[ra] < d.rank[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	if d.rank[ra] == d.rank[rb] {
		d.rank[ra]++
	}
	return ra, rb
}

// roots returns the current set of component representatives.
func (d *dsu) roots(n int) []uint32 {
	var reps []uint32
	for i := 0; i < n; i++ {
		if d.find(uint32(i)) == uint32(i) {
			reps = append(reps, uint32(i))
		}
	}
	return reps
}

// components groups every vertex in [0, n) by its current root.
func (d *dsu) components(n int) [][]uint32 {
	byRoot := make(map[uint32][]uint32)
	for i := 0; i < n; i++ {
		r := d.find(uint32(i))
		byRoot[r] = append(byRoot[r], uint32(i))
	}
	out := make([][]uint32, 0, len(byRoot))
	for _, members := range byRoot {
		out = append(out, members)
	}
	return out
}
