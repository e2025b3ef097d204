// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cluster

import "context"

// StaticTopology returns a fixed, caller-supplied worker list — the
// common case for bare-metal or local test clusters where worker
// addresses are known ahead of time (e.g. the comma-separated
// --workers host:port list on the coordinator's command line).
type StaticTopology struct {
	workers []WorkerAddr
}

var _ Topology = StaticTopology{}

// NewStaticTopology assigns ranks 1..len(addrs) in order, matching the
// spec's convention that rank 0 is the coordinator and ranks >= 1 are
// workers (§2 Roles).
func NewStaticTopology(addrs []string) StaticTopology {
	workers := make([]WorkerAddr, len(addrs))
	for i, addr := range addrs {
		workers[i] = WorkerAddr{Rank: i + 1, Addr: addr}
	}
	return StaticTopology{workers: workers}
}

func (StaticTopology) Name() string { return "static" }

func (t StaticTopology) Workers(ctx context.Context) ([]WorkerAddr, error) {
	out := make([]WorkerAddr, len(t.workers))
	copy(out, t.workers)
	return out, nil
}
