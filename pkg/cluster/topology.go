// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cluster discovers the set of Distributed Worker processes a
// Coordinator should connect to, and owns the process-wide coordinator
// state the spec's DESIGN NOTES call out as "process-wide mutable
// singletons... model as a single owning object" (§9).
package cluster

import "context"

// WorkerAddr identifies one Distributed Worker the coordinator should
// dial: a stable rank (used as the worker id in log fields, error
// messages and status output) plus a dialable network address.
type WorkerAddr struct {
	Rank int
	Addr string
}

// Topology discovers the current worker set. Implementations may be
// static (a fixed list from configuration) or dynamic (a Kubernetes
// Service's endpoints, an EC2 tag query); all are read-only — the
// engine itself does not mutate cluster membership.
type Topology interface {
	// Name identifies the topology provider, for logging.
	Name() string

	// Workers returns the current worker set. Implementations should
	// return a stable rank ordering across calls where possible so a
	// restarted coordinator reconnects to workers in the same order.
	Workers(ctx context.Context) ([]WorkerAddr, error)
}
