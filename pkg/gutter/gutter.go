// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gutter implements the coordinator-side buffering layer the
// Work Distributors pull batch groups from (§6 External Interfaces: gutter_size, set_non_block,
// force_flush, get_data, get_data_callback). The gutter itself is an
// external collaborator the spec treats as opaque; this package states
// its contract and provides an in-memory reference implementation so
// the rest of the engine is independently testable without a real
// gutter-tree or on-disk buffering backend wired in.
package gutter

import (
	"context"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/sketchcluster/engine/pkg/wire"
)

// Gutter buffers per-vertex neighbor updates until a per-vertex
// threshold (gutter_size) is reached, then makes that vertex's
// accumulated BatchRecord available through GetData/GetDataCallback.
type Gutter interface {
	// Insert buffers one undirected-edge toggle for nodeIdx->dest,
	// flushing nodeIdx into the ready queue once its buffer reaches
	// GutterSize.
	Insert(nodeIdx, dest uint32)

	// SetNonBlock toggles whether GetData blocks waiting for a ready
	// vertex (false, default) or returns immediately with ok=false when
	// none is ready (true) — mirroring set_non_block.
	SetNonBlock(nonBlock bool)

	// ForceFlush makes every vertex with a non-empty buffer ready,
	// regardless of GutterSize, e.g. ahead of a query barrier.
	ForceFlush()

	// GetData retrieves one ready vertex's buffered record. ok is false
	// only when the gutter has been shut down (Close), when ctx is done,
	// or, in non-blocking mode, when nothing is ready.
	GetData(ctx context.Context) (rec wire.BatchRecord, ok bool)

	// GetDataCallback invokes fn once per ready vertex until the gutter
	// is closed or ctx is done; it is a convenience wrapper over GetData
	// for callers that prefer a push-style loop (matching get_data's
	// counterpart in the external contract).
	GetDataCallback(ctx context.Context, fn func(wire.BatchRecord))

	// TryGetData is a single non-blocking attempt to pick up one ready
	// vertex's record, used by callers assembling a multi-vertex batch
	// group out of several ready records (§4.2: "pull batch-group G from
	// gutter") without disturbing the shared SetNonBlock mode, which is
	// reserved for the pause/shutdown unblock signal (§5).
	TryGetData() (rec wire.BatchRecord, ok bool)

	// GutterSize returns the configured per-vertex flush threshold.
	GutterSize() int

	// Close shuts the gutter down, unblocking any pending GetData call.
	Close()
}

type memGutter struct {
	size int

	mu      sync.Mutex
	buffers map[uint32][]uint32 // accumulating, below GutterSize
	ready   map[uint32][]uint32 // flushed, awaiting GetData pickup
	queue   workqueue.TypedRateLimitingInterface[uint32]

	nonBlockMu sync.RWMutex
	nonBlock   bool
}

// New returns an in-memory Gutter whose per-vertex buffer auto-flushes
// once it holds gutterSize neighbor ids.
func New(gutterSize int) Gutter {
	if gutterSize <= 0 {
		gutterSize = 1
	}
	return &memGutter{
		size:    gutterSize,
		buffers: make(map[uint32][]uint32),
		ready:   make(map[uint32][]uint32),
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[uint32](),
			workqueue.TypedRateLimitingQueueConfig[uint32]{Name: "gutter"},
		),
	}
}

func (g *memGutter) GutterSize() int { return g.size }

func (g *memGutter) Insert(nodeIdx, dest uint32) {
	g.mu.Lock()
	buf := append(g.buffers[nodeIdx], dest)
	flush := len(buf) >= g.size
	if flush {
		delete(g.buffers, nodeIdx)
		g.ready[nodeIdx] = append(g.ready[nodeIdx], buf...)
	} else {
		g.buffers[nodeIdx] = buf
	}
	g.mu.Unlock()

	if flush {
		g.queue.Add(nodeIdx)
	}
}

func (g *memGutter) SetNonBlock(nonBlock bool) {
	g.nonBlockMu.Lock()
	g.nonBlock = nonBlock
	g.nonBlockMu.Unlock()
}

func (g *memGutter) isNonBlock() bool {
	g.nonBlockMu.RLock()
	defer g.nonBlockMu.RUnlock()
	return g.nonBlock
}

func (g *memGutter) ForceFlush() {
	g.mu.Lock()
	flushed := make([]uint32, 0, len(g.buffers))
	for nodeIdx, buf := range g.buffers {
		g.ready[nodeIdx] = append(g.ready[nodeIdx], buf...)
		flushed = append(flushed, nodeIdx)
	}
	for _, nodeIdx := range flushed {
		delete(g.buffers, nodeIdx)
	}
	g.mu.Unlock()

	for _, nodeIdx := range flushed {
		g.queue.Add(nodeIdx)
	}
}

func (g *memGutter) GetData(ctx context.Context) (wire.BatchRecord, bool) {
	if g.isNonBlock() {
		select {
		case <-ctx.Done():
			return wire.BatchRecord{}, false
		default:
		}
		if g.queue.Len() == 0 {
			return wire.BatchRecord{}, false
		}
	}

	type result struct {
		nodeIdx  uint32
		shutdown bool
	}
	got := make(chan result, 1)
	go func() {
		nodeIdx, shutdown := g.queue.Get()
		got <- result{nodeIdx, shutdown}
	}()

	select {
	case <-ctx.Done():
		return wire.BatchRecord{}, false
	case r := <-got:
		if r.shutdown {
			return wire.BatchRecord{}, false
		}
		g.mu.Lock()
		dests := g.ready[r.nodeIdx]
		delete(g.ready, r.nodeIdx)
		g.mu.Unlock()

		g.queue.Done(r.nodeIdx)
		g.queue.Forget(r.nodeIdx)
		return wire.BatchRecord{NodeIdx: r.nodeIdx, Dests: dests}, true
	}
}

func (g *memGutter) TryGetData() (wire.BatchRecord, bool) {
	if g.queue.Len() == 0 {
		return wire.BatchRecord{}, false
	}
	nodeIdx, shutdown := g.queue.Get()
	if shutdown {
		return wire.BatchRecord{}, false
	}

	g.mu.Lock()
	dests := g.ready[nodeIdx]
	delete(g.ready, nodeIdx)
	g.mu.Unlock()

	g.queue.Done(nodeIdx)
	g.queue.Forget(nodeIdx)
	return wire.BatchRecord{NodeIdx: nodeIdx, Dests: dests}, true
}

func (g *memGutter) GetDataCallback(ctx context.Context, fn func(wire.BatchRecord)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rec, ok := g.GetData(ctx)
		if !ok {
			return
		}
		fn(rec)
	}
}

func (g *memGutter) Close() {
	g.queue.ShutDown()
}
