// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package worker implements the Distributed Worker main loop: a single
// dispatcher goroutine fronting a bounded helper-thread pool that turns
// BATCH messages into DELTA replies and services QUERY sampling requests
// (§4.3, §4.5). The worker holds no persistent per-vertex graph state —
// the coordinator exclusively owns supernodes (§3 Ownership) — so every
// QUERY request carries the serialized sketch images it needs to sample.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// Config controls helper-pool sizing. HelperThreads mirrors
// "hardware_concurrency" from §5; the handler pool is sized
// 2*HelperThreads (§4.3: "|recv| + |send| = 2 * helper_threads").
type Config struct {
	HelperThreads int
}

// Worker is one Distributed Worker process: it waits for INIT, then
// dispatches BATCH/QUERY/BUFF_QUERY/STOP/SHUTDOWN messages from a single
// coordinator-facing Endpoint (§4.3).
type Worker struct {
	ep     *transport.Endpoint
	logger logr.Logger
	cfg    Config

	factory    supernode.Factory
	numNodes   uint32
	seed       uint64
	maxMsgSize int

	freeCh chan *handler // recv_msg_queue: handlers ready to receive into
	sendCh chan *handler // send_msg_queue: handlers with generated deltas

	helperWG sync.WaitGroup // outstanding helper-pool tasks

	round roundAccumulator
}

// New builds a Worker bound to ep and factory. factory must not yet be
// Configure'd; the worker configures it from the INIT payload it
// receives from the coordinator.
func New(ep *transport.Endpoint, factory supernode.Factory, cfg Config, logger logr.Logger) *Worker {
	if cfg.HelperThreads <= 0 {
		cfg.HelperThreads = 1
	}
	return &Worker{
		ep:      ep,
		logger:  logger,
		cfg:     cfg,
		factory: factory,
	}
}

// Run blocks servicing this Worker's Endpoint until SHUTDOWN is
// received or ctx is done, reinitializing (awaiting a fresh INIT)
// whenever STOP is received (§4.3 main loop).
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.awaitInit(ctx); err != nil {
			return err
		}
		shutdown, err := w.serve(ctx)
		if err != nil {
			return err
		}
		if shutdown {
			return nil
		}
		// STOP: loop back around to awaitInit.
	}
}

// awaitInit blocks for the INIT message, sizing every buffer and
// configuring the sketch factory from it (§4.1 INIT).
func (w *Worker) awaitInit(ctx context.Context) error {
	tag, payload, err := w.ep.Recv(ctx)
	if err != nil {
		return fmt.Errorf("worker: awaiting INIT: %w", err)
	}
	if tag != wire.TagInit {
		return fmt.Errorf("%w: expected INIT, got %s", wire.ErrBadMessage, tag)
	}
	init, err := wire.DecodeInit(payload)
	if err != nil {
		return fmt.Errorf("worker: decoding INIT: %w", err)
	}

	w.numNodes = init.NumNodes
	w.seed = init.Seed
	w.maxMsgSize = int(init.MaxMsgSize)
	w.factory.Configure(w.numNodes)
	w.round = roundAccumulator{}

	poolSize := 2 * w.cfg.HelperThreads
	w.freeCh = make(chan *handler, poolSize)
	w.sendCh = make(chan *handler, poolSize)
	for i := 0; i < poolSize; i++ {
		w.freeCh <- newHandler(w.factory)
	}

	w.logger.Info("worker initialized", "num_nodes", w.numNodes, "max_msg_size", w.maxMsgSize, "pool_size", poolSize)
	return nil
}

// serve runs the dispatch loop for one INIT generation until STOP
// (returns shutdown=false) or SHUTDOWN (returns shutdown=true).
func (w *Worker) serve(ctx context.Context) (shutdown bool, err error) {
	for {
		var h *handler
		select {
		case h = <-w.freeCh:
		case <-ctx.Done():
			return false, ctx.Err()
		}

		tag, payload, err := w.ep.Recv(ctx)
		if err != nil {
			w.freeCh <- h
			return false, fmt.Errorf("worker: recv: %w", err)
		}

		switch tag {
		case wire.TagBatch:
			w.dispatchBatch(ctx, h, payload)
			if len(w.freeCh) == 0 {
				w.drainOneSend(ctx)
			}

		case wire.TagBuffQuery:
			resp := wire.BuffQueryResponse{Depth: uint64(2 * w.cfg.HelperThreads)}
			if err := w.ep.Send(ctx, wire.TagBuffQuery, resp.EncodeInto()); err != nil {
				w.freeCh <- h
				return false, fmt.Errorf("worker: replying BUFF_QUERY: %w", err)
			}
			w.freeCh <- h

		case wire.TagQuery:
			if err := w.handleQuery(ctx, payload); err != nil {
				w.freeCh <- h
				return false, err
			}
			w.freeCh <- h

		case wire.TagFlush:
			w.freeCh <- h

		case wire.TagStop:
			w.freeCh <- h
			w.drainAll(ctx)
			return false, nil

		case wire.TagShutdown:
			w.freeCh <- h
			w.drainAll(ctx)
			return true, nil

		default:
			w.freeCh <- h
			return false, fmt.Errorf("%w: worker cannot service tag %s in its current state", wire.ErrBadMessage, tag)
		}
	}
}

// dispatchBatch spawns a helper-pool task that parses payload into
// batches, generates a delta per batch into h's scratch sketches, and
// pushes h onto the send queue (§4.3: "spawn task on helper pool").
func (w *Worker) dispatchBatch(ctx context.Context, h *handler, payload []byte) {
	w.helperWG.Add(1)
	go func() {
		defer w.helperWG.Done()
		if err := h.generateDeltas(w.factory, payload); err != nil {
			w.logger.Error(err, "failed to generate deltas for batch")
			h.numDeltas = 0
		}
		select {
		case w.sendCh <- h:
		case <-ctx.Done():
		}
	}()
}

// drainOneSend pops one completed handler off the send queue and
// returns its deltas to the coordinator (§4.3: "if recv_msg_queue
// empty: drain one send via process_send_queue_elm()"). It blocks
// until a handler is available: freeCh is already empty when this is
// called, so a non-blocking drain could hit default before any helper
// has finished and leave the dispatcher waiting on <-w.freeCh forever
// with completed deltas stuck in sendCh.
func (w *Worker) drainOneSend(ctx context.Context) {
	select {
	case h := <-w.sendCh:
		w.processSendQueueElm(ctx, h)
	case <-ctx.Done():
	}
}

// drainAll blocks for every outstanding helper task, then flushes every
// handler still sitting in the send queue, matching STOP/SHUTDOWN's
// "wait for outstanding helpers; drain send queue" (§4.3).
func (w *Worker) drainAll(ctx context.Context) {
	w.helperWG.Wait()
	for {
		select {
		case h := <-w.sendCh:
			w.processSendQueueElm(ctx, h)
		default:
			return
		}
	}
}

// processSendQueueElm returns a handler's generated deltas to the
// coordinator as one DELTA message and recycles the handler onto the
// free queue.
func (w *Worker) processSendQueueElm(ctx context.Context, h *handler) {
	if h.numDeltas > 0 {
		payload := wire.EncodeDeltas(h.deltaRecords())
		if err := w.ep.Send(ctx, wire.TagDelta, payload); err != nil {
			w.logger.Error(err, "failed to return deltas")
		}
	}
	h.reset()
	select {
	case w.freeCh <- h:
	default:
		// pool is momentarily oversubscribed (shouldn't happen: freeCh
		// and sendCh together never exceed the pool size); hand the push
		// to a goroutine rather than block the dispatcher.
		go func() { w.freeCh <- h }()
	}
}
