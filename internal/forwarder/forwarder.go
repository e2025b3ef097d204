// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package forwarder implements the Message Forwarder: an optional proxy
// process that sits between the coordinator and a contiguous range of
// workers, relaying BATCH/FLUSH traffic downstream and DELTA traffic
// back upstream so the coordinator never opens more than one connection
// per forwarder instead of one per worker (§4.4).
package forwarder

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// destHeaderSize is the width of the destination-worker-id prefix the
// coordinator attaches to every BATCH/FLUSH payload it routes through a
// forwarder (§4.4: "the first bytes of the message body carry the true
// worker id").
const destHeaderSize = 4

// Config controls the forwarder's send concurrency.
type Config struct {
	// RingSize bounds how many non-blocking sends may be in flight per
	// direction (batch, delta) before a new send must wait for one to
	// complete (§4.4: "num_distrib pre-allocated buffers").
	RingSize int
}

// Forwarder proxies traffic between one coordinator-facing Endpoint and
// WorkerBase..WorkerBase+len(Workers)-1.
type Forwarder struct {
	coord      *transport.Endpoint
	workers    []*transport.Endpoint
	workerBase uint32

	batchRing *sendRing
	deltaRing *sendRing

	logger logr.Logger
}

// New builds a Forwarder relaying between coord and workers, where
// workers[i] is the worker at global id workerBase+i.
func New(coord *transport.Endpoint, workers []*transport.Endpoint, workerBase uint32, cfg Config, logger logr.Logger) *Forwarder {
	if cfg.RingSize <= 0 {
		cfg.RingSize = len(workers)
		if cfg.RingSize == 0 {
			cfg.RingSize = 1
		}
	}
	return &Forwarder{
		coord:      coord,
		workers:    workers,
		workerBase: workerBase,
		batchRing:  newSendRing(cfg.RingSize),
		deltaRing:  newSendRing(cfg.RingSize),
		logger:     logger,
	}
}

type inbound struct {
	tag     wire.Tag
	payload []byte
	src     int // -1 == coordinator, >=0 == index into f.workers
	err     error
}

// Run relays messages until the coordinator sends SHUTDOWN, ctx is
// done, or a peer connection fails (§4.4 main loop). STOP drains both
// rings and continues relaying; SHUTDOWN drains and returns.
func (f *Forwarder) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan inbound, 64)
	go f.pump(ctx, f.coord, -1, msgCh)
	for i, w := range f.workers {
		go f.pump(ctx, w, i, msgCh)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgCh:
			if m.err != nil {
				return fmt.Errorf("forwarder: peer %d: %w", m.src, m.err)
			}
			shutdown, err := f.handle(ctx, m)
			if err != nil {
				return err
			}
			if shutdown {
				return nil
			}
		}
	}
}

func (f *Forwarder) pump(ctx context.Context, ep *transport.Endpoint, src int, out chan<- inbound) {
	for {
		tag, payload, err := ep.Recv(ctx)
		select {
		case out <- inbound{tag: tag, payload: payload, src: src, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, m inbound) (shutdown bool, err error) {
	switch m.tag {
	case wire.TagBatch, wire.TagFlush:
		if m.src != -1 {
			return false, fmt.Errorf("%w: forwarder received %s from a worker, not the coordinator", wire.ErrBadMessage, m.tag)
		}
		return false, f.relayDownstream(ctx, m.tag, m.payload)

	case wire.TagDelta:
		if m.src == -1 {
			return false, fmt.Errorf("%w: forwarder received DELTA from the coordinator", wire.ErrBadMessage)
		}
		return false, f.deltaRing.send(ctx, f.coord, wire.TagDelta, m.payload)

	case wire.TagStop:
		if err := f.batchRing.drain(ctx); err != nil {
			return false, err
		}
		if err := f.deltaRing.drain(ctx); err != nil {
			return false, err
		}
		return false, nil

	case wire.TagShutdown:
		if err := f.batchRing.drain(ctx); err != nil {
			return false, err
		}
		if err := f.deltaRing.drain(ctx); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: forwarder cannot route tag %s", wire.ErrBadMessage, m.tag)
	}
}

// relayDownstream strips the destination-worker-id header the
// coordinator attached and forwards the remainder unchanged to the
// addressed worker.
func (f *Forwarder) relayDownstream(ctx context.Context, tag wire.Tag, payload []byte) error {
	if len(payload) < destHeaderSize {
		return fmt.Errorf("%w: forwarded %s payload shorter than destination header", wire.ErrBadMessage, tag)
	}
	dest := binary.BigEndian.Uint32(payload[:destHeaderSize])
	rest := payload[destHeaderSize:]

	if dest < f.workerBase || int(dest-f.workerBase) >= len(f.workers) {
		return fmt.Errorf("%w: forwarded %s addressed worker %d outside this forwarder's range", wire.ErrBadMessage, tag, dest)
	}
	return f.batchRing.send(ctx, f.workers[dest-f.workerBase], tag, rest)
}

// PrependDest frames payload with the destination worker id a
// coordinator must attach before routing a BATCH/FLUSH message through
// a Forwarder instead of sending directly to the worker.
func PrependDest(workerID uint32, payload []byte) []byte {
	buf := make([]byte, destHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:destHeaderSize], workerID)
	copy(buf[destHeaderSize:], payload)
	return buf
}

