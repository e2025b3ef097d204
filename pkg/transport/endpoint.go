// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package transport implements the messaging substrate the spec treats
// as an external collaborator (§6: "point-to-point send with tag;
// blocking probe that yields source and length; receive into buffer;
// non-blocking send with completion handle; multi-way wait"). It layers
// those MPI-shaped primitives over net.Conn using the pkg/wire framing.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sketchcluster/engine/pkg/wire"
)

// Endpoint is one peer connection: a single net.Conn wrapped with a
// buffered reader for non-destructive Probe and a dedicated writer
// goroutine so concurrent SendAsync calls from multiple callers are
// serialized onto one stream without racing each other's frames.
type Endpoint struct {
	conn       net.Conn
	br         *bufio.Reader
	maxMsgSize int

	writeCh chan writeJob
	closeCh chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type writeJob struct {
	tag     wire.Tag
	payload []byte
	done    chan error
}

// NewEndpoint wraps conn. maxMsgSize bounds every Recv/Probe, mirroring
// the negotiated INIT max_msg_size.
func NewEndpoint(conn net.Conn, maxMsgSize int) *Endpoint {
	e := &Endpoint{
		conn:       conn,
		br:         bufio.NewReaderSize(conn, 64*1024),
		maxMsgSize: maxMsgSize,
		writeCh:    make(chan writeJob, 64),
		closeCh:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.writeLoop()
	return e
}

func (e *Endpoint) writeLoop() {
	defer e.wg.Done()
	for job := range e.writeCh {
		err := wire.WriteMessage(e.conn, job.tag, job.payload)
		job.done <- err
		close(job.done)
	}
}

// Send blocks until tag/payload has been written to the underlying
// connection or ctx is done.
func (e *Endpoint) Send(ctx context.Context, tag wire.Tag, payload []byte) error {
	h, err := e.SendAsync(tag, payload)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// PendingSend is the completion handle for a non-blocking send,
// mirroring an MPI_Isend request object.
type PendingSend struct {
	done chan error
}

// Wait blocks until the send completes or ctx is done.
func (p *PendingSend) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the send has completed without blocking.
func (p *PendingSend) Done() bool {
	select {
	case err, ok := <-p.done:
		if ok {
			// Put the result back so a subsequent Wait still observes it.
			// writeLoop closes done after its send, so the result goes
			// into a fresh closed channel rather than back into done.
			ch := make(chan error, 1)
			ch <- err
			close(ch)
			p.done = ch
		}
		return true
	default:
		return false
	}
}

// SendAsync enqueues tag/payload for writing and returns immediately
// with a completion handle (§6: "non-blocking send with completion
// handle"). The write itself still happens in FIFO order relative to
// other SendAsync/Send calls on the same Endpoint.
func (e *Endpoint) SendAsync(tag wire.Tag, payload []byte) (*PendingSend, error) {
	done := make(chan error, 1)
	select {
	case <-e.closeCh:
		return nil, fmt.Errorf("transport: endpoint closed")
	case e.writeCh <- writeJob{tag: tag, payload: payload, done: done}:
		return &PendingSend{done: done}, nil
	}
}

// Probe peeks the next frame's tag and claimed length without consuming
// it from the stream, so a caller can decide how to size a receive
// buffer before committing to Recv (§6: "blocking probe that yields
// source and length"). Source is implicit: one Endpoint per peer.
func (e *Endpoint) Probe(ctx context.Context) (wire.Tag, int, error) {
	type result struct {
		tag wire.Tag
		n   int
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		header, err := e.br.Peek(wire.FrameHeaderSize)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		tag, length, err := wire.DecodeHeader(header)
		resCh <- result{tag: tag, n: int(length), err: err}
	}()

	select {
	case r := <-resCh:
		return r.tag, r.n, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// Recv reads the next full frame, blocking until it has arrived.
func (e *Endpoint) Recv(ctx context.Context) (wire.Tag, []byte, error) {
	type result struct {
		tag wire.Tag
		buf []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		tag, buf, err := wire.ReadMessage(e.br, e.maxMsgSize)
		resCh <- result{tag, buf, err}
	}()

	select {
	case r := <-resCh:
		return r.tag, r.buf, r.err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Close shuts down the write loop and the underlying connection.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closeCh)
		close(e.writeCh)
	})
	e.wg.Wait()
	return e.conn.Close()
}

// WaitAny blocks until at least one of pending completes, returning its
// index (§6: "multi-way wait", the Go analogue of MPI_Waitany used by
// the Message Forwarder's double-buffered sends, §4.4).
func WaitAny(ctx context.Context, pending []*PendingSend) (int, error) {
	if len(pending) == 0 {
		return -1, fmt.Errorf("transport: WaitAny called with no pending sends")
	}

	type result struct {
		idx int
		err error
	}
	resCh := make(chan result, len(pending))
	for i, p := range pending {
		i, p := i, p
		go func() {
			select {
			case err := <-p.done:
				resCh <- result{i, err}
			case <-ctx.Done():
			}
		}()
	}

	select {
	case r := <-resCh:
		return r.idx, r.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

var _ io.Closer = (*Endpoint)(nil)
