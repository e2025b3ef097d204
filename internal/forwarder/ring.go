// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package forwarder

import (
	"context"

	"github.com/sketchcluster/engine/pkg/transport"
	"github.com/sketchcluster/engine/pkg/wire"
)

// sendRing is a fixed pool of in-flight non-blocking sends: the Go
// analogue of the original forwarder's "num_distrib pre-allocated
// buffers" plus "MPI_Waitany on prior sends" (§4.4, §9 DESIGN NOTES).
// One sendRing exists per traffic direction (batch, delta) so the two
// are never blocked by one another (§4.4: "independent ring buffers for
// batch and delta directions").
type sendRing struct {
	pending []*transport.PendingSend // nil slot == free
}

func newSendRing(size int) *sendRing {
	if size <= 0 {
		size = 1
	}
	return &sendRing{pending: make([]*transport.PendingSend, size)}
}

// send acquires a free slot — waiting on whichever in-flight send
// finishes first if the ring is full — then issues a new non-blocking
// send into it.
func (r *sendRing) send(ctx context.Context, ep *transport.Endpoint, tag wire.Tag, payload []byte) error {
	idx := -1
	for i, p := range r.pending {
		if p == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		i, err := transport.WaitAny(ctx, r.pending)
		if err != nil {
			return err
		}
		idx = i
	}

	pend, err := ep.SendAsync(tag, payload)
	if err != nil {
		return err
	}
	r.pending[idx] = pend
	return nil
}

// drain waits for every outstanding send in the ring to complete,
// matching STOP/SHUTDOWN's "drain" step (§4.4).
func (r *sendRing) drain(ctx context.Context) error {
	for i, p := range r.pending {
		if p == nil {
			continue
		}
		if err := p.Wait(ctx); err != nil {
			return err
		}
		r.pending[i] = nil
	}
	return nil
}
