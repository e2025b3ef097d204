// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	perrors "github.com/sketchcluster/engine/pkg/errors"
)

// ErrBadMessage is the Go analogue of the original cluster's
// BadMessageException: a received message has the wrong tag, wrong
// length for its claimed tag, or exceeds the negotiated max size. It is
// always fatal to the receiving process (error taxonomy item 1).
var ErrBadMessage = perrors.NewFatal("wire: bad message")

// FrameHeaderSize is the on-wire size of the length+tag prefix: a fixed
// 32-bit length field followed by a single tag byte.
const FrameHeaderSize = 4 + 1

const frameHeaderSize = FrameHeaderSize

// WriteMessage writes tag and payload to w as one length-prefixed frame.
// It never allocates beyond the header: payload is written directly
// after the header by a second Write, without being copied.
func WriteMessage(w io.Writer, tag Tag, payload []byte) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: cannot send invalid tag %d", ErrBadMessage, uint8(tag))
	}
	header := protowire.AppendFixed32(nil, uint32(len(payload)))
	header = append(header, byte(tag))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r. maxMsgSize is the
// negotiated per-process ceiling (carried by INIT); a claimed length
// exceeding it is ErrBadMessage rather than an allocation of attacker- or
// bug-controlled size.
func ReadMessage(r io.Reader, maxMsgSize int) (Tag, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("wire: read header: %w", err)
	}
	length, n := protowire.ConsumeFixed32(header[:4])
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: malformed length prefix", ErrBadMessage)
	}
	tag := Tag(header[4])
	if !tag.Valid() {
		return 0, nil, fmt.Errorf("%w: unrecognized tag %d", ErrBadMessage, header[4])
	}
	if maxMsgSize > 0 && int(length) > maxMsgSize {
		return 0, nil, fmt.Errorf("%w: message_size %d exceeds max_msg_size %d", ErrBadMessage, length, maxMsgSize)
	}
	if length == 0 {
		return tag, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return tag, payload, nil
}

// DecodeHeader parses a FrameHeaderSize-byte buffer into a tag and claimed
// payload length without consuming anything from a stream; it backs a
// non-destructive probe (§6: "blocking probe that yields source and
// length") layered over a buffered reader that can Peek the header.
func DecodeHeader(header []byte) (Tag, uint32, error) {
	if len(header) != FrameHeaderSize {
		return 0, 0, fmt.Errorf("%w: short header", ErrBadMessage)
	}
	length, n := protowire.ConsumeFixed32(header[:4])
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: malformed length prefix", ErrBadMessage)
	}
	tag := Tag(header[4])
	if !tag.Valid() {
		return 0, 0, fmt.Errorf("%w: unrecognized tag %d", ErrBadMessage, header[4])
	}
	return tag, length, nil
}

// MaxMsgSize computes the coordinator-side max_msg_size carried via INIT
// so every peer sizes its buffers identically (§4.1): two node-id-sized
// fields of framing overhead plus the per-batch neighbor list, repeated
// for every batch a single BATCH message may carry.
func MaxMsgSize(gutterBatchSize, numBatches int) int {
	const nodeIDSize = 4
	return (2*nodeIDSize + nodeIDSize*gutterBatchSize) * numBatches
}
