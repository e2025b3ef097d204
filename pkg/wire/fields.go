// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// appendU32/appendU64 and consumeU32/consumeU64 wrap protowire's
// fixed-width varint-free primitives. The spec's records are all
// fixed-width (u32/u64/i32), not protobuf varints, so we use protowire
// purely for its fixed-width (Fixed32/Fixed64) primitives rather than as
// a protobuf encoder — see SPEC_FULL.md §13.
func appendU32(buf []byte, v uint32) []byte {
	return protowire.AppendFixed32(buf, v)
}

func appendU64(buf []byte, v uint64) []byte {
	return protowire.AppendFixed64(buf, v)
}

func consumeU32(buf []byte) (uint32, []byte, error) {
	v, n := protowire.ConsumeFixed32(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: truncated u32 field", ErrBadMessage)
	}
	return v, buf[n:], nil
}

func consumeU64(buf []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeFixed64(buf)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: truncated u64 field", ErrBadMessage)
	}
	return v, buf[n:], nil
}
