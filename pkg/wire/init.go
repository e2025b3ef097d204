// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

// InitMessage is the coord->worker INIT payload: `u32 N || u64 seed ||
// i32 max_msg_size`. The worker uses it to size buffers and to call
// Supernode.Configure(N).
type InitMessage struct {
	NumNodes   uint32
	Seed       uint64
	MaxMsgSize int32
}

func (m InitMessage) EncodeInto() []byte {
	buf := appendU32(nil, m.NumNodes)
	buf = appendU64(buf, m.Seed)
	buf = appendU32(buf, uint32(m.MaxMsgSize))
	return buf
}

func DecodeInit(payload []byte) (InitMessage, error) {
	var m InitMessage
	n, rest, err := consumeU32(payload)
	if err != nil {
		return m, err
	}
	m.NumNodes = n
	seed, rest, err := consumeU64(rest)
	if err != nil {
		return m, err
	}
	m.Seed = seed
	maxMsg, rest, err := consumeU32(rest)
	if err != nil {
		return m, err
	}
	m.MaxMsgSize = int32(maxMsg)
	if len(rest) != 0 {
		return m, ErrBadMessage
	}
	return m, nil
}
