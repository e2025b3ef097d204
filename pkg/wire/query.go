// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import "fmt"

// SampleTag is the sample-sketch-return tag produced per sampled sketch.
type SampleTag uint8

const (
	SampleGood SampleTag = iota // a valid edge endpoint pair was recovered
	SampleZero                  // the component is isolated, no edge to recover
	SampleFail                  // sampling failed (sketch exhausted / corrupted)
)

func (t SampleTag) String() string {
	switch t {
	case SampleGood:
		return "GOOD"
	case SampleZero:
		return "ZERO"
	case SampleFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// QuerySketch is one supernode's current image shipped to a worker for
// sampling: the distributed worker holds no persistent graph state
// (§3 Ownership: "the coordinator exclusively owns supernodes"), so the
// coordinator ships the serialized sketch plus its current query cursor
// in every QUERY chunk rather than a bare node id (§4.1: "sketch_size ×
// num_sketches").
type QuerySketch struct {
	Cursor uint32
	Image  []byte // exactly the factory's SerializedSize() bytes
}

// QueryMessage is one coord->worker QUERY chunk: the sketches this
// worker should sample, plus — only on the last chunk of a round for
// this worker — the total number of queries the worker will eventually
// answer in the round (so it knows when to flush its accumulated
// response). NumQueriesInRound == 0 means "not the last chunk"; callers
// that legitimately mean zero total queries never send a QUERY message
// at all.
type QueryMessage struct {
	Sketches          []QuerySketch
	NumQueriesInRound uint32 // 0 unless this is the final chunk of the round
}

func (m QueryMessage) EncodeInto() []byte {
	buf := appendU32(nil, uint32(len(m.Sketches)))
	for _, s := range m.Sketches {
		buf = appendU32(buf, s.Cursor)
		buf = appendU32(buf, uint32(len(s.Image)))
		buf = append(buf, s.Image...)
	}
	buf = appendU32(buf, m.NumQueriesInRound)
	return buf
}

func DecodeQuery(payload []byte) (QueryMessage, error) {
	var m QueryMessage
	count, rest, err := consumeU32(payload)
	if err != nil {
		return m, err
	}
	m.Sketches = make([]QuerySketch, count)
	for i := range m.Sketches {
		var cursor uint32
		cursor, rest, err = consumeU32(rest)
		if err != nil {
			return m, fmt.Errorf("query sketch[%d] cursor: %w", i, err)
		}
		var length uint32
		length, rest, err = consumeU32(rest)
		if err != nil {
			return m, fmt.Errorf("query sketch[%d] length: %w", i, err)
		}
		if uint64(length) > uint64(len(rest)) {
			return m, fmt.Errorf("%w: query sketch[%d] image length %d exceeds remaining payload", ErrBadMessage, i, length)
		}
		image := make([]byte, length)
		copy(image, rest[:length])
		rest = rest[length:]
		m.Sketches[i] = QuerySketch{Cursor: cursor, Image: image}
	}
	total, rest, err := consumeU32(rest)
	if err != nil {
		return m, fmt.Errorf("query num_queries_in_round: %w", err)
	}
	m.NumQueriesInRound = total
	if len(rest) != 0 {
		return m, ErrBadMessage
	}
	return m, nil
}

// QuerySample is one (edge, tag) pair in a QUERY response, the result of
// sampling a single supernode.
type QuerySample struct {
	Src uint32
	Dst uint32
	Tag SampleTag
}

func EncodeQuerySamples(samples []QuerySample) []byte {
	var buf []byte
	for _, s := range samples {
		buf = appendU32(buf, s.Src)
		buf = appendU32(buf, s.Dst)
		buf = append(buf, byte(s.Tag))
	}
	return buf
}

func DecodeQuerySamples(payload []byte) ([]QuerySample, error) {
	const recSize = 4 + 4 + 1
	if len(payload)%recSize != 0 {
		return nil, fmt.Errorf("%w: QUERY response length %d not a multiple of record size %d", ErrBadMessage, len(payload), recSize)
	}
	n := len(payload) / recSize
	samples := make([]QuerySample, n)
	for i := 0; i < n; i++ {
		start := i * recSize
		rec := payload[start : start+recSize]
		src, rest, err := consumeU32(rec)
		if err != nil {
			return nil, err
		}
		dst, rest, err := consumeU32(rest)
		if err != nil || len(rest) != 1 {
			return nil, fmt.Errorf("%w: malformed query sample[%d]", ErrBadMessage, i)
		}
		samples[i] = QuerySample{Src: src, Dst: dst, Tag: SampleTag(rest[0])}
	}
	return samples, nil
}
