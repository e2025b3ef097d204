// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBatchRoundTrip checks P6: for any BATCH serialized via
// EncodeBatches and re-parsed via DecodeBatches, the resulting list of
// (node_idx, dests) equals the input modulo dropping of empty batches.
func TestBatchRoundTrip(t *testing.T) {
	in := []BatchRecord{
		{NodeIdx: 3, Dests: []uint32{7, 8, 9}},
		{NodeIdx: 0, Dests: nil}, // dropped
		{NodeIdx: 5, Dests: []uint32{1}},
	}
	payload := EncodeBatches(in)
	out, err := DecodeBatches(payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, BatchRecord{NodeIdx: 3, Dests: []uint32{7, 8, 9}}, out[0])
	assert.Equal(t, BatchRecord{NodeIdx: 5, Dests: []uint32{1}}, out[1])
}

func TestDecodeBatchesTruncated(t *testing.T) {
	_, err := DecodeBatches([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodeBatches([]BatchRecord{{NodeIdx: 1, Dests: []uint32{2, 3}}})
	require.NoError(t, WriteMessage(&buf, TagBatch, payload))

	tag, got, err := ReadMessage(&buf, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, TagBatch, tag)
	assert.Equal(t, payload, got)
}

func TestReadMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TagBatch, make([]byte, 100)))
	_, _, err := ReadMessage(&buf, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestReadMessageRejectsBadTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, TagBatch, nil))
	raw := buf.Bytes()
	raw[4] = 0xEE // corrupt the tag byte
	_, _, err := ReadMessage(bytes.NewReader(raw), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestInitRoundTrip(t *testing.T) {
	in := InitMessage{NumNodes: 1024, Seed: 0xdeadbeef, MaxMsgSize: 65536}
	out, err := DecodeInit(in.EncodeInto())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDeltaRoundTrip(t *testing.T) {
	in := []DeltaRecord{
		{NodeIdx: 1, Image: []byte{1, 2, 3, 4}},
		{NodeIdx: 2, Image: []byte{5, 6, 7, 8}},
	}
	payload := EncodeDeltas(in)
	out, err := DecodeDeltas(payload, 4)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDeltaRejectsTruncated(t *testing.T) {
	_, err := DecodeDeltas([]byte{1, 2, 3, 4, 5}, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestQueryRoundTripLastChunk(t *testing.T) {
	in := QueryMessage{
		Sketches: []QuerySketch{
			{Cursor: 0, Image: []byte{1, 2, 3, 4}},
			{Cursor: 3, Image: []byte{5, 6, 7, 8}},
		},
		NumQueriesInRound: 42,
	}
	out, err := DecodeQuery(in.EncodeInto())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestQueryRoundTripNotLastChunk(t *testing.T) {
	in := QueryMessage{Sketches: []QuerySketch{{Cursor: 1, Image: []byte{9, 9}}}}
	out, err := DecodeQuery(in.EncodeInto())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestQuerySamplesRoundTrip(t *testing.T) {
	in := []QuerySample{
		{Src: 1, Dst: 2, Tag: SampleGood},
		{Src: 0, Dst: 0, Tag: SampleZero},
		{Src: 9, Dst: 9, Tag: SampleFail},
	}
	out, err := DecodeQuerySamples(EncodeQuerySamples(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBuffQueryRoundTrip(t *testing.T) {
	in := BuffQueryResponse{Depth: 16}
	out, err := DecodeBuffQueryResponse(in.EncodeInto())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestMaxMsgSize(t *testing.T) {
	got := MaxMsgSize(100, NumBatches)
	assert.Greater(t, got, 0)
}
