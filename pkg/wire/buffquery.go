// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package wire

// BuffQueryResponse carries the worker's delta-buffering depth, which
// the coordinator uses to pace max_outstanding_deltas. The request
// itself (coord->worker BUFF_QUERY) has an empty payload.
type BuffQueryResponse struct {
	Depth uint64
}

func (r BuffQueryResponse) EncodeInto() []byte {
	return appendU64(nil, r.Depth)
}

func DecodeBuffQueryResponse(payload []byte) (BuffQueryResponse, error) {
	depth, rest, err := consumeU64(payload)
	if err != nil {
		return BuffQueryResponse{}, err
	}
	if len(rest) != 0 {
		return BuffQueryResponse{}, ErrBadMessage
	}
	return BuffQueryResponse{Depth: depth}, nil
}
