// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import "sync/atomic"

// Status is one Work Distributor's current activity, sampled by the
// Status Reporter without locking (§4.2: "Status field per distributor
// is atomic").
type Status int32

const (
	StatusQueueWait Status = iota
	StatusDistribProcessing
	StatusApplyDelta
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusQueueWait:
		return "QUEUE_WAIT"
	case StatusDistribProcessing:
		return "DISTRIB_PROCESSING"
	case StatusApplyDelta:
		return "APPLY_DELTA"
	case StatusPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// atomicStatus is a lock-free Status cell.
type atomicStatus struct {
	v atomic.Int32
}

func (a *atomicStatus) Store(s Status) { a.v.Store(int32(s)) }
func (a *atomicStatus) Load() Status   { return Status(a.v.Load()) }
