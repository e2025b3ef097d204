// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CoordinatorCluster is the single owning object for the coordinator's
// process-wide mutable state — the shutdown flag, the pause
// mutex/condition-variable, and the resolved worker array — per §9
// DESIGN NOTES: "model these as a single CoordinatorCluster owning
// object whose lifetime spans setup_cluster -> teardown_cluster; all
// subsystems receive a handle rather than reaching into statics."
type CoordinatorCluster struct {
	topology Topology

	mu       sync.Mutex
	cond     *sync.Cond
	workers  []WorkerAddr
	paused   bool
	shutdown bool
}

// SetupCluster resolves the worker set from topology and returns a
// ready CoordinatorCluster handle (the Go analogue of setup_cluster).
func SetupCluster(ctx context.Context, topology Topology) (*CoordinatorCluster, error) {
	workers, err := topology.Workers(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster: setup_cluster: resolving %s topology: %w", topology.Name(), err)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("cluster: setup_cluster: %s topology returned no workers", topology.Name())
	}

	c := &CoordinatorCluster{topology: topology, workers: workers}
	c.cond = sync.NewCond(&c.mu)
	go c.reconfirmationSweep()
	return c, nil
}

// reconfirmationSweep periodically broadcasts on the pause condition so
// a WaitUntilUnpaused caller re-checks shutdown/paused even if it missed
// the triggering Broadcast, matching §5's "re-checks using
// wait_for(500 ms) then a reconfirmation sweep to absorb spurious
// wakeups." It exits once Shutdown has been called.
func (c *CoordinatorCluster) reconfirmationSweep() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		done := c.shutdown
		c.mu.Unlock()
		if done {
			c.cond.Broadcast()
			return
		}
		c.cond.Broadcast()
	}
}

// Workers returns the resolved worker set. The slice is owned by the
// caller; CoordinatorCluster never mutates it after SetupCluster.
func (c *CoordinatorCluster) Workers() []WorkerAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerAddr, len(c.workers))
	copy(out, c.workers)
	return out
}

// Shutdown sets the global shutdown flag and wakes every waiter blocked
// on Pause/WaitUntilUnpaused, matching "shutdown = true plus
// condition-variable broadcast causes every loop to exit at its next
// safe point" (§5 Cancellation & timeouts).
func (c *CoordinatorCluster) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// ShuttingDown reports whether Shutdown has been called.
func (c *CoordinatorCluster) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Pause raises the paused flag and broadcasts, waking any worker-side
// loop blocked in WaitUntilUnpaused so it can observe the new state at
// its next safe point.
func (c *CoordinatorCluster) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Unpause clears the paused flag and broadcasts.
func (c *CoordinatorCluster) Unpause() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Paused reports the current pause state.
func (c *CoordinatorCluster) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// WaitUntilUnpaused blocks until either Unpause or Shutdown is called.
// The background reconfirmationSweep broadcasts every 500ms so a missed
// wakeup is never fatal (§5 Cancellation & timeouts). It returns false
// if the cluster shut down while waiting.
func (c *CoordinatorCluster) WaitUntilUnpaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.paused && !c.shutdown {
		c.cond.Wait()
	}
	return !c.shutdown
}
