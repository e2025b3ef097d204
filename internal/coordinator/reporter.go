// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

const statusReportInterval = 200 * time.Millisecond

var (
	ingestCumulative = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchcluster_coordinator_ingest_updates_total",
		Help: "Cumulative sketch updates (neighbor ids) sent to workers or applied locally.",
	})
	ingestIntervalRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sketchcluster_coordinator_ingest_rate_updates_per_second",
		Help: "Updates per second over the last status interval.",
	})
)

func init() {
	prometheus.MustRegister(ingestCumulative, ingestIntervalRate)
}

// StatusReporter is the coordinator thread that snapshots every
// distributor's (updates_processed, status) every 200ms, computes
// ingest rates, and atomically rewrites a status file (§4.6).
type StatusReporter struct {
	coordinator *Coordinator
	statusPath  string
	logger      logr.Logger

	start        time.Time
	lastSnapshot uint64
	lastAt       time.Time
}

// NewStatusReporter builds a reporter that writes to statusPath
// (conventionally "cluster_status.txt").
func NewStatusReporter(c *Coordinator, statusPath string, logger logr.Logger) *StatusReporter {
	now := time.Now()
	return &StatusReporter{coordinator: c, statusPath: statusPath, logger: logger, start: now, lastAt: now}
}

// Run loops until clusterState shuts down, writing one status snapshot
// per tick (§4.6: "Shutdown on the global shutdown flag").
func (r *StatusReporter) Run(ctx context.Context, clusterState statusShutdowner) {
	ticker := time.NewTicker(statusReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if clusterState.ShuttingDown() {
				return
			}
			if err := r.snapshot(); err != nil {
				r.logger.Error(err, "failed to write cluster status")
			}
		}
	}
}

// statusShutdowner is the subset of *cluster.CoordinatorCluster the
// reporter needs, kept narrow so this package doesn't import cluster
// just for a shutdown check in a test double.
type statusShutdowner interface {
	ShuttingDown() bool
}

func (r *StatusReporter) snapshot() error {
	distributors := r.coordinator.Distributors()

	var cumulative uint64
	var sb strings.Builder
	fmt.Fprintf(&sb, "cluster status at %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, d := range distributors {
		updates := d.UpdatesProcessed()
		cumulative += updates
		fmt.Fprintf(&sb, "worker %d: status=%s updates_processed=%d\n", d.worker.Rank, d.Status(), updates)
	}

	now := time.Now()
	elapsedTotal := now.Sub(r.start).Seconds()
	elapsedInterval := now.Sub(r.lastAt).Seconds()

	// One stream update produces two sketch updates (§4.6).
	var cumulativeRate, intervalRate float64
	if elapsedTotal > 0 {
		cumulativeRate = float64(cumulative) / elapsedTotal / 2
	}
	if elapsedInterval > 0 {
		intervalRate = float64(cumulative-r.lastSnapshot) / elapsedInterval / 2
	}
	fmt.Fprintf(&sb, "cumulative_ingest_rate=%.2f interval_ingest_rate=%.2f\n", cumulativeRate, intervalRate)

	ingestCumulative.Set(float64(cumulative))
	ingestIntervalRate.Set(intervalRate)

	r.lastSnapshot = cumulative
	r.lastAt = now

	return writeAtomic(r.statusPath, sb.String())
}

// writeAtomic writes content to a "<stem>_tmp<ext>" file beside path
// (cluster_status_tmp.txt for cluster_status.txt) then renames it onto
// path.
func writeAtomic(path, content string) error {
	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + "_tmp" + ext
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("coordinator: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("coordinator: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
