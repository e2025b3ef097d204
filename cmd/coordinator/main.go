// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command coordinator runs the rank-0 process: it dials every worker in
// its topology, streams edge updates from a file (or stdin) into the
// gutter, and runs a spanning-forest query at the end of the stream
// (§2 Roles: Coordinator).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sketchcluster/engine/cmd/internal/logging"
	"github.com/sketchcluster/engine/internal/boruvka"
	"github.com/sketchcluster/engine/internal/coordinator"
	"github.com/sketchcluster/engine/pkg/cliargs"
	"github.com/sketchcluster/engine/pkg/cluster"
	"github.com/sketchcluster/engine/pkg/gutter"
	"github.com/sketchcluster/engine/pkg/supernode"
)

var argParser = cliargs.New([]cliargs.Definition{
	{Name: "stream_path", Help: "edge stream file, \"-\" for stdin (one \"u v\" pair per line)", Parse: cliargs.StringParser},
	{Name: "num_nodes", Help: "vertex count N", Parse: cliargs.IntParser(1, 1<<30)},
	{Name: "seed", Help: "sketch hash family seed", Parse: cliargs.IntParser(0, 1<<62)},
	{Name: "workers", Help: "comma-separated worker addresses (host:port)", Parse: cliargs.StringParser, Optional: true},
	{Name: "gutter_batch_size", Help: "per-vertex flush threshold B", Parse: cliargs.IntParser(1, 1<<20), Optional: true},
	{Name: "local_process_cutoff", Help: "batch-group size below which the coordinator applies locally", Parse: cliargs.IntParser(0, 1<<30), Optional: true},
	{Name: "rounds_to_distribute", Help: "Borůvka rounds sampled through workers before falling back to local sampling", Parse: cliargs.IntParser(0, 1<<30), Optional: true},
	{Name: "status_path", Help: "path the status reporter rewrites every 200ms", Parse: cliargs.StringParser, Optional: true},
	{Name: "log_level", Help: "debug|info|warn|error", Parse: cliargs.StringParser, Optional: true},
})

func main() {
	args, err := argParser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := "info"
	if r, ok := args["log_level"]; ok {
		logLevel = r.Str
	}
	logger, err := logging.New("coordinator", logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	numNodes := uint32(args["num_nodes"].Int)
	seed := uint64(args["seed"].Int)

	var workerAddrs []string
	if r, ok := args["workers"]; ok && r.Str != "" {
		workerAddrs = strings.Split(r.Str, ",")
	}
	topology := cluster.NewStaticTopology(workerAddrs)
	clusterState, err := cluster.SetupCluster(ctx, topology)
	if err != nil {
		logger.Error(err, "unable to set up cluster")
		os.Exit(1)
	}

	gutterBatchSize := 32
	if r, ok := args["gutter_batch_size"]; ok {
		gutterBatchSize = r.Int
	}
	localProcessCutoff := 0
	if r, ok := args["local_process_cutoff"]; ok {
		localProcessCutoff = r.Int
	}

	factory := supernode.NewXorFactory(seed)
	graph := coordinator.NewGraph(factory, numNodes)
	g := gutter.New(gutterBatchSize)
	defer g.Close()

	cfg := coordinator.Config{
		NumNodes:           numNodes,
		Seed:               seed,
		GutterBatchSize:    gutterBatchSize,
		LocalProcessCutoff: localProcessCutoff,
		DialTimeout:        5 * time.Second,
	}
	coord := coordinator.New(cfg, graph, g, clusterState, logger.WithName("coordinator"))
	if err := coord.StartWorkers(ctx); err != nil {
		logger.Error(err, "unable to start workers")
		os.Exit(1)
	}

	statusPath := "cluster_status.txt"
	if r, ok := args["status_path"]; ok {
		statusPath = r.Str
	}
	reporter := coordinator.NewStatusReporter(coord, statusPath, logger.WithName("status-reporter"))
	go reporter.Run(ctx, clusterState)

	streamPath := args["stream_path"].Str
	if err := streamEdges(ctx, streamPath, coord); err != nil {
		logger.Error(err, "error streaming edge updates")
		os.Exit(1)
	}

	query := boruvka.New(coord, logger.WithName("boruvka"))
	if r, ok := args["rounds_to_distribute"]; ok {
		query.SetRoundsToDistribute(r.Int)
	}
	components, err := query.SpanningForestQuery(ctx, false)
	if err != nil {
		logger.Error(err, "spanning forest query failed")
		os.Exit(1)
	}
	fmt.Printf("connected components: %d\n", len(components))
	for _, comp := range components {
		fmt.Println(comp)
	}

	total, err := coord.StopWorkers(ctx)
	if err != nil {
		logger.Error(err, "error stopping workers")
		os.Exit(1)
	}
	logger.Info("stream complete", "updates_processed", total)
}

// streamEdges reads "u v" pairs, one per line, from path ("-" for
// stdin) and calls coord.Update for each. The binary stream reader and
// synthetic stream generators the original system drives against are
// out of scope (§1); this is a minimal text-format convenience reader
// for local experimentation.
func streamEdges(ctx context.Context, path string, coord *coordinator.Coordinator) error {
	r := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening stream %q: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("malformed edge line %q: expected \"u v\"", line)
		}
		u, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return fmt.Errorf("malformed vertex id %q: %w", fields[0], err)
		}
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("malformed vertex id %q: %w", fields[1], err)
		}
		if err := coord.Update(uint32(u), uint32(v)); err != nil {
			return fmt.Errorf("update(%d, %d): %w", u, v, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
