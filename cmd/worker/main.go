// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command worker runs one Distributed Worker process: it listens for a
// coordinator (or forwarder) connection, answers INIT, and services
// BATCH/QUERY/BUFF_QUERY/STOP/SHUTDOWN until the connection closes
// (§2 Roles: Distributed Worker, §4.3).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/sketchcluster/engine/cmd/internal/logging"
	"github.com/sketchcluster/engine/internal/worker"
	"github.com/sketchcluster/engine/pkg/cliargs"
	"github.com/sketchcluster/engine/pkg/supernode"
	"github.com/sketchcluster/engine/pkg/transport"
)

// acceptMsgSize bounds the Endpoint before INIT has negotiated the real
// max_msg_size (§4.1); it only needs to be large enough to read an
// INIT/BUFF_QUERY frame, so a generous fixed ceiling is safe.
const acceptMsgSize = 64 << 20

var argParser = cliargs.New([]cliargs.Definition{
	{Name: "listen_addr", Help: "address to listen on, e.g. :7000", Parse: cliargs.StringParser},
	{Name: "seed", Help: "sketch hash family seed; must match the coordinator's", Parse: cliargs.IntParser(0, 1<<62)},
	{Name: "helper_threads", Help: "size of the delta-generation helper pool", Parse: cliargs.IntParser(1, 1024), Optional: true},
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
	logger, err := logging.New("worker", logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	helperThreads := 1
	if r, ok := args["helper_threads"]; ok {
		helperThreads = r.Int
	}
	seed := uint64(args["seed"].Int)

	ln, err := net.Listen("tcp", args["listen_addr"].Str)
	if err != nil {
		logger.Error(err, "unable to listen")
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(err, "accept failed")
			continue
		}
		go serve(ctx, conn, seed, worker.Config{HelperThreads: helperThreads}, logger)
	}
}

func serve(ctx context.Context, conn net.Conn, seed uint64, cfg worker.Config, logger logr.Logger) {
	defer conn.Close()
	ep := transport.NewEndpoint(conn, acceptMsgSize)
	factory := supernode.NewXorFactory(seed)
	w := worker.New(ep, factory, cfg, logger.WithValues("peer", conn.RemoteAddr().String()))
	if err := w.Run(ctx); err != nil {
		logger.Error(err, "worker connection ended")
	}
}
