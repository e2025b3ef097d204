// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command forwarder runs one Message Forwarder process: it accepts one
// coordinator-facing connection, dials a contiguous range of workers,
// and proxies BATCH/FLUSH/DELTA traffic between them (§2 Roles: Message
// Forwarder, §4.4).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sketchcluster/engine/cmd/internal/logging"
	"github.com/sketchcluster/engine/internal/forwarder"
	"github.com/sketchcluster/engine/pkg/cliargs"
	"github.com/sketchcluster/engine/pkg/transport"
)

// acceptMsgSize mirrors cmd/worker's pre-INIT ceiling: the forwarder
// relays whatever max_msg_size the coordinator negotiates, so its
// Endpoints are opened generously sized up front.
const acceptMsgSize = 64 << 20

var argParser = cliargs.New([]cliargs.Definition{
	{Name: "listen_addr", Help: "address the coordinator dials, e.g. :7100", Parse: cliargs.StringParser},
	{Name: "worker_base", Help: "rank of the first worker this forwarder proxies", Parse: cliargs.IntParser(1, 1<<30)},
	{Name: "worker_addrs", Help: "comma-separated worker addresses, one per proxied rank starting at worker_base", Parse: cliargs.StringParser},
	{Name: "ring_size", Help: "in-flight non-blocking sends per direction before a new send waits", Parse: cliargs.IntParser(1, 4096), Optional: true},
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
	logger, err := logging.New("forwarder", logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerAddrs := strings.Split(args["worker_addrs"].Str, ",")
	workerEps := make([]*transport.Endpoint, len(workerAddrs))
	for i, addr := range workerAddrs {
		conn, err := net.Dial("tcp", strings.TrimSpace(addr))
		if err != nil {
			logger.Error(err, "unable to dial worker", "addr", addr)
			os.Exit(1)
		}
		workerEps[i] = transport.NewEndpoint(conn, acceptMsgSize)
	}

	ln, err := net.Listen("tcp", args["listen_addr"].Str)
	if err != nil {
		logger.Error(err, "unable to listen")
		os.Exit(1)
	}
	defer ln.Close()
	logger.Info("listening for coordinator", "addr", ln.Addr().String())

	conn, err := ln.Accept()
	if err != nil {
		logger.Error(err, "accept failed")
		os.Exit(1)
	}
	coordEp := transport.NewEndpoint(conn, acceptMsgSize)

	ringSize := 0
	if r, ok := args["ring_size"]; ok {
		ringSize = r.Int
	}
	fwd := forwarder.New(coordEp, workerEps, uint32(args["worker_base"].Int), forwarder.Config{RingSize: ringSize}, logger)
	if err := fwd.Run(ctx); err != nil {
		logger.Error(err, "forwarder stopped")
		os.Exit(1)
	}
}
