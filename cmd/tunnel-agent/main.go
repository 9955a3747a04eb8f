// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command tunnel-agent runs the client side of the tunnel: it registers a
// service id with a tunnel-server, binds the rendezvous control stream, and
// forwards incoming requests to a local origin server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scratchyone/tunnel-ly/internal/agentconn"
	"github.com/scratchyone/tunnel-ly/internal/logging"
)

func main() {
	var (
		adminURL       = flag.String("admin-url", "http://rachel.test", "base URL of the server's admin API")
		rendezvousAddr = flag.String("rendezvous-addr", "rachel.test:8080", "host:port of the server's rendezvous listener")
		originURL      = flag.String("origin-url", "http://localhost:8000", "base URL of the local service to expose")
		originTimeout  = flag.Duration("origin-timeout", 30*time.Second, "how long to wait for the local origin to answer a forwarded request")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Registers with a tunnel-server and forwards incoming requests to a local origin server.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agentconn.New(agentconn.Config{
		AdminURL:       *adminURL,
		RendezvousAddr: *rendezvousAddr,
		OriginURL:      *originURL,
		OriginTimeout:  *originTimeout,
		Logger:         logger,
	})

	id, err := a.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("tunnel-agent exited", "service_id", id, "error", err)
		os.Exit(1)
	}
	logger.Info("tunnel-agent shut down", "service_id", id)
}
