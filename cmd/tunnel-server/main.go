// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command tunnel-server runs the rendezvous server: it terminates public
// HTTP traffic, serves the admin API, and accepts agent control streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/scratchyone/tunnel-ly/internal/dispatcher"
	"github.com/scratchyone/tunnel-ly/internal/logging"
	"github.com/scratchyone/tunnel-ly/internal/registry"
	"github.com/scratchyone/tunnel-ly/internal/rendezvous"
)

func main() {
	var (
		rootDomain     = flag.String("domain", "rachel.test", "root domain tenant subdomains are resolved against")
		httpAddr       = flag.String("http-addr", ":80", "address the public HTTP listener binds")
		rendezvousAddr = flag.String("rendezvous-addr", ":8080", "address the agent rendezvous listener binds")
		requestTimeout = flag.Duration("request-timeout", 30*time.Second, "how long the dispatcher waits for a session to answer a tenant request; 0 disables the timeout")
		sessionRPS     = flag.Float64("session-rate-limit", 0, "per-session admission rate limit in requests/sec; 0 disables rate limiting")
		sessionBurst   = flag.Int("session-rate-burst", 5, "burst size for -session-rate-limit")
		startRPS       = flag.Float64("start-rate-limit", 0, "rate limit on /start registrations/sec; 0 disables rate limiting")
		startBurst     = flag.Int("start-rate-burst", 5, "burst size for -start-rate-limit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs the rendezvous server: public HTTP listener, admin API, and agent rendezvous listener.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger, *rootDomain)
	go reg.Run(ctx)

	d := dispatcher.New(ctx, reg, dispatcher.Config{
		RootDomain:       *rootDomain,
		RequestTimeout:   *requestTimeout,
		SessionRateLimit: rate.Limit(*sessionRPS),
		SessionRateBurst: *sessionBurst,
		StartRateLimit:   rate.Limit(*startRPS),
		StartRateBurst:   *startBurst,
		Logger:           logger,
	})

	rendezvousListener, err := net.Listen("tcp", *rendezvousAddr)
	if err != nil {
		logger.Error("failed to bind rendezvous listener", "addr", *rendezvousAddr, "error", err)
		os.Exit(1)
	}
	rv := rendezvous.New(reg, logger)
	go func() {
		if err := rv.Serve(ctx, rendezvousListener); err != nil && ctx.Err() == nil {
			logger.Error("rendezvous listener stopped", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: d,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("tunnel-server starting",
		"domain", *rootDomain,
		"http_addr", *httpAddr,
		"rendezvous_addr", *rendezvousAddr,
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http listener stopped", "error", err)
		os.Exit(1)
	}
}
