// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rendezvous implements the TCP listener agents dial to bind their
// control stream: it reads the handshake naming a service id, then hands
// the raw connection to the registry.
package rendezvous

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
)

const sentinel = 0x00

// forwarder is the subset of *registry.Registry the listener depends on,
// kept narrow so tests can supply a fake.
type forwarder interface {
	ForwardPrimaryStream(id string, conn net.Conn)
}

// Listener accepts control-stream connections and forwards each, after its
// handshake, to a registry.
type Listener struct {
	reg    forwarder
	logger *slog.Logger
}

// New creates a Listener that forwards bound streams to reg.
func New(reg forwarder, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{reg: reg, logger: logger}
}

// Serve accepts connections from ln until ctx is canceled or Accept returns
// a permanent error. Each connection's handshake is read concurrently, so a
// slow or stalled agent never blocks the accept loop.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.logger.Warn("rendezvous accept error", "error", err)
			continue
		}
		go l.handshake(conn)
	}
}

// handshake reads the NUL-delimited service id that opens every control
// stream, then hands the connection to the registry. A handshake that never
// arrives (EOF or error) just closes the connection; nothing was registered
// yet, so there is nothing to unregister.
func (l *Listener) handshake(conn net.Conn) {
	r := bufio.NewReader(conn)
	raw, err := r.ReadBytes(sentinel)
	if err != nil {
		l.logger.Warn("rendezvous handshake failed", "error", err)
		conn.Close()
		return
	}
	id := strings.ToValidUTF8(string(raw[:len(raw)-1]), "")
	l.logger.Debug("rendezvous bound control stream", "service_id", id)
	// r may already have buffered bytes the agent sent immediately after
	// its handshake; wrap conn so those aren't silently dropped by handing
	// off the bare socket underneath it.
	l.reg.ForwardPrimaryStream(id, &bufferedConn{Conn: conn, r: r})
}

// bufferedConn is a net.Conn whose Read is served from a bufio.Reader that
// already wraps the same underlying connection, so bytes buffered during
// the handshake read are not lost to whoever reads from the connection
// next.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
