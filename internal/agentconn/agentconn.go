// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package agentconn implements the agent side of the tunnel: it registers
// with the server's admin API, binds the rendezvous control stream, and
// relays each forwarded request to a local origin server. This mirrors the
// server's frame codec but is otherwise external to the core rendezvous and
// multiplexing plane.
package agentconn

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/scratchyone/tunnel-ly/internal/wire"
)

// Config configures an Agent's registration and forwarding behavior.
type Config struct {
	// AdminURL is the base URL of the server's admin API, e.g.
	// "http://rachel.test".
	AdminURL string

	// RendezvousAddr is the host:port of the server's rendezvous listener,
	// e.g. "rachel.test:8080".
	RendezvousAddr string

	// OriginURL is the base URL of the local service this agent exposes,
	// e.g. "http://localhost:8000".
	OriginURL string

	// OriginTimeout bounds how long the agent waits for the local origin
	// to answer a forwarded request. Zero disables the timeout.
	OriginTimeout time.Duration

	Logger *slog.Logger
}

// Agent is one running instance of the client half of the tunnel: a single
// registration, bound to a single control stream, forwarding to a single
// origin.
type Agent struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
}

// New creates an Agent from cfg.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.OriginTimeout},
	}
}

// Run registers a fresh service id, binds the control stream, and serves
// forwarded requests until ctx is canceled or the control stream errors. It
// returns the assigned service id and any error that ended the run.
func (a *Agent) Run(ctx context.Context) (string, error) {
	id, err := a.register(ctx)
	if err != nil {
		return "", fmt.Errorf("agentconn: register: %w", err)
	}
	a.logger.Info("agent registered", "service_id", id)

	conn, err := a.bindControlStream(ctx, id)
	if err != nil {
		return id, fmt.Errorf("agentconn: bind control stream: %w", err)
	}
	defer conn.Close()
	a.logger.Info("agent bound control stream", "service_id", id)

	return id, a.serve(ctx, conn)
}

// register calls the admin API's registration endpoint and returns the
// assigned service id.
func (a *Agent) register(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AdminURL+"/start", nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registration failed: %s: %s", resp.Status, body)
	}
	return string(body), nil
}

// bindControlStream dials the rendezvous listener and writes the
// NUL-terminated handshake naming id.
func (a *Agent) bindControlStream(ctx context.Context, id string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", a.cfg.RendezvousAddr)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(id + "\x00")); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve reads forwarded request frames from conn until it errors, forwards
// each to the local origin, and writes back a response frame. Requests are
// served one at a time, mirroring the session's strictly-sequential
// dispatch on the server side.
func (a *Agent) serve(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := wire.ReadRequestFrame(r)
		if err != nil {
			return fmt.Errorf("read request frame: %w", err)
		}

		resp := a.forward(ctx, req)
		if err := wire.WriteResponseFrame(conn, resp); err != nil {
			return fmt.Errorf("write response frame: %w", err)
		}
	}
}

// forward proxies req to the configured origin and translates the result
// (or any error) into a wire.Response. It never returns a nil response:
// origin failures become synthetic error responses, same as the server
// side's exactly-one-response invariant.
func (a *Agent) forward(ctx context.Context, req *wire.Request) *wire.Response {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, a.cfg.OriginURL+req.Target, nil)
	if err != nil {
		a.logger.Warn("agent failed to build origin request", "error", err)
		return wire.NewResponse(http.StatusBadGateway, "502 Bad Gateway")
	}
	if len(req.Body) > 0 {
		httpReq.Body = io.NopCloser(bytes.NewReader(req.Body))
		httpReq.ContentLength = int64(len(req.Body))
	}
	for _, f := range req.Header {
		if f.Name == "Host" {
			continue
		}
		httpReq.Header.Add(f.Name, f.Value)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.Warn("agent origin request failed", "error", err)
		return wire.NewResponse(http.StatusBadGateway, "502 Bad Gateway")
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		a.logger.Warn("agent failed to read origin response", "error", err)
		return wire.NewResponse(http.StatusBadGateway, "502 Bad Gateway")
	}

	header := make(wire.Header, 0, len(httpResp.Header))
	for name, values := range httpResp.Header {
		for _, v := range values {
			header = append(header, wire.Field{Name: name, Value: v})
		}
	}
	return &wire.Response{
		Proto:      "HTTP/1.1",
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       body,
	}
}
