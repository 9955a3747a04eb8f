// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package dispatcher implements the public HTTP surface: it classifies
// inbound requests by Host header into the admin API or a tenant request,
// and adapts between net/http and the session/registry actors.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/segmentio/encoding/json"
	"golang.org/x/time/rate"

	"github.com/scratchyone/tunnel-ly/internal/keygen"
	"github.com/scratchyone/tunnel-ly/internal/registry"
	"github.com/scratchyone/tunnel-ly/internal/session"
	"github.com/scratchyone/tunnel-ly/internal/wire"
)

// DefaultMaxRegistrationAttempts bounds how many ids /start generates and
// tries to register, the first attempt included, before giving up with a 500.
const DefaultMaxRegistrationAttempts = 8

// DefaultMaxRequestBodyBytes bounds how much of an inbound tenant request
// body the dispatcher will buffer before forwarding it in a single frame.
const DefaultMaxRequestBodyBytes = 64 << 20 // 64MiB

// Config configures a Dispatcher's admin behavior and the sessions it
// spawns.
type Config struct {
	RootDomain string

	// MaxRegistrationAttempts bounds the registration attempts /start makes,
	// the first one included. Zero means DefaultMaxRegistrationAttempts.
	MaxRegistrationAttempts int

	// SessionInboxCapacity is passed through to session.Options for every
	// session this dispatcher spawns. Zero means session.DefaultInboxCapacity.
	SessionInboxCapacity int

	// SessionRateLimit and SessionRateBurst configure the per-session
	// admission limiter. A zero SessionRateLimit disables rate limiting
	// (only the inbox capacity bounds admission).
	SessionRateLimit rate.Limit
	SessionRateBurst int

	// StartRateLimit and StartRateBurst bound how often /start may mint a
	// new id, blunting brute-force scans of the registration endpoint. A
	// zero StartRateLimit disables it.
	StartRateLimit rate.Limit
	StartRateBurst int

	// MaxResponseBytes bounds the response frame length a session will
	// accept from its agent. Zero means wire.DefaultMaxResponseBytes.
	MaxResponseBytes int64

	// MaxRequestBodyBytes bounds how much of a tenant request body is
	// buffered before forwarding. Zero means DefaultMaxRequestBodyBytes.
	MaxRequestBodyBytes int64

	// RequestTimeout bounds how long the dispatcher waits for a session to
	// reply to a forwarded tenant request before synthesizing a 504 and
	// returning control to the caller. Zero disables the timeout.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Dispatcher is an http.Handler implementing the admin and tenant request
// surfaces described by the system's external interface.
type Dispatcher struct {
	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger

	// sessionCtx is the parent context for every session this dispatcher
	// spawns. It outlives any individual HTTP request: a session must keep
	// running after the /start call that created it returns.
	sessionCtx context.Context

	startLimiter *rate.Limiter
}

// New creates a Dispatcher that registers sessions against reg and runs
// them under sessionCtx, which should be canceled only at process shutdown.
func New(sessionCtx context.Context, reg *registry.Registry, cfg Config) *Dispatcher {
	if cfg.MaxRegistrationAttempts <= 0 {
		cfg.MaxRegistrationAttempts = DefaultMaxRegistrationAttempts
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var startLimiter *rate.Limiter
	if cfg.StartRateLimit > 0 {
		burst := cfg.StartRateBurst
		if burst <= 0 {
			burst = 1
		}
		startLimiter = rate.NewLimiter(cfg.StartRateLimit, burst)
	}
	return &Dispatcher{
		reg:          reg,
		cfg:          cfg,
		logger:       cfg.Logger,
		sessionCtx:   sessionCtx,
		startLimiter: startLimiter,
	}
}

// ServeHTTP classifies r by Host header and routes it to the admin surface
// or a tenant session, per the system's external interface table.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostWithoutPort(r.Host)
	if host == d.cfg.RootDomain {
		d.serveAdmin(w, r)
		return
	}
	d.serveTenant(w, r, host)
}

func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func (d *Dispatcher) serveAdmin(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/start":
		d.handleStart(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/debug/services":
		d.handleDebugServices(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		d.handleHealthz(w, r)
	default:
		http.Error(w, "404 page not found", http.StatusNotFound)
	}
}

// handleStart allocates a fresh service id, spawns its session, and
// registers it, retrying on id collision for at most MaxRegistrationAttempts
// attempts in all. The session is registered before this handler returns the id to
// the caller, so a registration race can never let an agent connect to a
// rendezvous stream the registry doesn't know about yet.
func (d *Dispatcher) handleStart(w http.ResponseWriter, r *http.Request) {
	if d.startLimiter != nil && !d.startLimiter.Allow() {
		http.Error(w, "429 Too Many Requests", http.StatusTooManyRequests)
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRegistrationAttempts; attempt++ {
		id := keygen.New()

		limiter := d.newSessionLimiter()
		sess := session.New(id, d.unregisterFunc(), session.Options{
			InboxCapacity:    d.cfg.SessionInboxCapacity,
			AdmissionLimiter: limiter,
			MaxResponseBytes: d.cfg.MaxResponseBytes,
			Logger:           d.logger,
		})

		err := d.reg.Register(r.Context(), id, sess.Inbox())
		if err == nil {
			go sess.Run(d.sessionCtx)
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, id)
			return
		}
		if err == registry.ErrDuplicateID {
			lastErr = err
			continue
		}
		d.logger.Warn("dispatcher failed to register session", "error", err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	d.logger.Warn("dispatcher exhausted id-collision retries", "attempts", d.cfg.MaxRegistrationAttempts, "error", lastErr)
	http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
}

func (d *Dispatcher) unregisterFunc() session.UnregisterFunc {
	return d.reg.Unregister
}

func (d *Dispatcher) newSessionLimiter() *rate.Limiter {
	if d.cfg.SessionRateLimit <= 0 {
		return nil
	}
	burst := d.cfg.SessionRateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(d.cfg.SessionRateLimit, burst)
}

type debugServicesResponse struct {
	Services []string `json:"services"`
}

func (d *Dispatcher) handleDebugServices(w http.ResponseWriter, r *http.Request) {
	ids, err := d.reg.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, debugServicesResponse{Services: ids})
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (d *Dispatcher) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("dispatcher failed to encode JSON response", "error", err)
	}
}

// serveTenant builds a request envelope for host's session, forwards it
// through the registry, and copies the resulting response back to w. If
// RequestTimeout is configured and elapses first, the caller gets a
// synthetic 504 while the envelope's single-producer, capacity-1 mailbox
// absorbs the session's eventual real reply as a no-op.
func (d *Dispatcher) serveTenant(w http.ResponseWriter, r *http.Request, host string) {
	req, err := toWireRequest(r, d.cfg.MaxRequestBodyBytes)
	if err != nil {
		http.Error(w, "400 Bad Request", http.StatusBadRequest)
		return
	}
	// The service id is resolved from this Host header by the registry; the
	// dispatcher only needs to have normalized away the port above.
	req.Header = prependHost(req.Header, host)

	env := &registry.Envelope{
		Request: req,
		RespCh:  make(chan *wire.Response, 1),
	}
	d.reg.ForwardRequest(env)

	if d.cfg.RequestTimeout <= 0 {
		writeWireResponse(w, <-env.RespCh)
		return
	}

	select {
	case resp := <-env.RespCh:
		writeWireResponse(w, resp)
	case <-time.After(d.cfg.RequestTimeout):
		d.logger.Warn("dispatcher timed out waiting for session response", "host", host)
		writeWireResponse(w, wire.NewResponse(http.StatusGatewayTimeout, "504 Gateway Timeout"))
	}
}

func prependHost(h wire.Header, host string) wire.Header {
	out := make(wire.Header, 0, len(h)+1)
	out = append(out, wire.Field{Name: "Host", Value: host})
	out = append(out, h...)
	return out
}

func toWireRequest(r *http.Request, maxBody int64) (*wire.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBody {
		return nil, errRequestBodyTooLarge
	}

	header := make(wire.Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			header = append(header, wire.Field{Name: name, Value: v})
		}
	}

	target := r.URL.RequestURI()
	return &wire.Request{
		Method: r.Method,
		Target: target,
		Proto:  "HTTP/1.1",
		Header: header,
		Body:   body,
	}, nil
}

var errRequestBodyTooLarge = errors.New("request body exceeds configured maximum size")

func writeWireResponse(w http.ResponseWriter, resp *wire.Response) {
	header := w.Header()
	for _, f := range resp.Header {
		header.Add(f.Name, f.Value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
