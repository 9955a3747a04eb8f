// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the per-agent session actor: the two-phase
// state machine that owns one agent's control stream and serializes its
// request/response turns.
package session

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/scratchyone/tunnel-ly/internal/registry"
	"github.com/scratchyone/tunnel-ly/internal/wire"
	"golang.org/x/time/rate"
)

// UnregisterFunc is called exactly once, when the session exits, so its
// caller (the dispatcher's registration path) never has to poll for
// session death to know when to forget an id.
type UnregisterFunc func(id string)

// Options configures optional behavior of a Session beyond the mandatory
// two-phase protocol.
type Options struct {
	// InboxCapacity bounds how many messages may sit in the session's
	// mailbox at once. A full mailbox reports registry.Overloaded to the
	// registry's forwarding attempt, which synthesizes a 503, implementing
	// the bounded back-pressure the tunnel protocol spec recommends. Zero means
	// DefaultInboxCapacity.
	InboxCapacity int

	// AdmissionLimiter, if non-nil, additionally gates how many
	// ServeRequestMsg messages per second may be admitted, independent of
	// InboxCapacity. A nil limiter imposes no rate limit.
	AdmissionLimiter *rate.Limiter

	// MaxResponseBytes bounds the length prefix this session will accept
	// from the agent on a response frame. Zero means
	// wire.DefaultMaxResponseBytes.
	MaxResponseBytes int64

	Logger *slog.Logger
}

// DefaultInboxCapacity is the default bound on a session's mailbox depth.
const DefaultInboxCapacity = 32

// Session is one agent's server-side actor: it owns a control stream
// exclusively, and serves ServeRequestMsg messages from its inbox strictly
// in arrival order. The zero value is not usable; construct one with New.
type Session struct {
	id         string
	inbox      chan registry.SessionMessage
	unregister UnregisterFunc
	logger     *slog.Logger
	limiter    *rate.Limiter
	maxResp    int64

	// mu guards closed and serializes it against every send onto inbox, so
	// that finish can only ever observe an inbox drain runs after the last
	// accepted send, never racing a TryEnqueue that is still in flight.
	mu     sync.Mutex
	closed bool
}

// New creates a Session registered under id. unregister is invoked exactly
// once, when the session's Run loop exits for any reason.
func New(id string, unregister UnregisterFunc, opts Options) *Session {
	capacity := opts.InboxCapacity
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	maxResp := opts.MaxResponseBytes
	if maxResp <= 0 {
		maxResp = wire.DefaultMaxResponseBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:         id,
		inbox:      make(chan registry.SessionMessage, capacity),
		unregister: unregister,
		logger:     logger.With("service_id", id),
		limiter:    opts.AdmissionLimiter,
		maxResp:    maxResp,
	}
}

// Inbox returns the Inbox the registry should hold for this session.
func (s *Session) Inbox() registry.Inbox {
	return s
}

// TryEnqueue implements registry.Inbox. It never blocks: it reports Closed
// once the session has exited, Overloaded once the admission limiter or the
// bounded mailbox rejects the message, and Enqueued otherwise.
//
// The closed check and the inbox send happen under mu, the same lock finish
// takes to mark the session closed before draining. That ordering is what
// makes the drain complete: any send this method accepts happened-before
// finish observed closed, so it happened-before drain ran, so drain is
// guaranteed to see it sitting in the channel.
func (s *Session) TryEnqueue(msg registry.SessionMessage) registry.EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return registry.Closed
	}
	if _, isRequest := msg.(registry.ServeRequestMsg); isRequest && s.limiter != nil && !s.limiter.Allow() {
		return registry.Overloaded
	}
	select {
	case s.inbox <- msg:
		return registry.Enqueued
	default:
		return registry.Overloaded
	}
}

// Run executes the session's two-phase state machine until the control
// stream errors, ctx is canceled, or a malformed frame is decoded. It
// always calls unregister exactly once before returning, and drains any
// messages left in the mailbox so every envelope still gets its one
// required response even if it arrived after the session started exiting.
func (s *Session) Run(ctx context.Context) {
	defer s.finish()

	conn, ok := s.awaitStream(ctx)
	if !ok {
		return
	}
	s.serve(ctx, conn)
}

// finish marks the session closed to new enqueues, notifies the registry,
// and replies to anything still sitting in the mailbox. Closing happens
// under the same lock TryEnqueue holds across its check-then-send, so no
// send can land on the inbox after drain has looked at it.
func (s *Session) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.unregister(s.id)
	s.drain()
}

func (s *Session) drain() {
	for {
		select {
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case registry.ServeRequestMsg:
				m.Env.Reply(wire.NewResponse(502, "502 Bad Gateway"))
			case registry.BindStreamMsg:
				m.Conn.Close()
			}
		default:
			return
		}
	}
}

// awaitStream implements Phase 1: it blocks for the first BindStreamMsg,
// while synthesizing a 502 for any ServeRequestMsg that arrives first. The
// original implementation silently dropped such messages; the
// exactly-one-response invariant requires the synthetic reply instead.
func (s *Session) awaitStream(ctx context.Context) (net.Conn, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case registry.BindStreamMsg:
				s.logger.Debug("session bound control stream")
				return m.Conn, true
			case registry.ServeRequestMsg:
				s.logger.Debug("session rejecting request received before stream bound")
				m.Env.Reply(wire.NewResponse(502, "502 Bad Gateway"))
			}
		}
	}
}

// serve implements Phase 2: it serves ServeRequestMsg messages strictly in
// receipt order, one full request/response turn at a time. A further
// BindStreamMsg while already bound is treated as a reconnect attempt: the
// new stream is closed and the existing one kept, preserving the
// single-owner-per-stream invariant rather than racing the two streams.
func (s *Session) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			switch m := msg.(type) {
			case registry.BindStreamMsg:
				s.logger.Warn("session rejecting reconnect attempt while already bound")
				m.Conn.Close()
			case registry.ServeRequestMsg:
				if err := s.serveOne(conn, r, m.Env); err != nil {
					s.logger.Warn("session terminating after control stream error", "error", err)
					return
				}
			}
		}
	}
}

// serveOne performs exactly one request/response turn: write the request
// frame, read the response frame, and reply on env's mailbox. A non-nil
// error means the control stream is no longer usable and the session must
// terminate; serveOne has already replied to env in that case.
func (s *Session) serveOne(conn net.Conn, r *bufio.Reader, env *registry.Envelope) error {
	if err := wire.WriteRequestFrame(conn, env.Request); err != nil {
		env.Reply(wire.NewResponse(502, "502 Bad Gateway"))
		return err
	}

	resp, err := wire.ReadResponseFrame(r, s.maxResp)
	if err != nil {
		env.Reply(wire.NewResponse(502, "502 Bad Gateway"))
		return err
	}

	env.Reply(resp)
	return nil
}
