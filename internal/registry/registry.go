// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package registry implements the service registry: the single-consumer
// actor that maps a service id to its session's mailbox, and serializes
// register/forward/unregister operations through that mailbox rather than
// through a locked map.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/scratchyone/tunnel-ly/internal/wire"
)

// Envelope bundles an inbound HTTP request with its single-use response
// mailbox. The dispatcher creates one per request; the session that serves
// it sends exactly one *wire.Response on RespCh.
type Envelope struct {
	Request *wire.Request

	// RespCh is a single-producer, single-consumer, capacity-1 channel: the
	// session (or the registry itself, for requests that never reach a
	// session) sends exactly one response, and the dispatcher receives it.
	RespCh chan *wire.Response
}

// Reply sends resp on the envelope's mailbox. It must be called exactly
// once per envelope, per the exactly-one-response invariant.
func (e *Envelope) Reply(resp *wire.Response) {
	e.RespCh <- resp
}

// SessionMessage is the tagged-variant mailbox payload a session actor
// consumes. It has exactly two arms: bind the control stream, or serve one
// request on it.
type SessionMessage interface {
	isSessionMessage()
}

// BindStreamMsg hands a newly-accepted control stream to a session.
type BindStreamMsg struct {
	Conn net.Conn
}

func (BindStreamMsg) isSessionMessage() {}

// ServeRequestMsg asks a session to serve one request envelope.
type ServeRequestMsg struct {
	Env *Envelope
}

func (ServeRequestMsg) isSessionMessage() {}

// EnqueueResult reports how a TryEnqueue call was handled.
type EnqueueResult int

const (
	// Enqueued means the message was accepted onto the session's mailbox.
	Enqueued EnqueueResult = iota
	// Closed means the session has exited; the registry must synthesize a
	// 502 Bad Gateway and must not retain a reference to this inbox.
	Closed
	// Overloaded means the session is alive but its bounded mailbox is
	// full or its admission limiter has no tokens; the registry
	// synthesizes a 503 Service Unavailable rather than blocking the
	// registry on a session that can't keep up.
	Overloaded
)

// Inbox is the sending half of a session's mailbox, as held by the
// registry. The registry never reads a session's messages directly and
// never inspects the session behind an Inbox; it only ever calls
// TryEnqueue, which must not block.
type Inbox interface {
	TryEnqueue(msg SessionMessage) EnqueueResult
}

// ErrDuplicateID is returned by Register when service_id is already
// present in the registry.
var ErrDuplicateID = errors.New("registry: duplicate service id")

// message is the registry's own internal tagged variant, processed strictly
// in mailbox-arrival order by the single goroutine run by Run.
type message interface {
	isRegistryMessage()
}

type registerMsg struct {
	id     string
	inbox  Inbox
	result chan<- error
}

func (registerMsg) isRegistryMessage() {}

type forwardRequestMsg struct {
	env *Envelope
}

func (forwardRequestMsg) isRegistryMessage() {}

type forwardStreamMsg struct {
	id   string
	conn net.Conn
}

func (forwardStreamMsg) isRegistryMessage() {}

type unregisterMsg struct {
	id string
}

func (unregisterMsg) isRegistryMessage() {}

type snapshotMsg struct {
	result chan<- []string
}

func (snapshotMsg) isRegistryMessage() {}

// Registry is the service registry actor. The zero value is not usable;
// construct one with New.
type Registry struct {
	mailbox    chan message
	logger     *slog.Logger
	rootDomain string
}

// New creates a Registry that resolves tenant requests against rootDomain.
// Call Run in its own goroutine to start the actor before using any of the
// Registry methods.
func New(logger *slog.Logger, rootDomain string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		mailbox:    make(chan message, 64),
		logger:     logger,
		rootDomain: rootDomain,
	}
}

// Run drains the registry's mailbox until ctx is canceled. It owns the
// service map exclusively: no other goroutine ever reads or writes it.
func (r *Registry) Run(ctx context.Context) {
	services := make(map[string]Inbox)
	r.logger.Debug("registry started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("registry stopping")
			return
		case msg := <-r.mailbox:
			r.handle(services, msg)
		}
	}
}

func (r *Registry) handle(services map[string]Inbox, msg message) {
	switch m := msg.(type) {
	case registerMsg:
		if _, exists := services[m.id]; exists {
			m.result <- ErrDuplicateID
			return
		}
		services[m.id] = m.inbox
		r.logger.Debug("registry registered service", "service_id", m.id)
		m.result <- nil

	case forwardRequestMsg:
		id, ok := r.resolveServiceID(m.env.Request)
		if !ok {
			m.env.Reply(wire.NewResponse(400, "400 Bad Request"))
			return
		}
		inbox, ok := services[id]
		if !ok {
			r.logger.Warn("registry could not find service", "service_id", id)
			m.env.Reply(wire.NewResponse(404, "404 Service Not Found"))
			return
		}
		switch inbox.TryEnqueue(ServeRequestMsg{Env: m.env}) {
		case Enqueued:
			r.logger.Debug("registry forwarded request", "service_id", id)
		case Overloaded:
			r.logger.Warn("registry backed off request, session inbox overloaded", "service_id", id)
			m.env.Reply(wire.NewResponse(503, "503 Service Unavailable"))
		case Closed:
			r.logger.Warn("registry failed to forward request, session inbox closed", "service_id", id)
			delete(services, id)
			m.env.Reply(wire.NewResponse(502, "502 Bad Gateway"))
		}

	case forwardStreamMsg:
		inbox, ok := services[m.id]
		if !ok {
			r.logger.Warn("registry could not find service for primary stream", "service_id", m.id)
			m.conn.Close()
			return
		}
		switch inbox.TryEnqueue(BindStreamMsg{Conn: m.conn}) {
		case Enqueued:
			r.logger.Debug("registry forwarded primary stream", "service_id", m.id)
		case Overloaded:
			r.logger.Warn("registry dropped primary stream, session inbox overloaded", "service_id", m.id)
			m.conn.Close()
		case Closed:
			r.logger.Warn("registry dropped primary stream, session already closed", "service_id", m.id)
			delete(services, m.id)
			m.conn.Close()
		}

	case unregisterMsg:
		delete(services, m.id)
		r.logger.Debug("registry unregistered service", "service_id", m.id)

	case snapshotMsg:
		ids := make([]string, 0, len(services))
		for id := range services {
			ids = append(ids, id)
		}
		m.result <- ids
	}
}

// resolveServiceID extracts the target service_id from req's Host header:
// the trailing ".<root domain>" suffix is stripped if present, otherwise the
// raw Host value is used as-is. A missing or non-UTF-8 Host header is
// rejected.
func (r *Registry) resolveServiceID(req *wire.Request) (string, bool) {
	host, ok := req.Header.Get("Host")
	if !ok || host == "" {
		r.logger.Warn("registry could not find host header")
		return "", false
	}
	if !utf8.ValidString(host) {
		r.logger.Warn("registry could not parse host header as utf-8")
		return "", false
	}
	suffix := "." + r.rootDomain
	if id, found := strings.CutSuffix(host, suffix); found {
		return id, true
	}
	return host, true
}

// Register inserts a new service_id → session inbox mapping. It returns
// ErrDuplicateID if the id is already present.
func (r *Registry) Register(ctx context.Context, id string, inbox Inbox) error {
	result := make(chan error, 1)
	select {
	case r.mailbox <- registerMsg{id: id, inbox: inbox, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForwardRequest resolves env's target service id and enqueues it onto that
// session's inbox, or completes env's response mailbox with a synthetic
// error response if no such session exists or its inbox is unavailable.
func (r *Registry) ForwardRequest(env *Envelope) {
	r.mailbox <- forwardRequestMsg{env: env}
}

// ForwardPrimaryStream hands conn to the session registered under id. If no
// such session exists, conn is closed and dropped.
func (r *Registry) ForwardPrimaryStream(id string, conn net.Conn) {
	r.mailbox <- forwardStreamMsg{id: id, conn: conn}
}

// Unregister removes id from the registry. It is idempotent.
func (r *Registry) Unregister(id string) {
	r.mailbox <- unregisterMsg{id: id}
}

// Snapshot returns the service ids currently registered, as of whenever
// this message is processed in mailbox order. It backs the /debug/services
// admin endpoint.
func (r *Registry) Snapshot(ctx context.Context) ([]string, error) {
	result := make(chan []string, 1)
	select {
	case r.mailbox <- snapshotMsg{result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ids := <-result:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
