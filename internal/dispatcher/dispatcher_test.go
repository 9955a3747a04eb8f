// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package dispatcher

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/scratchyone/tunnel-ly/internal/registry"
	"github.com/scratchyone/tunnel-ly/internal/wire"
)

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.RootDomain == "" {
		cfg.RootDomain = "rachel.test"
	}
	cfg.Logger = logger

	reg := registry.New(logger, cfg.RootDomain)
	go reg.Run(ctx)

	return New(ctx, reg, cfg), reg
}

var idPattern = regexp.MustCompile(`^[a-z]{10}$`)

func TestStartAllocatesPhoneticID(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	id := rec.Body.String()
	if !idPattern.MatchString(id) {
		t.Errorf("body = %q, want 10 lowercase letters", id)
	}
}

// fakeAgent simulates an agent's control-stream behavior over a net.Pipe:
// it reads one request frame, and replies with a canned response.
func fakeAgent(t *testing.T, conn net.Conn, status int, body string) {
	t.Helper()
	r := bufio.NewReader(conn)
	if _, err := wire.ReadRequestFrame(r); err != nil {
		t.Errorf("fakeAgent: ReadRequestFrame: %v", err)
		return
	}
	resp := wire.NewResponse(status, body)
	if err := wire.WriteResponseFrame(conn, resp); err != nil {
		t.Errorf("fakeAgent: WriteResponseFrame: %v", err)
	}
}

func registerAndBind(t *testing.T, d *Dispatcher, reg *registry.Registry, id string) net.Conn {
	t.Helper()
	agentSide, serverSide := net.Pipe()
	t.Cleanup(func() { agentSide.Close() })
	reg.ForwardPrimaryStream(id, serverSide)
	return agentSide
}

func TestRoundTripThroughSession(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	startReq := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	startRec := httptest.NewRecorder()
	d.ServeHTTP(startRec, startReq)
	id := startRec.Body.String()

	agentSide := registerAndBind(t, d, reg, id)

	done := make(chan struct{})
	go func() {
		fakeAgent(t, agentSide, 200, "hello")
		close(done)
	}()

	req := httptest.NewRequest(http.MethodGet, "http://"+id+".rachel.test/path?q=1", nil)
	req.Header.Set("X-T", "1")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	<-done
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
}

func TestStartRateLimitExhaustedIs429(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{StartRateLimit: 0.0001, StartRateBurst: 1})

	first := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first /start status = %d, want 200", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	rec2 := httptest.NewRecorder()
	d.ServeHTTP(rec2, second)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second /start status = %d, want 429", rec2.Code)
	}
}

func TestUnknownHostIs404(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://nobody.rachel.test/", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAdminUnmatchedPathIs404(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://rachel.test/other", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSequentialOrderingPreserved(t *testing.T) {
	d, reg := newTestDispatcher(t, Config{})

	startReq := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	startRec := httptest.NewRecorder()
	d.ServeHTTP(startRec, startReq)
	id := startRec.Body.String()

	agentSide := registerAndBind(t, d, reg, id)

	var order []string
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		r := bufio.NewReader(agentSide)
		for i := 0; i < 2; i++ {
			req, err := wire.ReadRequestFrame(r)
			if err != nil {
				t.Errorf("ReadRequestFrame: %v", err)
				return
			}
			order = append(order, req.Target)
			if err := wire.WriteResponseFrame(agentSide, wire.NewResponse(200, req.Target)); err != nil {
				t.Errorf("WriteResponseFrame: %v", err)
				return
			}
		}
	}()

	respA := make(chan string, 1)
	respB := make(chan string, 1)

	go func() {
		req := httptest.NewRequest(http.MethodGet, "http://"+id+".rachel.test/a", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		respA <- rec.Body.String()
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "http://"+id+".rachel.test/b", nil)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, req)
		respB <- rec.Body.String()
	}()

	a := <-respA
	b := <-respB
	<-agentDone

	if a != "/a" || b != "/b" {
		t.Fatalf("responses = %q, %q, want /a, /b", a, b)
	}
	if len(order) != 2 || order[0] != "/a" || order[1] != "/b" {
		t.Fatalf("origin saw order %v, want [/a /b]", order)
	}
}

func TestDebugServicesReflectsRegistrations(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	startReq := httptest.NewRequest(http.MethodPost, "http://rachel.test/start", nil)
	startRec := httptest.NewRecorder()
	d.ServeHTTP(startRec, startReq)
	id := startRec.Body.String()

	req := httptest.NewRequest(http.MethodGet, "http://rachel.test/debug/services", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if want := `"` + id + `"`; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("body = %q, want to contain %q", rec.Body.String(), want)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://rachel.test/healthz", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
