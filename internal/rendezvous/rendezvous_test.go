// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu       sync.Mutex
	forwards map[string]net.Conn
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{forwards: make(map[string]net.Conn)}
}

func (f *fakeRegistry) ForwardPrimaryStream(id string, conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards[id] = conn
}

func (f *fakeRegistry) get(id string) (net.Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.forwards[id]
	return c, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandshakeForwardsServiceID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	reg := newFakeRegistry()
	l := New(reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("bakadoduri\x00")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.get("bakadoduri"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for handshake to forward")
}

func TestHandshakePreservesBytesAfterSentinel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	reg := newFakeRegistry()
	l := New(reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Write the handshake and trailing payload in one write, so a
	// bufio.Reader consuming the handshake is likely to also buffer some
	// of what follows.
	if _, err := conn.Write([]byte("bakadoduri\x00payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var forwarded net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := reg.get("bakadoduri"); ok {
			forwarded = c
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if forwarded == nil {
		t.Fatal("timed out waiting for handshake to forward")
	}

	buf := make([]byte, len("payload"))
	forwarded.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(forwarded, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "payload" {
		t.Errorf("got %q, want %q", buf, "payload")
	}
}

func TestEarlyConnectionClosesDoNotStopLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	reg := newFakeRegistry()
	l := New(reg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, ln)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		conn.Write([]byte("id\x00"))
		conn.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.get("id"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener stopped accepting after early connection closes")
}
