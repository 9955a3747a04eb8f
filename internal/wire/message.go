// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the control-stream wire format: an HTTP/1.1
// message model that preserves header order exactly, and the request and
// response framings carried over a session's control stream.
package wire

import (
	"bytes"
	"fmt"
	"net/http"
)

// Field is a single header line, kept in the order it was parsed or
// appended. Unlike net/http.Header, Field preserves duplicate headers and
// emits names exactly as stored, with no canonicalization.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Iterating it yields fields in
// wire order, which is required by the response and request serializers.
type Header []Field

// Get returns the value of the first field matching name case-insensitively,
// and whether it was found.
func (h Header) Get(name string) (string, bool) {
	for _, f := range h {
		if asciiEqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Add appends a field, preserving any existing fields with the same name.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is an HTTP/1.1 request in the form carried over the control
// stream: method, request target, protocol version, ordered headers, and a
// body. Bodies containing a NUL byte corrupt the request frame (see
// WriteRequestFrame) and are the caller's responsibility to avoid.
type Request struct {
	Method string
	Target string
	Proto  string // "HTTP/1.1" or "HTTP/1.0"
	Header Header
	Body   []byte
}

// Response is an HTTP/1.1 response in the form carried over the control
// stream.
type Response struct {
	Proto      string
	StatusCode int
	Header     Header
	Body       []byte
}

// NewResponse builds a synthetic Response with the canonical reason phrase
// implied by StatusCode, a single "Content-Type: text/plain; charset=utf-8"
// header, and body as its plaintext content. Session and dispatcher code use this to manufacture the error
// responses required by the exactly-one-response invariant.
func NewResponse(statusCode int, body string) *Response {
	return &Response{
		Proto:      "HTTP/1.1",
		StatusCode: statusCode,
		Header:     Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		Body:       []byte(body),
	}
}

// Encode serializes the request in canonical wire form: request line,
// headers in iteration order each as "Name: Value\r\n", a blank line, then
// the body. Header names are emitted exactly as stored.
func (r *Request) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.Target, r.Proto)
	for _, f := range r.Header {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.Name, f.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// Encode serializes the response in canonical wire form, using the
// canonical reason phrase for StatusCode regardless of what reason phrase
// (if any) the response was originally parsed with.
func (r *Response) Encode() []byte {
	var buf bytes.Buffer
	reason := http.StatusText(r.StatusCode)
	fmt.Fprintf(&buf, "%s %d %s\r\n", r.Proto, r.StatusCode, reason)
	for _, f := range r.Header {
		fmt.Fprintf(&buf, "%s: %s\r\n", f.Name, f.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// protoFromVersion maps an HTTP version token from a request/status line to
// its canonical form. Per spec, "HTTP/1.1" maps to 1.1; anything else maps
// to 1.0.
func protoFromVersion(tok string) string {
	if tok == "HTTP/1.1" {
		return "HTTP/1.1"
	}
	return "HTTP/1.0"
}
