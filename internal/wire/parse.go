// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedHead is returned when a request or response head cannot be
// parsed as HTTP/1.1.
type ErrMalformedHead struct {
	Reason string
}

func (e *ErrMalformedHead) Error() string {
	return fmt.Sprintf("malformed HTTP head: %s", e.Reason)
}

// parseHead reads a start line followed by header lines terminated by a
// blank line from data, using a buffered reader so the head is never parsed
// one byte at a time. It returns the start line, the headers in the order
// they appeared, and the number of bytes consumed by the head (so the
// remainder of data can be taken verbatim as the body).
func parseHead(data []byte) (startLine string, headers Header, consumed int, err error) {
	br := bytes.NewReader(data)
	r := bufio.NewReader(br)

	line, err := readCRLFLine(r)
	if err != nil {
		return "", nil, 0, &ErrMalformedHead{Reason: "missing start line"}
	}
	startLine = line

	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return "", nil, 0, &ErrMalformedHead{Reason: "unterminated headers"}
		}
		if line == "" {
			break
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			return "", nil, 0, &ErrMalformedHead{Reason: "malformed header line: " + line}
		}
		headers = append(headers, Field{Name: name, Value: value})
	}

	consumed = len(data) - br.Len() - r.Buffered()
	return startLine, headers, consumed, nil
}

// readCRLFLine reads one line terminated by "\r\n" (the "\r\n" is
// stripped). A line terminated by a bare "\n" is also accepted for
// leniency, matching the tolerance of most HTTP/1.1 parsers.
func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = line[:i]
	value = strings.TrimSpace(line[i+1:])
	return name, value, true
}

// ParseRequest parses an HTTP/1.1 request head from data and takes the
// remainder verbatim as the body.
func ParseRequest(data []byte) (*Request, error) {
	startLine, headers, consumed, err := parseHead(data)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return nil, &ErrMalformedHead{Reason: "malformed request line: " + startLine}
	}
	return &Request{
		Method: parts[0],
		Target: parts[1],
		Proto:  protoFromVersion(parts[2]),
		Header: headers,
		Body:   data[consumed:],
	}, nil
}

// ParseResponse parses an HTTP/1.1 response head from data and takes the
// remainder verbatim as the body.
func ParseResponse(data []byte) (*Response, error) {
	startLine, headers, consumed, err := parseHead(data)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) < 2 {
		return nil, &ErrMalformedHead{Reason: "malformed status line: " + startLine}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, &ErrMalformedHead{Reason: "malformed status code: " + parts[1]}
	}
	return &Response{
		Proto:      protoFromVersion(parts[0]),
		StatusCode: code,
		Header:     headers,
		Body:       data[consumed:],
	}, nil
}
