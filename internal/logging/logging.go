// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package logging builds the process-wide slog.Logger shared by both
// binaries, configured from the conventional TUNNEL_LOG_LEVEL/LOG_LEVEL
// environment variables.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler logger writing to os.Stderr at the level named
// by TUNNEL_LOG_LEVEL, falling back to LOG_LEVEL, then "info".
func New() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromEnv(),
	}))
}

func levelFromEnv() slog.Level {
	name := os.Getenv("TUNNEL_LOG_LEVEL")
	if name == "" {
		name = os.Getenv("LOG_LEVEL")
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
