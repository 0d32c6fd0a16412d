// Copyright 2025 Author(s) of MCP Gateway
// SPDX-License-Identifier: Apache-2.0

// Package logging provides logging utilities for the gateway.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.Mutex
	once          sync.Once
	defaultLogger *slog.Logger
)

// ForTestsOnlyResetLogger resets the `sync.Once` mechanism so the global
// logger can be re-initialized across test cases. Not for production code.
func ForTestsOnlyResetLogger() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	defaultLogger = nil
}

// Init initializes the gateway's global logger with a specific log level and
// output destination. Designed to be called once, at process start.
//
// Parameters:
//   - level: the minimum log level to be recorded (e.g., `slog.LevelInfo`).
//   - output: the `io.Writer` log entries are written to.
//   - format: optional format string ("json" or "text"). Defaults to "text".
func Init(level slog.Level, output io.Writer, format ...string) {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		fmtStr := "text"
		if len(format) > 0 {
			fmtStr = format[0]
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}

		var handler slog.Handler
		if fmtStr == "json" {
			handler = slog.NewJSONHandler(output, opts)
		} else {
			handler = slog.NewTextHandler(output, opts)
		}

		defaultLogger = slog.New(handler)
	})
}

// Default returns the shared global logger instance. If the logger has not
// been initialized through `Init`, it falls back to a text handler on
// `os.Stderr` at `slog.LevelInfo`.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {
		defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	})
	return defaultLogger
}

// ParseLevel converts a configuration log level string to a slog.Level.
// Unknown values default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
