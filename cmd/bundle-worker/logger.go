// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger writes text records when stderr is a terminal and JSON
// records otherwise. BUNDLE_WORKER_DEBUG=1 lowers the level to debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("BUNDLE_WORKER_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return newLoggerTo(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

func newLoggerTo(w io.Writer, terminal bool, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if terminal {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
