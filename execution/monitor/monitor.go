// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor drives one execution unit to a terminal state by
// polling its backend with exponential backoff.
//
// Each tick asks the backend whether the unit has finished. While it
// has not, new bytes appended to the followed output files are
// forwarded to the caller. A tick that forwarded output polls again
// immediately and resets the backoff period; a quiet tick sleeps for
// the current period and then grows it by Multiplier up to MaxPeriod.
// Polling is fast while a run is producing output and backs off once
// it goes quiet.
//
// Cancelling the context abandons monitoring. The unit keeps running;
// stopping it is the caller's job (Runtime.Kill).
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/bundleworker/execution"
	"github.com/bureau-foundation/bundleworker/lib/clock"
)

// Defaults applied to zero-valued Monitor fields.
const (
	DefaultInitialPeriod = time.Second
	DefaultMultiplier    = 1.1
	DefaultMaxPeriod     = time.Minute
)

// maxChunk bounds a single OnOutput call.
const maxChunk = 1 << 20

// Monitor polls one execution unit. The zero value is usable: it polls
// with the default backoff on the real clock and follows nothing.
type Monitor struct {
	Clock clock.Clock

	InitialPeriod time.Duration
	Multiplier    float64
	MaxPeriod     time.Duration

	// WorkingDir is the run directory on the worker host. Follow names
	// are relative to it.
	WorkingDir string
	Follow     []string

	// OnOutput receives newly appended bytes of a followed file. Called
	// from the Wait goroutine.
	OnOutput func(name string, data []byte)

	// OnState receives every observed state change, ending with
	// StateFinished or StateLost.
	OnState func(state execution.State)

	Logger *slog.Logger
}

// Wait polls until the unit reaches a terminal state and returns the
// terminal completion. The only error is the context's.
func (m *Monitor) Wait(ctx context.Context, runtime execution.Runtime, handle execution.Handle) (execution.Completion, error) {
	clk := m.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial, multiplier, maxPeriod := m.backoff()

	tail := newTailer(m.WorkingDir, m.Follow, m.OnOutput, logger)
	state := execution.StateCreated
	report := func(next execution.State) {
		if next == state {
			return
		}
		logger.Debug("execution state changed", "unit", handle.String(), "from", state.String(), "to", next.String())
		state = next
		if m.OnState != nil {
			m.OnState(next)
		}
	}

	period := initial
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return execution.Completion{}, err
		}

		completion, err := runtime.CheckFinished(ctx, handle)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return execution.Completion{}, ctxErr
			}
			failures++
			// Every failed check is retried; the unit's state is
			// unknown, not terminal.
			level := slog.LevelWarn
			if !errors.Is(err, execution.ErrBackendUnreachable) {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "checking execution state failed, retrying",
				"unit", handle.String(), "attempt", failures, "retry_in", period, "error", err)
			completion = execution.Completion{}
		} else {
			failures = 0
		}

		if completion.Terminal() {
			tail.poll()
			report(completion.State(true))
			return completion, nil
		}

		if err == nil && state == execution.StateCreated {
			inspection, inspectErr := runtime.Inspect(ctx, handle)
			if inspectErr == nil && inspection.State == execution.StateRunning {
				report(execution.StateRunning)
			}
		}

		if tail.poll() {
			period = initial
			continue
		}

		select {
		case <-ctx.Done():
			return execution.Completion{}, ctx.Err()
		case <-clk.After(period):
		}
		period = nextPeriod(period, multiplier, maxPeriod)
	}
}

func (m *Monitor) backoff() (initial time.Duration, multiplier float64, maxPeriod time.Duration) {
	initial, multiplier, maxPeriod = m.InitialPeriod, m.Multiplier, m.MaxPeriod
	if initial <= 0 {
		initial = DefaultInitialPeriod
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	if maxPeriod <= 0 {
		maxPeriod = DefaultMaxPeriod
	}
	if maxPeriod < initial {
		maxPeriod = initial
	}
	return initial, multiplier, maxPeriod
}

func nextPeriod(period time.Duration, multiplier float64, maxPeriod time.Duration) time.Duration {
	next := time.Duration(float64(period) * multiplier)
	if next > maxPeriod {
		return maxPeriod
	}
	return next
}

// tailer forwards bytes appended to followed files since the previous
// poll.
type tailer struct {
	dir      string
	names    []string
	offsets  map[string]int64
	onOutput func(name string, data []byte)
	logger   *slog.Logger
}

func newTailer(dir string, names []string, onOutput func(string, []byte), logger *slog.Logger) *tailer {
	return &tailer{
		dir:      dir,
		names:    names,
		offsets:  make(map[string]int64, len(names)),
		onOutput: onOutput,
		logger:   logger,
	}
}

// poll reads every followed file from its last offset and reports
// whether any new bytes were forwarded.
func (t *tailer) poll() bool {
	if t.onOutput == nil || t.dir == "" {
		return false
	}
	produced := false
	for _, name := range t.names {
		advanced, err := t.readFile(name)
		if err != nil {
			t.logger.Warn("reading followed file", "file", name, "error", err)
		}
		produced = produced || advanced
	}
	return produced
}

func (t *tailer) readFile(name string) (bool, error) {
	file, err := os.Open(filepath.Join(t.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The command has not created it yet.
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	offset := t.offsets[name]
	info, err := file.Stat()
	if err != nil {
		return false, err
	}
	size := info.Size()
	if size < offset {
		return false, fmt.Errorf("%s shrank from %d to %d bytes", name, offset, size)
	}

	advanced := false
	for offset < size {
		chunk := make([]byte, min(size-offset, maxChunk))
		count, err := file.ReadAt(chunk, offset)
		if count > 0 {
			t.onOutput(name, chunk[:count])
			offset += int64(count)
			t.offsets[name] = offset
			advanced = true
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return advanced, err
		}
		if count == 0 {
			break
		}
	}
	return advanced, nil
}
