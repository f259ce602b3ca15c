// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executiontest provides a scripted in-memory execution.Runtime
// for tests of code that drives backends (the monitor and the worker).
package executiontest

import (
	"context"
	"fmt"
	"sync"

	"github.com/bureau-foundation/bundleworker/execution"
)

// Check is one scripted CheckFinished answer.
type Check struct {
	Completion execution.Completion
	Err        error
}

// Runtime is a fake execution.Runtime. CheckFinished walks Script one
// entry per call and repeats the last entry once the script is
// exhausted; an empty script reports "running" forever. A killed unit
// reports exit code 137 regardless of the script.
//
// Fields must be set before the Runtime is shared with other
// goroutines. Recorded calls are read through the accessor methods.
type Runtime struct {
	// BackendName is returned by Name. Defaults to "fake".
	BackendName string

	Caps execution.Capabilities

	// StartErr, when non-nil, is returned by Start and no unit is
	// recorded.
	StartErr error

	Script []Check

	// BeforeCheck runs at the start of every CheckFinished call with
	// the zero-based call number. Tests use it to append output files
	// between ticks.
	BeforeCheck func(call int)

	Devices map[int]string

	mu      sync.Mutex
	started []execution.StartOptions
	checks  int
	killed  []execution.Handle
	removed []execution.Handle
	units   map[string]execution.State
}

var _ execution.Runtime = (*Runtime)(nil)

func (r *Runtime) Name() string {
	if r.BackendName == "" {
		return "fake"
	}
	return r.BackendName
}

func (r *Runtime) Capabilities() execution.Capabilities { return r.Caps }

func (r *Runtime) Start(_ context.Context, options execution.StartOptions) (execution.Handle, error) {
	if r.StartErr != nil {
		return execution.Handle{}, r.StartErr
	}
	if err := options.Validate(); err != nil {
		return execution.Handle{}, &execution.CreateError{
			Backend: r.Name(),
			Name:    execution.ContainerName(options.UUID),
			Message: err.Error(),
			Err:     err,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.units == nil {
		r.units = make(map[string]execution.State)
	}
	r.started = append(r.started, options)
	id := fmt.Sprintf("unit-%d", len(r.started))
	r.units[id] = execution.StateRunning
	return execution.Handle{
		Backend: r.Name(),
		ID:      id,
		Name:    execution.ContainerName(options.UUID),
	}, nil
}

func (r *Runtime) Inspect(_ context.Context, handle execution.Handle) (execution.Inspection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.units[handle.ID]
	if !ok {
		return execution.Inspection{}, fmt.Errorf("inspecting %s: %w", handle, execution.ErrNotFound)
	}
	return execution.Inspection{State: state}, nil
}

func (r *Runtime) Stats(context.Context, execution.Handle) (execution.Stats, error) {
	return execution.Stats{}, execution.ErrUnsupported
}

func (r *Runtime) CheckFinished(_ context.Context, handle execution.Handle) (execution.Completion, error) {
	r.mu.Lock()
	call := r.checks
	r.checks++
	r.mu.Unlock()

	if r.BeforeCheck != nil {
		r.BeforeCheck(call)
	}

	r.mu.Lock()
	killed := r.killedUnit(handle.ID)
	r.mu.Unlock()
	if killed {
		return execution.Completion{Finished: true, ExitCode: execution.ExitStatus(137)}, nil
	}

	if len(r.Script) == 0 {
		return execution.Completion{}, nil
	}
	step := r.Script[min(call, len(r.Script)-1)]

	r.mu.Lock()
	if _, ok := r.units[handle.ID]; ok && step.Err == nil {
		r.units[handle.ID] = step.Completion.State(true)
	}
	r.mu.Unlock()
	return step.Completion, step.Err
}

func (r *Runtime) NvidiaDevices(context.Context) (map[int]string, error) {
	result := make(map[int]string, len(r.Devices))
	for index, uuid := range r.Devices {
		result[index] = uuid
	}
	return result, nil
}

func (r *Runtime) Kill(_ context.Context, handle execution.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, handle)
	if _, ok := r.units[handle.ID]; ok {
		r.units[handle.ID] = execution.StateFinished
	}
	return nil
}

func (r *Runtime) Remove(_ context.Context, handle execution.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, handle)
	delete(r.units, handle.ID)
	return nil
}

func (r *Runtime) killedUnit(id string) bool {
	for _, handle := range r.killed {
		if handle.ID == id {
			return true
		}
	}
	return false
}

// Started returns the options of every successful Start call.
func (r *Runtime) Started() []execution.StartOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execution.StartOptions(nil), r.started...)
}

// Checks returns the number of CheckFinished calls so far.
func (r *Runtime) Checks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checks
}

// Killed returns the handles passed to Kill.
func (r *Runtime) Killed() []execution.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execution.Handle(nil), r.killed...)
}

// Removed returns the handles passed to Remove.
func (r *Runtime) Removed() []execution.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execution.Handle(nil), r.removed...)
}
