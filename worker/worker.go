// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/bundleworker/dependency"
	"github.com/bureau-foundation/bundleworker/execution"
	"github.com/bureau-foundation/bundleworker/execution/monitor"
	"github.com/bureau-foundation/bundleworker/lib/clock"
	"github.com/bureau-foundation/bundleworker/resources"
)

// lostMessage is the failure message of a run whose execution unit
// disappeared.
const lostMessage = "Execution unit was lost by the backend; the run can be retried."

// ErrUnknownRun is returned by Kill for runs this worker is not
// executing.
var ErrUnknownRun = errors.New("run not active on this worker")

// MountPlanner prepares dependency mounts. *dependency.Planner
// satisfies it.
type MountPlanner interface {
	Plan(ctx context.Context, runUUID, containerWorkDir string, dependencies []dependency.Dependency) (*dependency.Plan, error)
}

// Config wires a Worker.
type Config struct {
	// WorkRoot holds one working directory per run.
	WorkRoot string

	Planner   MountPlanner
	Allocator *resources.Allocator
	Runtime   execution.Runtime

	// Monitor is the template for every run's monitor: backoff
	// settings and followed files. WorkingDir and the callbacks are
	// filled per run.
	Monitor monitor.Monitor

	DefaultImage          string
	DefaultNetwork        string
	RuntimeFlavor         string
	DefaultSharedMemoryGB int

	// OnState receives every run state change.
	OnState func(uuid string, state RunState)

	// OnOutput receives bytes appended to a run's followed files.
	OnOutput func(uuid, name string, data []byte)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Worker executes runs. It is safe for concurrent use.
type Worker struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]execution.Handle
}

// New validates config and returns a Worker.
func New(config Config) (*Worker, error) {
	var problems []error
	if config.WorkRoot == "" {
		problems = append(problems, errors.New("work root is required"))
	}
	if config.Planner == nil {
		problems = append(problems, errors.New("mount planner is required"))
	}
	if config.Allocator == nil {
		problems = append(problems, errors.New("resource allocator is required"))
	}
	if config.Runtime == nil {
		problems = append(problems, errors.New("execution runtime is required"))
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("worker config: %w", errors.Join(problems...))
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		config: config,
		logger: logger,
		active: make(map[string]execution.Handle),
	}, nil
}

// Runtime returns the execution backend the worker starts units on.
func (w *Worker) Runtime() execution.Runtime { return w.config.Runtime }

// Run executes request to completion.
//
// Errors are returned only when the run could not be attempted: an
// invalid request, or resources.ErrResourceUnavailable after reporting
// StateQueued. Dependency and container creation failures produce a
// failed RunResult. If ctx is cancelled while the unit runs, the unit
// is killed, everything is released and ctx's error is returned.
func (w *Worker) Run(ctx context.Context, request RunRequest) (RunResult, error) {
	memoryBytes, err := request.validate()
	if err != nil {
		return RunResult{}, err
	}
	logger := w.logger.With("run", request.UUID)
	w.report(request.UUID, StatePreparing)

	runDir := filepath.Join(w.config.WorkRoot, request.UUID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return w.fail(request.UUID, fmt.Sprintf("Failed to create run directory: %v", err)), nil
	}

	containerWorkDir := execution.ContainerWorkDir(request.UUID)
	plan, err := w.config.Planner.Plan(ctx, request.UUID, containerWorkDir, request.Dependencies)
	if err != nil {
		logger.Warn("preparing dependencies failed", "error", err)
		return w.fail(request.UUID, fmt.Sprintf("Failed to prepare dependencies: %v", err)), nil
	}
	defer func() {
		if err := plan.Release(); err != nil {
			logger.Warn("releasing dependency mounts", "error", err)
		}
	}()

	sharedMemoryGB := request.SharedMemoryGB
	if sharedMemoryGB == 0 {
		sharedMemoryGB = w.config.DefaultSharedMemoryGB
	}
	assignment, err := w.config.Allocator.Acquire(resources.Request{
		CPUs:           request.CPUs,
		GPUs:           request.GPUs,
		MemoryBytes:    memoryBytes,
		SharedMemoryGB: sharedMemoryGB,
	})
	if err != nil {
		logger.Info("resources unavailable", "error", err)
		w.report(request.UUID, StateQueued)
		return RunResult{}, fmt.Errorf("run %s: %w", request.UUID, err)
	}
	defer func() {
		if err := w.config.Allocator.Release(assignment); err != nil {
			logger.Error("releasing resources", "error", err)
		}
	}()

	w.report(request.UUID, StateStarting)
	handle, err := w.config.Runtime.Start(ctx, execution.StartOptions{
		WorkingDir:    runDir,
		UUID:          request.UUID,
		Dependencies:  executionMounts(plan.Mounts),
		Command:       request.Command,
		Image:         firstNonEmpty(request.Image, w.config.DefaultImage),
		Network:       firstNonEmpty(request.Network, w.config.DefaultNetwork),
		Resources:     assignment,
		RuntimeFlavor: w.config.RuntimeFlavor,
		Detach:        true,
	})
	if err != nil {
		logger.Warn("starting execution unit failed", "error", err)
		message := err.Error()
		if createErr, ok := execution.IsCreateError(err); ok {
			message = createErr.Message
		}
		return w.fail(request.UUID, "Failed to start container: "+message), nil
	}

	w.track(request.UUID, handle)
	defer func() {
		w.untrack(request.UUID)
		if err := w.config.Runtime.Remove(context.WithoutCancel(ctx), handle); err != nil {
			logger.Warn("removing execution unit", "unit", handle.String(), "error", err)
		}
	}()
	logger.Info("execution unit started", "unit", handle.String(), "cpus", assignment.CPUs, "gpus", assignment.GPUs)

	runMonitor := w.config.Monitor
	runMonitor.Clock = w.config.Clock
	runMonitor.WorkingDir = runDir
	runMonitor.Logger = logger
	runMonitor.OnState = func(state execution.State) {
		if state == execution.StateRunning {
			w.report(request.UUID, StateRunning)
		}
	}
	if w.config.OnOutput != nil {
		runMonitor.OnOutput = func(name string, data []byte) {
			w.config.OnOutput(request.UUID, name, data)
		}
	}

	completion, err := runMonitor.Wait(ctx, w.config.Runtime, handle)
	if err != nil {
		logger.Warn("run abandoned, killing execution unit", "unit", handle.String(), "error", err)
		if killErr := w.config.Runtime.Kill(context.WithoutCancel(ctx), handle); killErr != nil {
			logger.Error("killing abandoned execution unit", "unit", handle.String(), "error", killErr)
		}
		return RunResult{}, err
	}

	result := resultFor(request.UUID, completion)
	if inspection, err := w.config.Runtime.Inspect(ctx, handle); err == nil {
		result.RunningTime = inspection.RunningTime(w.config.Clock.Now())
	}
	w.report(request.UUID, result.State)
	logger.Info("run finished", "state", result.State, "failure_message", result.FailureMessage)
	return result, nil
}

// resultFor maps a terminal completion onto a RunResult.
func resultFor(uuid string, completion execution.Completion) RunResult {
	result := RunResult{UUID: uuid, ExitCode: completion.ExitCode}
	switch {
	case completion.Lost:
		result.State = StateWorkerOffline
		result.FailureMessage = lostMessage
	case completion.Succeeded():
		result.State = StateReady
	default:
		result.State = StateFailed
		result.FailureMessage = completion.FailureMessage
		if result.FailureMessage == "" {
			if completion.ExitCode != nil {
				result.FailureMessage = fmt.Sprintf("Exit code %d", *completion.ExitCode)
			} else {
				result.FailureMessage = "Execution unit failed without an exit code"
			}
		}
	}
	return result
}

func (w *Worker) fail(uuid, message string) RunResult {
	w.report(uuid, StateFailed)
	return RunResult{UUID: uuid, State: StateFailed, FailureMessage: message}
}

func (w *Worker) report(uuid string, state RunState) {
	w.logger.Debug("run state", "run", uuid, "state", state)
	if w.config.OnState != nil {
		w.config.OnState(uuid, state)
	}
}

func (w *Worker) track(uuid string, handle execution.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[uuid] = handle
}

func (w *Worker) untrack(uuid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, uuid)
}

// Kill stops a running run's execution unit. The run's Run call then
// observes the unit finishing and completes normally.
func (w *Worker) Kill(ctx context.Context, uuid string) error {
	w.mu.Lock()
	handle, ok := w.active[uuid]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, uuid)
	}
	w.logger.Info("killing run", "run", uuid, "unit", handle.String())
	return w.config.Runtime.Kill(ctx, handle)
}

// Active returns the UUIDs of runs with a live execution unit.
func (w *Worker) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	uuids := make([]string, 0, len(w.active))
	for uuid := range w.active {
		uuids = append(uuids, uuid)
	}
	return uuids
}

func executionMounts(mounts []dependency.Mount) []execution.Mount {
	result := make([]execution.Mount, len(mounts))
	for i, mount := range mounts {
		result[i] = execution.Mount{
			HostPath:      mount.HostPath,
			ContainerPath: mount.ContainerPath,
			ReadOnly:      mount.ReadOnly,
		}
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
