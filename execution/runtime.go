// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/bundleworker/resources"
)

// Runtime is one execution backend. Implementations must be safe for
// concurrent use by many in-flight runs.
type Runtime interface {
	// Name identifies the backend in logs and errors ("docker",
	// "kubernetes").
	Name() string

	// Capabilities reports which resource limits the backend can
	// express.
	Capabilities() Capabilities

	// Start creates and starts the execution unit. Rejections by the
	// backend are returned as *CreateError.
	Start(ctx context.Context, options StartOptions) (Handle, error)

	// Inspect returns the unit's current state and timestamps.
	// Returns an error wrapping ErrNotFound when the unit is gone.
	Inspect(ctx context.Context, handle Handle) (Inspection, error)

	// Stats returns a point-in-time resource usage sample, or
	// ErrUnsupported.
	Stats(ctx context.Context, handle Handle) (Stats, error)

	// CheckFinished reports whether the unit reached a terminal
	// state. Connectivity failures return a non-terminal Completion
	// and an error wrapping ErrBackendUnreachable.
	CheckFinished(ctx context.Context, handle Handle) (Completion, error)

	// NvidiaDevices maps GPU index to GPU UUID for the devices this
	// backend can schedule. Empty, not an error, when there are none.
	NvidiaDevices(ctx context.Context) (map[int]string, error)

	// Kill stops the unit immediately. Killing a unit that no longer
	// exists is not an error.
	Kill(ctx context.Context, handle Handle) error

	// Remove deletes the unit and its backend-side state. Removing a
	// unit that no longer exists is not an error.
	Remove(ctx context.Context, handle Handle) error
}

// Mount exposes one host path inside the execution unit.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// StartOptions are the parameters of one execution unit.
type StartOptions struct {
	// WorkingDir is the run directory on the worker host. It is
	// mounted read-write at ContainerWorkDir(UUID) and receives the
	// stdout and stderr files.
	WorkingDir string

	// UUID is the run's bundle UUID.
	UUID string

	// Dependencies are mounted read-only in addition to the working
	// directory. Nothing else from the host is exposed.
	Dependencies []Mount

	// Command is the shell command as submitted. Backends run it
	// through WrapCommand.
	Command string

	Image string

	// Network is the container network to attach to. Empty selects
	// the backend default.
	Network string

	Resources resources.Assignment

	// RuntimeFlavor selects an alternative container runtime
	// ("nvidia", "runsc"). Empty selects the backend default.
	RuntimeFlavor string

	// Detach and TTY mirror the engine's create flags. The worker
	// always starts detached.
	Detach bool
	TTY    bool
}

// Validate checks the options every backend depends on.
func (o StartOptions) Validate() error {
	var problems []error
	if o.UUID == "" {
		problems = append(problems, errors.New("uuid is required"))
	}
	if o.WorkingDir == "" {
		problems = append(problems, errors.New("working directory is required"))
	}
	if o.Command == "" {
		problems = append(problems, errors.New("command is required"))
	}
	if o.Image == "" {
		problems = append(problems, errors.New("image is required"))
	}
	for index, mount := range o.Dependencies {
		if mount.HostPath == "" || mount.ContainerPath == "" {
			problems = append(problems, fmt.Errorf("dependency mount %d: host and container paths are required", index))
		}
	}
	return errors.Join(problems...)
}

// Handle identifies a started execution unit.
type Handle struct {
	// Backend is the Runtime.Name of the backend that created it.
	Backend string

	// ID is the backend's identifier (container ID, pod name).
	ID string

	// Name is the human readable unit name, ContainerName(uuid) or its
	// Kubernetes equivalent.
	Name string
}

func (h Handle) String() string {
	if h.Name != "" && h.Name != h.ID {
		return h.Backend + "/" + h.Name + " (" + h.ID + ")"
	}
	return h.Backend + "/" + h.ID
}

// State is the lifecycle state of an execution unit.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateFinished
	StateLost
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateLost:
		return "lost"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateLost
}

// Inspection is a snapshot of one unit.
type Inspection struct {
	State State

	// ExitCode is set once the unit has finished.
	ExitCode *int

	// StartedAt and FinishedAt are zero until the backend reports them.
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunningTime returns how long the unit has been (or was) running at
// now. Zero before the unit has started.
func (i Inspection) RunningTime(now time.Time) time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !i.FinishedAt.IsZero() {
		end = i.FinishedAt
	}
	if end.Before(i.StartedAt) {
		return 0
	}
	return end.Sub(i.StartedAt)
}

// Completion is the answer to a CheckFinished query.
type Completion struct {
	// Finished is true once the unit has positively been observed in a
	// terminal state.
	Finished bool

	// ExitCode is the command's exit status when the backend reported
	// one.
	ExitCode *int

	// FailureMessage describes a backend-level failure (OOM kill, image
	// pull failure). Empty when the command simply exited.
	FailureMessage string

	// Lost is true when the backend can no longer locate the unit.
	// Finished is false for lost units.
	Lost bool
}

// Terminal reports whether monitoring can stop.
func (c Completion) Terminal() bool {
	return c.Finished || c.Lost
}

// Succeeded reports a clean zero exit with no backend failure.
func (c Completion) Succeeded() bool {
	return c.Finished && !c.Lost && c.FailureMessage == "" && c.ExitCode != nil && *c.ExitCode == 0
}

// State maps the completion onto the unit lifecycle. running is the
// state to report for a non-terminal completion.
func (c Completion) State(running bool) State {
	switch {
	case c.Lost:
		return StateLost
	case c.Finished:
		return StateFinished
	case running:
		return StateRunning
	default:
		return StateCreated
	}
}

// ExitStatus returns a pointer to code, for building Completions.
func ExitStatus(code int) *int {
	return &code
}

// Stats is one resource usage sample.
type Stats struct {
	CPUPercent       float64
	MemoryBytes      int64
	MemoryLimitBytes int64
}

// Capabilities lists which limits a backend can enforce.
type Capabilities struct {
	CPUPinning   bool
	GPUPinning   bool
	GPUCount     bool
	MemoryLimit  bool
	SharedMemory bool
	Network      bool
}

// CapabilityGaps lists the parts of options that a backend with caps
// cannot express. Backends log the gaps and skip those settings.
func CapabilityGaps(caps Capabilities, options StartOptions) []string {
	var gaps []string
	assignment := options.Resources
	if len(assignment.CPUs) > 0 && !caps.CPUPinning {
		gaps = append(gaps, "cpu pinning")
	}
	if len(assignment.GPUs) > 0 && !caps.GPUPinning {
		gaps = append(gaps, "gpu pinning")
	}
	if len(assignment.GPUs) > 0 && !caps.GPUCount && !caps.GPUPinning {
		gaps = append(gaps, "gpu count")
	}
	if assignment.MemoryBytes > 0 && !caps.MemoryLimit {
		gaps = append(gaps, "memory limit")
	}
	if assignment.SharedMemoryGB > 0 && !caps.SharedMemory {
		gaps = append(gaps, "shared memory size")
	}
	if options.Network != "" && !caps.Network {
		gaps = append(gaps, "network selection")
	}
	return gaps
}

// Exists reports whether the backend still has a unit for handle.
// Errors other than not-found are returned.
func Exists(ctx context.Context, runtime Runtime, handle Handle) (bool, error) {
	_, err := runtime.Inspect(ctx, handle)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
