// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bureau-foundation/bundleworker/dependency"
	"github.com/bureau-foundation/bundleworker/resources"
)

// RunState is the externally reported state of a run. StateQueued
// means the run was not started because resources are busy; the caller
// owns the retry.
type RunState string

const (
	StatePreparing     RunState = "preparing"
	StateQueued        RunState = "queued"
	StateStarting      RunState = "starting"
	StateRunning       RunState = "running"
	StateReady         RunState = "ready"
	StateFailed        RunState = "failed"
	StateWorkerOffline RunState = "worker_offline"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateWorkerOffline
}

var bundleNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// ValidateBundleName checks a bundle name: a letter or underscore
// followed by letters, digits, underscores, dots and dashes.
func ValidateBundleName(name string) error {
	if !bundleNamePattern.MatchString(name) {
		return fmt.Errorf("bundle name %q must match %s", name, bundleNamePattern)
	}
	return nil
}

// RunRequest describes one run.
type RunRequest struct {
	// UUID is the run bundle's UUID; it names the run directory and the
	// execution unit.
	UUID string `json:"uuid"`

	// Name is the run bundle's name. Optional.
	Name string `json:"name,omitempty"`

	Command string `json:"command"`

	// Image defaults to the worker's default image.
	Image string `json:"image,omitempty"`

	// Network defaults to the worker's default network.
	Network string `json:"network,omitempty"`

	Dependencies []dependency.Dependency `json:"dependencies,omitempty"`

	CPUs int `json:"cpus,omitempty"`
	GPUs int `json:"gpus,omitempty"`

	// Memory is a limit such as "512M" or "4G". Empty means unlimited.
	Memory string `json:"memory,omitempty"`

	// SharedMemoryGB sizes /dev/shm. Zero uses the worker default.
	SharedMemoryGB int `json:"shared_memory_gb,omitempty"`
}

// validate checks the request and returns its memory limit in bytes.
func (r RunRequest) validate() (int64, error) {
	var problems []error
	if _, err := dependency.ParseUUID(r.UUID); err != nil {
		problems = append(problems, err)
	}
	if r.Name != "" {
		if err := ValidateBundleName(r.Name); err != nil {
			problems = append(problems, err)
		}
	}
	if r.Command == "" {
		problems = append(problems, errors.New("command is required"))
	}
	if r.CPUs < 0 || r.GPUs < 0 || r.SharedMemoryGB < 0 {
		problems = append(problems, errors.New("resource counts must not be negative"))
	}
	memory, err := resources.ParseMemory(r.Memory)
	if err != nil {
		problems = append(problems, err)
	}
	if err := dependency.Validate(r.Dependencies); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return 0, fmt.Errorf("invalid run request: %w", errors.Join(problems...))
	}
	return memory, nil
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	UUID  string   `json:"uuid"`
	State RunState `json:"state"`

	// ExitCode is set when the command ran to completion.
	ExitCode *int `json:"exit_code,omitempty"`

	// FailureMessage is non-empty for every state except ready.
	FailureMessage string `json:"failure_message,omitempty"`

	// RunningTime is how long the execution unit ran, when the
	// backend reported it.
	RunningTime time.Duration `json:"running_time,omitempty"`
}
