// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package docker runs bundles as containers on a local Docker Engine.
//
// Each run becomes one container named execution.ContainerName(uuid).
// The run directory is bind-mounted read-write at /<uuid> and every
// planned dependency is bind-mounted read-only beneath it; nothing else
// from the host is visible. Resource assignments translate directly to
// engine limits: the cpuset, a memory limit with swap disabled, the
// /dev/shm size, and an NVIDIA device request naming GPUs by UUID.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bureau-foundation/bundleworker/execution"
	"github.com/bureau-foundation/bundleworker/lib/hwinfo/nvidia"
	"github.com/bureau-foundation/bundleworker/resources"
)

// BackendName is the Runtime.Name of this backend.
const BackendName = "docker"

// Label applied to every container the worker creates, valued with
// the run UUID.
const uuidLabel = "org.bundleworker.uuid"

// oomMessage is the failure message of a run the kernel killed for
// exceeding its memory limit.
const oomMessage = "Memory limit exceeded."

// engine is the subset of the Docker client the backend uses.
// *client.Client satisfies it; tests substitute a fake.
type engine interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Options configures a Runtime.
type Options struct {
	// Host is the engine endpoint. Empty uses DOCKER_HOST and the
	// platform default socket.
	Host string

	// Prober discovers the host's NVIDIA GPUs. Nil uses
	// nvidia.NewProber().
	Prober *nvidia.Prober

	Logger *slog.Logger
}

// Runtime is the Local-Container execution backend.
type Runtime struct {
	engine engine
	prober *nvidia.Prober
	logger *slog.Logger
}

var _ execution.Runtime = (*Runtime)(nil)

// New connects to the Docker Engine. The connection is lazy: an
// unreachable daemon surfaces on the first call, not here.
func New(options Options) (*Runtime, error) {
	clientOptions := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if options.Host != "" {
		clientOptions = append(clientOptions, client.WithHost(options.Host))
	}
	dockerClient, err := client.NewClientWithOpts(clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newRuntime(dockerClient, options.Prober, options.Logger), nil
}

func newRuntime(engine engine, prober *nvidia.Prober, logger *slog.Logger) *Runtime {
	if prober == nil {
		prober = nvidia.NewProber()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{engine: engine, prober: prober, logger: logger}
}

// Close releases the engine connection.
func (r *Runtime) Close() error {
	return r.engine.Close()
}

func (r *Runtime) Name() string { return BackendName }

// Capabilities reports that the engine enforces every limit.
func (r *Runtime) Capabilities() execution.Capabilities {
	return execution.Capabilities{
		CPUPinning:   true,
		GPUPinning:   true,
		GPUCount:     true,
		MemoryLimit:  true,
		SharedMemory: true,
		Network:      true,
	}
}

// Start creates and starts the run's container. A container that was
// created but failed to start is removed before the error is returned.
func (r *Runtime) Start(ctx context.Context, options execution.StartOptions) (execution.Handle, error) {
	name := execution.ContainerName(options.UUID)
	if err := options.Validate(); err != nil {
		return execution.Handle{}, &execution.CreateError{Backend: BackendName, Name: name, Message: err.Error(), Err: err}
	}

	config := buildContainerConfig(options)
	hostConfig := buildHostConfig(options, r.gpuDeviceIDs(options.Resources))

	r.logger.Info("creating container",
		"name", name,
		"image", options.Image,
		"cpus", resources.FormatCPUList(options.Resources.CPUs),
		"gpus", resources.FormatCPUList(options.Resources.GPUs),
		"memory_bytes", options.Resources.MemoryBytes,
		"dependencies", len(options.Dependencies),
	)

	created, err := r.engine.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return execution.Handle{}, &execution.CreateError{Backend: BackendName, Name: name, Message: err.Error(), Err: err}
	}
	for _, warning := range created.Warnings {
		r.logger.Warn("container create warning", "name", name, "warning", warning)
	}

	handle := execution.Handle{Backend: BackendName, ID: created.ID, Name: name}
	if err := r.engine.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if removeErr := r.Remove(context.WithoutCancel(ctx), handle); removeErr != nil {
			r.logger.Warn("removing container after failed start", "name", name, "error", removeErr)
		}
		return execution.Handle{}, &execution.CreateError{Backend: BackendName, Name: name, Message: err.Error(), Err: err}
	}
	return handle, nil
}

func buildContainerConfig(options execution.StartOptions) *container.Config {
	return &container.Config{
		Image:        options.Image,
		Cmd:          execution.WrapCommand(options.Command),
		WorkingDir:   execution.ContainerWorkDir(options.UUID),
		Env:          execution.Environment(options.UUID),
		Tty:          options.TTY,
		AttachStdout: !options.Detach,
		AttachStderr: !options.Detach,
		Labels:       map[string]string{uuidLabel: options.UUID},
	}
}

func buildHostConfig(options execution.StartOptions, gpuDeviceIDs []string) *container.HostConfig {
	binds := []string{options.WorkingDir + ":" + execution.ContainerWorkDir(options.UUID) + ":rw"}
	for _, mount := range options.Dependencies {
		mode := "rw"
		if mount.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, mount.HostPath+":"+mount.ContainerPath+":"+mode)
	}

	assignment := options.Resources
	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(options.Network),
		Runtime:     options.RuntimeFlavor,
		Resources: container.Resources{
			CpusetCpus: resources.FormatCPUList(assignment.CPUs),
		},
	}
	if assignment.MemoryBytes > 0 {
		hostConfig.Resources.Memory = assignment.MemoryBytes
		hostConfig.Resources.MemorySwap = assignment.MemoryBytes
	}
	if assignment.SharedMemoryGB > 0 {
		hostConfig.ShmSize = int64(assignment.SharedMemoryGB) << 30
	}
	if len(gpuDeviceIDs) > 0 {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    gpuDeviceIDs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return hostConfig
}

// gpuDeviceIDs names the assigned GPUs by UUID when the driver reports
// one and by index otherwise.
func (r *Runtime) gpuDeviceIDs(assignment resources.Assignment) []string {
	if len(assignment.GPUs) == 0 {
		return nil
	}
	devices := r.prober.Devices()
	ids := make([]string, 0, len(assignment.GPUs))
	for _, index := range assignment.GPUs {
		if uuid, ok := devices[index]; ok {
			ids = append(ids, uuid)
		} else {
			ids = append(ids, strconv.Itoa(index))
		}
	}
	return ids
}

// inspect wraps ContainerInspect with the backend's error mapping.
func (r *Runtime) inspect(ctx context.Context, handle execution.Handle) (*types.ContainerState, error) {
	info, err := r.engine.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("inspecting %s: %w", handle, execution.ErrNotFound)
		}
		return nil, execution.Unreachable("inspecting "+handle.String(), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, execution.Unreachable("inspecting "+handle.String(), errors.New("engine returned no container state"))
	}
	return info.State, nil
}

// Inspect maps the engine's status string onto the unit lifecycle.
func (r *Runtime) Inspect(ctx context.Context, handle execution.Handle) (execution.Inspection, error) {
	state, err := r.inspect(ctx, handle)
	if err != nil {
		return execution.Inspection{}, err
	}

	inspection := execution.Inspection{
		StartedAt:  parseEngineTime(state.StartedAt),
		FinishedAt: parseEngineTime(state.FinishedAt),
	}
	switch state.Status {
	case "created":
		inspection.State = execution.StateCreated
	case "exited", "dead":
		inspection.State = execution.StateFinished
		inspection.ExitCode = execution.ExitStatus(state.ExitCode)
	default:
		inspection.State = execution.StateRunning
	}
	return inspection, nil
}

// CheckFinished reports a finished completion only for containers the
// engine reports as exited or dead. A missing container is Lost.
func (r *Runtime) CheckFinished(ctx context.Context, handle execution.Handle) (execution.Completion, error) {
	state, err := r.inspect(ctx, handle)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return execution.Completion{Lost: true}, nil
		}
		return execution.Completion{}, err
	}
	if state.Status != "exited" && state.Status != "dead" {
		return execution.Completion{}, nil
	}

	completion := execution.Completion{
		Finished:       true,
		ExitCode:       execution.ExitStatus(state.ExitCode),
		FailureMessage: state.Error,
	}
	if state.OOMKilled {
		completion.FailureMessage = oomMessage
	}
	return completion, nil
}

// NvidiaDevices reports the host's GPUs as seen by the driver.
func (r *Runtime) NvidiaDevices(context.Context) (map[int]string, error) {
	return r.prober.Devices(), nil
}

// Kill sends SIGKILL. Containers that are gone or already stopped are
// not an error.
func (r *Runtime) Kill(ctx context.Context, handle execution.Handle) error {
	err := r.engine.ContainerKill(ctx, handle.ID, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("killing %s: %w", handle, err)
}

// Remove force-removes the container.
func (r *Runtime) Remove(ctx context.Context, handle execution.Handle) error {
	err := r.engine.ContainerRemove(ctx, handle.ID, container.RemoveOptions{Force: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("removing %s: %w", handle, err)
}

// parseEngineTime parses the engine's RFC 3339 timestamps. The engine
// reports "0001-01-01T00:00:00Z" for events that have not happened,
// which parses to the zero time.
func parseEngineTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
