// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bureau-foundation/bundleworker/execution"
	"github.com/bureau-foundation/bundleworker/lib/hwinfo/nvidia"
	"github.com/bureau-foundation/bundleworker/resources"
)

// fakeEngine records the calls the backend makes and answers from
// per-test fields.
type fakeEngine struct {
	mu sync.Mutex

	createErr  error
	startErr   error
	inspect    types.ContainerJSON
	inspectErr error
	statsBody  string
	killErr    error
	removeErr  error

	createdConfig     *container.Config
	createdHostConfig *container.HostConfig
	createdName       string
	started           []string
	killed            []string
	removed           []string
}

func (f *fakeEngine) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.createdConfig = config
	f.createdHostConfig = hostConfig
	f.createdName = name
	return container.CreateResponse{ID: "c0ffee", Warnings: []string{"kernel does not support swap limit"}}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeEngine) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspect, f.inspectErr
}

func (f *fakeEngine) ContainerStatsOneShot(context.Context, string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(f.statsBody))}, nil
}

func (f *fakeEngine) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return f.killErr
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !options.Force {
		return errors.New("remove without force")
	}
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeEngine) Close() error { return nil }

func containerState(state types.ContainerState) types.ContainerJSON {
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: &state}}
}

func newTestRuntime(t *testing.T, engine *fakeEngine) *Runtime {
	t.Helper()
	procRoot := t.TempDir()
	information := filepath.Join(procRoot, "driver/nvidia/gpus/0000:01:00.0/information")
	if err := os.MkdirAll(filepath.Dir(information), 0755); err != nil {
		t.Fatal(err)
	}
	content := "GPU UUID: GPU-1111\nDevice Minor: 1\n"
	if err := os.WriteFile(information, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newRuntime(engine, nvidia.NewProberFrom(procRoot), logger)
}

func startOptions() execution.StartOptions {
	return execution.StartOptions{
		WorkingDir: "/var/lib/bundle-worker/work/0xabc",
		UUID:       "0xabc",
		Dependencies: []execution.Mount{
			{HostPath: "/var/lib/bundle-worker/staging/0xabc/0-data", ContainerPath: "/0xabc/data", ReadOnly: true},
		},
		Command:       "python train.py",
		Image:         "bundleworker/default-gpu:latest",
		Network:       "bundle-net",
		RuntimeFlavor: "nvidia",
		Resources: resources.Assignment{
			ID:             1,
			CPUs:           []int{2, 3},
			GPUs:           []int{0, 1},
			MemoryBytes:    2 << 30,
			SharedMemoryGB: 2,
		},
		Detach: true,
	}
}

func TestStartTranslatesOptions(t *testing.T) {
	engine := &fakeEngine{}
	runtime := newTestRuntime(t, engine)

	handle, err := runtime.Start(context.Background(), startOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if handle.ID != "c0ffee" || handle.Name != "bundle_run_0xabc" || handle.Backend != "docker" {
		t.Errorf("handle = %+v", handle)
	}
	if engine.createdName != "bundle_run_0xabc" {
		t.Errorf("container name = %q", engine.createdName)
	}
	if !reflect.DeepEqual(engine.started, []string{"c0ffee"}) {
		t.Errorf("started = %v", engine.started)
	}

	config := engine.createdConfig
	if config.WorkingDir != "/0xabc" {
		t.Errorf("WorkingDir = %q", config.WorkingDir)
	}
	wantCmd := []string{"/bin/bash", "-c", "( python train.py; ) >stdout 2>stderr"}
	if !reflect.DeepEqual([]string(config.Cmd), wantCmd) {
		t.Errorf("Cmd = %q", config.Cmd)
	}
	if !reflect.DeepEqual(config.Env, []string{"HOME=/0xabc", "BUNDLE_WORKER=true"}) {
		t.Errorf("Env = %q", config.Env)
	}
	if config.AttachStdout {
		t.Error("detached container attaches stdout")
	}

	hostConfig := engine.createdHostConfig
	wantBinds := []string{
		"/var/lib/bundle-worker/work/0xabc:/0xabc:rw",
		"/var/lib/bundle-worker/staging/0xabc/0-data:/0xabc/data:ro",
	}
	if !reflect.DeepEqual(hostConfig.Binds, wantBinds) {
		t.Errorf("Binds = %q, want %q", hostConfig.Binds, wantBinds)
	}
	if hostConfig.NetworkMode != "bundle-net" || hostConfig.Runtime != "nvidia" {
		t.Errorf("NetworkMode = %q, Runtime = %q", hostConfig.NetworkMode, hostConfig.Runtime)
	}
	if hostConfig.CpusetCpus != "2,3" {
		t.Errorf("CpusetCpus = %q", hostConfig.CpusetCpus)
	}
	if hostConfig.Memory != 2<<30 || hostConfig.MemorySwap != 2<<30 {
		t.Errorf("Memory = %d, MemorySwap = %d", hostConfig.Memory, hostConfig.MemorySwap)
	}
	if hostConfig.ShmSize != 2<<30 {
		t.Errorf("ShmSize = %d", hostConfig.ShmSize)
	}
	if len(hostConfig.DeviceRequests) != 1 {
		t.Fatalf("DeviceRequests = %+v", hostConfig.DeviceRequests)
	}
	// GPU 1 has a driver UUID; GPU 0 is unknown to the prober and
	// falls back to its index.
	request := hostConfig.DeviceRequests[0]
	if request.Driver != "nvidia" || !reflect.DeepEqual(request.DeviceIDs, []string{"0", "GPU-1111"}) {
		t.Errorf("DeviceRequest = %+v", request)
	}
}

func TestStartWithoutGPUs(t *testing.T) {
	engine := &fakeEngine{}
	runtime := newTestRuntime(t, engine)
	options := startOptions()
	options.Resources.GPUs = nil
	options.Resources.MemoryBytes = 0

	if _, err := runtime.Start(context.Background(), options); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(engine.createdHostConfig.DeviceRequests) != 0 {
		t.Errorf("DeviceRequests = %+v, want none", engine.createdHostConfig.DeviceRequests)
	}
	if engine.createdHostConfig.Memory != 0 {
		t.Errorf("Memory = %d, want unlimited", engine.createdHostConfig.Memory)
	}
}

func TestStartCreateFailure(t *testing.T) {
	engine := &fakeEngine{createErr: errdefs.NotFound(errors.New("No such image: bundleworker/default-gpu:latest"))}
	runtime := newTestRuntime(t, engine)

	_, err := runtime.Start(context.Background(), startOptions())
	if !errors.Is(err, execution.ErrContainerCreateFailed) {
		t.Fatalf("Start error = %v, want ErrContainerCreateFailed", err)
	}
	createErr, _ := execution.IsCreateError(err)
	if !strings.Contains(createErr.Message, "No such image") {
		t.Errorf("Message = %q", createErr.Message)
	}
	if len(engine.started) != 0 {
		t.Errorf("container started after create failure")
	}
}

func TestStartFailureRemovesContainer(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("OCI runtime create failed: unknown runtime nvidia")}
	runtime := newTestRuntime(t, engine)

	_, err := runtime.Start(context.Background(), startOptions())
	if !errors.Is(err, execution.ErrContainerCreateFailed) {
		t.Fatalf("Start error = %v, want ErrContainerCreateFailed", err)
	}
	if !reflect.DeepEqual(engine.removed, []string{"c0ffee"}) {
		t.Errorf("removed = %v, want the half-created container", engine.removed)
	}
}

func TestStartRejectsInvalidOptions(t *testing.T) {
	engine := &fakeEngine{}
	runtime := newTestRuntime(t, engine)
	options := startOptions()
	options.Image = ""

	if _, err := runtime.Start(context.Background(), options); !errors.Is(err, execution.ErrContainerCreateFailed) {
		t.Fatalf("Start error = %v", err)
	}
	if engine.createdConfig != nil {
		t.Error("engine called with invalid options")
	}
}

func TestCheckFinished(t *testing.T) {
	handle := execution.Handle{Backend: BackendName, ID: "c0ffee", Name: "bundle_run_0xabc"}
	tests := []struct {
		name       string
		inspect    types.ContainerJSON
		inspectErr error
		want       execution.Completion
		wantErr    error
	}{
		{
			name:    "running",
			inspect: containerState(types.ContainerState{Status: "running", Running: true}),
			want:    execution.Completion{},
		},
		{
			name:    "created",
			inspect: containerState(types.ContainerState{Status: "created"}),
			want:    execution.Completion{},
		},
		{
			name:    "exited cleanly",
			inspect: containerState(types.ContainerState{Status: "exited", ExitCode: 0}),
			want:    execution.Completion{Finished: true, ExitCode: execution.ExitStatus(0)},
		},
		{
			name:    "exited with error",
			inspect: containerState(types.ContainerState{Status: "exited", ExitCode: 2, Error: "exec format error"}),
			want:    execution.Completion{Finished: true, ExitCode: execution.ExitStatus(2), FailureMessage: "exec format error"},
		},
		{
			name:    "oom killed",
			inspect: containerState(types.ContainerState{Status: "exited", ExitCode: 137, OOMKilled: true}),
			want:    execution.Completion{Finished: true, ExitCode: execution.ExitStatus(137), FailureMessage: "Memory limit exceeded."},
		},
		{
			name:    "dead",
			inspect: containerState(types.ContainerState{Status: "dead", ExitCode: 255}),
			want:    execution.Completion{Finished: true, ExitCode: execution.ExitStatus(255)},
		},
		{
			name:       "not found is lost",
			inspectErr: errdefs.NotFound(errors.New("No such container: c0ffee")),
			want:       execution.Completion{Lost: true},
		},
		{
			name:       "connection refused is not finished",
			inspectErr: errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"),
			want:       execution.Completion{},
			wantErr:    execution.ErrBackendUnreachable,
		},
		{
			name:       "server error is not finished",
			inspectErr: errdefs.System(errors.New("internal server error")),
			want:       execution.Completion{},
			wantErr:    execution.ErrBackendUnreachable,
		},
		{
			name:    "missing state is not finished",
			inspect: types.ContainerJSON{},
			want:    execution.Completion{},
			wantErr: execution.ErrBackendUnreachable,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			runtime := newTestRuntime(t, &fakeEngine{inspect: test.inspect, inspectErr: test.inspectErr})
			got, err := runtime.CheckFinished(context.Background(), handle)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("error = %v, want %v", err, test.wantErr)
				}
			} else if err != nil {
				t.Fatalf("CheckFinished: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("CheckFinished = %+v, want %+v", got, test.want)
			}
			if test.wantErr != nil && got.Terminal() {
				t.Error("connectivity failure reported as terminal")
			}
		})
	}
}

func TestInspect(t *testing.T) {
	handle := execution.Handle{Backend: BackendName, ID: "c0ffee"}
	engine := &fakeEngine{inspect: containerState(types.ContainerState{
		Status:     "exited",
		ExitCode:   3,
		StartedAt:  "2026-03-01T12:00:00.5Z",
		FinishedAt: "2026-03-01T12:01:00.5Z",
	})}
	runtime := newTestRuntime(t, engine)

	inspection, err := runtime.Inspect(context.Background(), handle)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if inspection.State != execution.StateFinished || *inspection.ExitCode != 3 {
		t.Errorf("inspection = %+v", inspection)
	}
	if got := inspection.RunningTime(inspection.FinishedAt); got.Seconds() != 60 {
		t.Errorf("RunningTime = %v", got)
	}

	engine.inspectErr = errdefs.NotFound(errors.New("gone"))
	exists, err := execution.Exists(context.Background(), runtime, handle)
	if err != nil || exists {
		t.Errorf("Exists after removal = %v, %v", exists, err)
	}
}

func TestKillAndRemoveTolerateMissing(t *testing.T) {
	handle := execution.Handle{Backend: BackendName, ID: "c0ffee"}
	engine := &fakeEngine{
		killErr:   errdefs.Conflict(errors.New("container c0ffee is not running")),
		removeErr: errdefs.NotFound(errors.New("No such container")),
	}
	runtime := newTestRuntime(t, engine)

	if err := runtime.Kill(context.Background(), handle); err != nil {
		t.Errorf("Kill: %v", err)
	}
	if err := runtime.Remove(context.Background(), handle); err != nil {
		t.Errorf("Remove: %v", err)
	}

	engine.removeErr = errors.New("device or resource busy")
	if err := runtime.Remove(context.Background(), handle); err == nil {
		t.Error("Remove swallowed a real failure")
	}
}

func TestStats(t *testing.T) {
	engine := &fakeEngine{statsBody: `{
		"cpu_stats": {"cpu_usage": {"total_usage": 400}, "system_cpu_usage": 2000, "online_cpus": 4},
		"precpu_stats": {"cpu_usage": {"total_usage": 200}, "system_cpu_usage": 1000},
		"memory_stats": {"usage": 1000, "limit": 4096, "stats": {"inactive_file": 200}}
	}`}
	runtime := newTestRuntime(t, engine)

	stats, err := runtime.Stats(context.Background(), execution.Handle{ID: "c0ffee"})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// (400-200)/(2000-1000) * 4 CPUs * 100.
	if stats.CPUPercent != 80 {
		t.Errorf("CPUPercent = %v, want 80", stats.CPUPercent)
	}
	if stats.MemoryBytes != 800 || stats.MemoryLimitBytes != 4096 {
		t.Errorf("memory = %d / %d", stats.MemoryBytes, stats.MemoryLimitBytes)
	}
}

func TestToStatsFallbacks(t *testing.T) {
	var sample container.StatsResponse
	sample.CPUStats.CPUUsage.TotalUsage = 300
	sample.CPUStats.CPUUsage.PercpuUsage = []uint64{150, 150}
	sample.CPUStats.SystemUsage = 1000
	sample.PreCPUStats.CPUUsage.TotalUsage = 100
	sample.PreCPUStats.SystemUsage = 500
	sample.MemoryStats.Usage = 1000
	sample.MemoryStats.Limit = 2048
	sample.MemoryStats.Stats = map[string]uint64{"total_inactive_file": 400}

	stats := toStats(sample)
	// No online_cpus: the per-CPU list length stands in. (200/500) * 2 * 100.
	if stats.CPUPercent != 80 {
		t.Errorf("CPUPercent = %v, want 80", stats.CPUPercent)
	}
	if stats.MemoryBytes != 600 || stats.MemoryLimitBytes != 2048 {
		t.Errorf("memory = %d / %d, want 600 / 2048", stats.MemoryBytes, stats.MemoryLimitBytes)
	}

	// A first sample has no previous reading and reports no CPU.
	if got := toStats(container.StatsResponse{}).CPUPercent; got != 0 {
		t.Errorf("CPUPercent of an empty sample = %v, want 0", got)
	}
}

func TestNvidiaDevices(t *testing.T) {
	runtime := newTestRuntime(t, &fakeEngine{})
	devices, err := runtime.NvidiaDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(devices, map[int]string{1: "GPU-1111"}) {
		t.Errorf("NvidiaDevices = %v", devices)
	}
}

func TestParseEngineTime(t *testing.T) {
	if !parseEngineTime("0001-01-01T00:00:00Z").IsZero() {
		t.Error("engine zero timestamp did not parse to zero time")
	}
	if !parseEngineTime("").IsZero() {
		t.Error("empty timestamp did not parse to zero time")
	}
}
