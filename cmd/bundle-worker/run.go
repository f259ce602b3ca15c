// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/bundleworker/dependency"
	"github.com/bureau-foundation/bundleworker/lib/hwinfo/nvidia"
	"github.com/bureau-foundation/bundleworker/worker"
)

type runFlags struct {
	configPath  string
	requestPath string
	request     worker.RunRequest
	deps        []string
	tail        bool
	jsonOutput  bool
}

func runCommand() *command {
	var flags runFlags
	return &command{
		name:    "run",
		summary: "Execute one run bundle to completion",
		usage:   "bundle-worker run [--request FILE] [flags]",
		examples: []example{
			{
				description: "Run a command against a dataset bundle",
				command:     "bundle-worker run --command 'python train.py' --dep 0x1f...:data --cpus 4 --gpus 1 --memory 16G",
			},
			{
				description: "Run a JSONC request file, streaming the command's output",
				command:     "bundle-worker run --request run.jsonc --tail",
			},
		},
		flags: func() *pflag.FlagSet {
			flags = runFlags{}
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&flags.configPath, "config", "", "worker config file (default: $BUNDLE_WORKER_CONFIG)")
			flagSet.StringVar(&flags.requestPath, "request", "", "JSONC run request; flags override its fields")
			flagSet.StringVar(&flags.request.UUID, "uuid", "", "run bundle UUID (default: generated)")
			flagSet.StringVar(&flags.request.Name, "name", "", "run bundle name")
			flagSet.StringVar(&flags.request.Command, "command", "", "shell command to run")
			flagSet.StringVar(&flags.request.Image, "image", "", "container image (default: runtime.default_image)")
			flagSet.StringVar(&flags.request.Network, "network", "", "container network (default: runtime.network)")
			flagSet.StringArrayVar(&flags.deps, "dep", nil, "dependency as PARENT_UUID[/PATH]:CHILD_PATH (repeatable)")
			flagSet.IntVar(&flags.request.CPUs, "cpus", 0, "CPUs to pin")
			flagSet.IntVar(&flags.request.GPUs, "gpus", 0, "GPUs to assign")
			flagSet.StringVar(&flags.request.Memory, "memory", "", "memory limit, e.g. 4G")
			flagSet.IntVar(&flags.request.SharedMemoryGB, "shm", 0, "/dev/shm size in GB (default: runtime.shared_memory_gb)")
			flagSet.BoolVar(&flags.tail, "tail", false, "copy the command's stdout and stderr to this terminal")
			flagSet.BoolVar(&flags.jsonOutput, "json", false, "print the result as JSON")
			return flagSet
		},
		run: func(ctx context.Context, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			return executeRun(ctx, flags, os.Stdout, os.Stderr)
		},
	}
}

func executeRun(ctx context.Context, flags runFlags, stdout, stderr io.Writer) error {
	request, err := buildRequest(flags)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	logger := newLogger().With("run", request.UUID)
	rt, err := newRuntime(cfg, nvidia.NewProber(), logger)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, logger)

	var onOutput func(uuid, name string, data []byte)
	if flags.tail {
		onOutput = tailOutput(stdout, stderr)
	}
	onState := func(uuid string, state worker.RunState) {
		logger.Info("run state", "state", state)
	}

	runner, err := newWorker(ctx, cfg, rt, logger, onState, onOutput)
	if err != nil {
		return err
	}
	result, err := runner.Run(ctx, request)
	if err != nil {
		return err
	}
	if err := printResult(stdout, result, flags.jsonOutput); err != nil {
		return err
	}
	if result.State != worker.StateReady {
		return &exitError{code: 1}
	}
	return nil
}

// buildRequest merges the request file and the flags. Flags win.
func buildRequest(flags runFlags) (worker.RunRequest, error) {
	var request worker.RunRequest
	if flags.requestPath != "" {
		data, err := os.ReadFile(flags.requestPath)
		if err != nil {
			return worker.RunRequest{}, fmt.Errorf("reading run request: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &request); err != nil {
			return worker.RunRequest{}, fmt.Errorf("parsing run request %s: %w", flags.requestPath, err)
		}
	}

	overlay := flags.request
	overrideString(&request.UUID, overlay.UUID)
	overrideString(&request.Name, overlay.Name)
	overrideString(&request.Command, overlay.Command)
	overrideString(&request.Image, overlay.Image)
	overrideString(&request.Network, overlay.Network)
	overrideString(&request.Memory, overlay.Memory)
	if overlay.CPUs != 0 {
		request.CPUs = overlay.CPUs
	}
	if overlay.GPUs != 0 {
		request.GPUs = overlay.GPUs
	}
	if overlay.SharedMemoryGB != 0 {
		request.SharedMemoryGB = overlay.SharedMemoryGB
	}
	for _, value := range flags.deps {
		dep, err := parseDependency(value)
		if err != nil {
			return worker.RunRequest{}, err
		}
		request.Dependencies = append(request.Dependencies, dep)
	}

	if request.UUID == "" {
		request.UUID = dependency.NewRunUUID()
	}
	return request, nil
}

func overrideString(field *string, value string) {
	if value != "" {
		*field = value
	}
}

// parseDependency reads PARENT_UUID[/PARENT_PATH]:CHILD_PATH. An empty
// child path mounts the subtree's entries at the top of the working
// directory.
func parseDependency(value string) (dependency.Dependency, error) {
	parent, child, ok := strings.Cut(value, ":")
	if !ok {
		return dependency.Dependency{}, fmt.Errorf("dependency %q: want PARENT_UUID[/PATH]:CHILD_PATH", value)
	}
	parentUUID, parentPath, _ := strings.Cut(parent, "/")
	if _, err := dependency.ParseUUID(parentUUID); err != nil {
		return dependency.Dependency{}, fmt.Errorf("dependency %q: %w", value, err)
	}
	return dependency.Dependency{
		ParentUUID: parentUUID,
		ParentPath: strings.Trim(parentPath, "/"),
		ChildPath:  strings.Trim(child, "/"),
	}, nil
}

// tailOutput copies the followed files to the terminal: stderr to
// stderr and everything else to stdout.
func tailOutput(stdout, stderr io.Writer) func(uuid, name string, data []byte) {
	var mu sync.Mutex
	return func(_ string, name string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if name == "stderr" {
			stderr.Write(data)
			return
		}
		stdout.Write(data)
	}
}

func printResult(w io.Writer, result worker.RunResult, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
	fmt.Fprintf(w, "run %s: %s\n", result.UUID, result.State)
	if result.ExitCode != nil {
		fmt.Fprintf(w, "  exit code: %d\n", *result.ExitCode)
	}
	if result.RunningTime > 0 {
		fmt.Fprintf(w, "  running time: %s\n", result.RunningTime)
	}
	if result.FailureMessage != "" {
		fmt.Fprintf(w, "  failure: %s\n", result.FailureMessage)
	}
	return nil
}
