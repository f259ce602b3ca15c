// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"

	"github.com/bureau-foundation/bundleworker/dependency"
	"github.com/bureau-foundation/bundleworker/execution"
	"github.com/bureau-foundation/bundleworker/execution/docker"
	"github.com/bureau-foundation/bundleworker/execution/kubernetes"
	"github.com/bureau-foundation/bundleworker/execution/monitor"
	"github.com/bureau-foundation/bundleworker/lib/config"
	"github.com/bureau-foundation/bundleworker/lib/hwinfo/nvidia"
	"github.com/bureau-foundation/bundleworker/resources"
	"github.com/bureau-foundation/bundleworker/worker"
)

// loadConfig reads path, or BUNDLE_WORKER_CONFIG when path is empty,
// and validates the result.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newRuntime builds the configured execution backend.
func newRuntime(cfg *config.Config, prober *nvidia.Prober, logger *slog.Logger) (execution.Runtime, error) {
	switch cfg.Runtime.Backend {
	case config.BackendDocker:
		rt, err := docker.New(docker.Options{
			Host:   cfg.Docker.Host,
			Prober: prober,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return rt, nil
	case config.BackendKubernetes:
		nodePath := cfg.Kubernetes.WorkVolumeHostPath
		if nodePath == "" {
			nodePath = cfg.Paths.Root
		}
		rt, err := kubernetes.New(kubernetes.Options{
			Host:      cfg.Kubernetes.Host,
			TokenFile: cfg.Kubernetes.TokenFile,
			CAFile:    cfg.Kubernetes.CAFile,
			Insecure:  cfg.Kubernetes.Insecure,
			Namespace: cfg.Kubernetes.Namespace,
			LocalRoot: cfg.Paths.Root,
			NodePath:  nodePath,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Runtime.Backend)
	}
}

// capacity resolves the resources section against the host. An empty
// cpu list means every CPU; "auto" GPUs are the devices the backend
// reports.
func capacity(ctx context.Context, section config.ResourcesConfig, rt execution.Runtime) (resources.Capacity, error) {
	var result resources.Capacity
	var err error

	if section.CPUs == "" {
		for cpu := range runtime.NumCPU() {
			result.CPUs = append(result.CPUs, cpu)
		}
	} else if result.CPUs, err = resources.ParseCPUList(section.CPUs); err != nil {
		return resources.Capacity{}, fmt.Errorf("resources.cpus: %w", err)
	}

	switch section.GPUs {
	case "", "none":
	case "auto":
		devices, err := rt.NvidiaDevices(ctx)
		if err != nil {
			return resources.Capacity{}, fmt.Errorf("discovering GPUs: %w", err)
		}
		for index := range devices {
			result.GPUs = append(result.GPUs, index)
		}
		slices.Sort(result.GPUs)
	default:
		if result.GPUs, err = resources.ParseCPUList(section.GPUs); err != nil {
			return resources.Capacity{}, fmt.Errorf("resources.gpus: %w", err)
		}
	}

	if result.MemoryBytes, err = resources.ParseMemory(section.Memory); err != nil {
		return resources.Capacity{}, fmt.Errorf("resources.memory: %w", err)
	}
	return result, nil
}

// newWorker assembles a Worker from cfg on top of rt.
func newWorker(ctx context.Context, cfg *config.Config, rt execution.Runtime, logger *slog.Logger,
	onState func(string, worker.RunState), onOutput func(uuid, name string, data []byte),
) (*worker.Worker, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	limits, err := capacity(ctx, cfg.Resources, rt)
	if err != nil {
		return nil, err
	}
	logger.Info("worker capacity",
		"backend", rt.Name(),
		"cpus", resources.FormatCPUList(limits.CPUs),
		"gpus", resources.FormatCPUList(limits.GPUs),
		"memory_bytes", limits.MemoryBytes,
	)

	return worker.New(worker.Config{
		WorkRoot: cfg.Paths.Work,
		Planner: &dependency.Planner{
			Resolver: dependency.StoreResolver{
				Local:       cfg.BundleStore.Local,
				ArchiveBase: cfg.BundleStore.ArchiveBase,
			},
			StagingRoot: cfg.Paths.Staging,
			Mode:        dependency.Mode(cfg.Dependencies.Mode),
			Quantum:     cfg.QuantumBytes(),
			AllowOther:  true,
			Logger:      logger,
		},
		Allocator: resources.New(limits),
		Runtime:   rt,
		Monitor: monitor.Monitor{
			InitialPeriod: cfg.Monitor.InitialPeriod,
			Multiplier:    cfg.Monitor.Multiplier,
			MaxPeriod:     cfg.Monitor.MaxPeriod,
			Follow:        cfg.Monitor.Follow,
		},
		DefaultImage:          cfg.Runtime.DefaultImage,
		DefaultNetwork:        cfg.Runtime.Network,
		RuntimeFlavor:         cfg.Runtime.Flavor,
		DefaultSharedMemoryGB: cfg.Runtime.SharedMemoryGB,
		OnState:               onState,
		OnOutput:              onOutput,
		Logger:                logger,
	})
}

// closeRuntime releases backend connections when the backend holds any.
func closeRuntime(rt execution.Runtime, logger *slog.Logger) {
	if closer, ok := rt.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("closing runtime", "error", err)
		}
	}
}
