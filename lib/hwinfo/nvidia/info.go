// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package nvidia discovers NVIDIA GPUs managed by the proprietary
// kernel driver. Device identity is read from
// /proc/driver/nvidia/gpus/<pci-slot>/information, which the driver
// populates for every GPU it has bound. No NVML or cgo is involved, so
// the package works inside minimal containers that only bind-mount
// /proc.
//
// Hosts running nouveau (or no NVIDIA driver at all) report no
// devices. Callers treat an empty result as "no GPU support" rather
// than as an error.
package nvidia

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Device is one NVIDIA GPU as reported by the driver.
type Device struct {
	// Minor is the device minor number, which is also the index used
	// by /dev/nvidia<N> and by CUDA_VISIBLE_DEVICES.
	Minor int

	// UUID is the driver-assigned identifier, e.g.
	// "GPU-5b2c4ad6-3f1e-1c6b-9c4e-7f0a0d2e6a11".
	UUID string

	// Model is the marketing name, e.g. "NVIDIA A100-SXM4-80GB".
	Model string

	// PCISlot is the bus address directory name under
	// /proc/driver/nvidia/gpus.
	PCISlot string
}

// Prober reads NVIDIA device information from procfs.
type Prober struct {
	// procRoot is the root of the proc filesystem. "/proc" in
	// production; a temporary directory in tests.
	procRoot string
}

// NewProber creates a Prober that reads from the real /proc.
func NewProber() *Prober {
	return &Prober{procRoot: "/proc"}
}

// NewProberFrom creates a Prober rooted at procRoot. Used by tests and
// by workers that see the host's procfs at a non-standard path.
func NewProberFrom(procRoot string) *Prober {
	return &Prober{procRoot: procRoot}
}

// Enumerate returns every GPU the proprietary driver exposes, sorted by
// minor number. Entries whose information file lacks a minor number or
// UUID are skipped. Returns nil when the driver is not loaded.
func (p *Prober) Enumerate() []Device {
	base := filepath.Join(p.procRoot, "driver/nvidia/gpus")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}

	var devices []Device
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		device, ok := readInformation(filepath.Join(base, entry.Name(), "information"))
		if !ok {
			continue
		}
		device.PCISlot = entry.Name()
		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Minor < devices[j].Minor
	})
	return devices
}

// Devices returns the GPU UUID of each device keyed by minor number.
// The map is empty (not nil) when no devices are present.
func (p *Prober) Devices() map[int]string {
	result := make(map[int]string)
	for _, device := range p.Enumerate() {
		result[device.Minor] = device.UUID
	}
	return result
}

// readInformation parses one driver information file. The file holds
// key-value lines like:
//
//	Model:           NVIDIA GeForce RTX 4090
//	GPU UUID:        GPU-xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
//	Device Minor:    0
func readInformation(path string) (Device, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Device{}, false
	}

	device := Device{Minor: -1}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Model":
			device.Model = value
		case "GPU UUID":
			device.UUID = value
		case "Device Minor":
			minor, err := strconv.Atoi(value)
			if err == nil && minor >= 0 {
				device.Minor = minor
			}
		}
	}

	if device.Minor < 0 || device.UUID == "" {
		return Device{}, false
	}
	return device, true
}
