// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dependency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/bundleworker/lib/archive"
	"github.com/bureau-foundation/bundleworker/lib/depfs"
	"github.com/bureau-foundation/bundleworker/lib/tarstream"
)

// Mode selects how remote dependencies are materialised.
type Mode string

const (
	// ModeStage extracts the subtree into the staging directory before
	// the run starts.
	ModeStage Mode = "stage"

	// ModeFUSE serves the subtree lazily from the archive.
	ModeFUSE Mode = "fuse"
)

// Mount is one prepared dependency, ready to hand to the backend.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Planner prepares dependency mounts. A Planner is safe for concurrent
// use; every Plan call works in its own staging directory.
type Planner struct {
	Resolver Resolver

	// Opener opens remote archives. Nil uses archive.DefaultOpener.
	Opener archive.Opener

	// StagingRoot holds one directory per run for extracted subtrees
	// and FUSE mountpoints.
	StagingRoot string

	Mode Mode

	// Quantum bounds the payload pulled per synthesis step while
	// staging. Zero uses tarstream.DefaultQuantum.
	Quantum int64

	// AllowOther is passed to FUSE mounts so the container's user can
	// read them.
	AllowOther bool

	// fuseAvailable overrides the /dev/fuse probe in tests.
	fuseAvailable func() bool

	Logger *slog.Logger
}

// Plan holds the mounts prepared for one run and the host resources
// behind them.
type Plan struct {
	Mounts []Mount

	logger  *slog.Logger
	root    string
	staged  []string
	servers []fuseMount

	mu       sync.Mutex
	released bool
}

type fuseMount struct {
	server     *fuse.Server
	reader     *archive.Reader
	mountpoint string
}

func (p *Planner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Planner) opener() archive.Opener {
	if p.Opener == nil {
		return archive.DefaultOpener{}
	}
	return p.Opener
}

// Plan validates dependencies and prepares a mount for each, in order.
// containerWorkDir is the run's working directory inside the
// container; child paths are placed beneath it. On error nothing stays
// prepared.
func (p *Planner) Plan(ctx context.Context, runUUID, containerWorkDir string, dependencies []Dependency) (*Plan, error) {
	if err := Validate(dependencies); err != nil {
		return nil, err
	}
	if p.Resolver == nil && len(dependencies) > 0 {
		return nil, errors.New("dependency planner has no resolver")
	}

	plan := &Plan{
		logger: p.logger(),
		root:   filepath.Join(p.StagingRoot, runUUID),
	}
	for index, dependency := range dependencies {
		hostPath, err := p.prepare(ctx, plan, index, dependency)
		if err == nil {
			var mounts []Mount
			mounts, err = placeMounts(hostPath, containerWorkDir, dependency)
			plan.Mounts = append(plan.Mounts, mounts...)
		}
		if err != nil {
			if releaseErr := plan.Release(); releaseErr != nil {
				plan.logger.Warn("releasing partially prepared dependencies", "run", runUUID, "error", releaseErr)
			}
			return nil, fmt.Errorf("dependency %s: %w", dependency, err)
		}
	}

	p.logger().Info("dependencies prepared",
		"run", runUUID,
		"dependencies", len(dependencies),
		"mounts", len(plan.Mounts),
		"staged", len(plan.staged),
		"fuse", len(plan.servers),
	)
	return plan, nil
}

// prepare returns a host path holding exactly the dependency's subtree.
func (p *Planner) prepare(ctx context.Context, plan *Plan, index int, dependency Dependency) (string, error) {
	location, err := p.Resolver.Resolve(ctx, dependency.ParentUUID)
	if err != nil {
		return "", err
	}
	if !location.Remote() {
		return localSubtree(location.LocalPath, dependency.ParentPath)
	}

	locator := location.Archive
	locator.Subpath = archive.NormalizeName(dependency.ParentPath)
	target := filepath.Join(plan.root, fmt.Sprintf("%d-%s", index, dependency.ParentUUID))

	if p.Mode == ModeFUSE {
		hostPath, err := p.mountFUSE(ctx, plan, locator, target)
		if err == nil {
			return hostPath, nil
		}
		if !errors.Is(err, errFallBackToStaging) {
			return "", err
		}
	}
	return p.stage(ctx, plan, locator, target)
}

var errFallBackToStaging = errors.New("fuse unavailable for this dependency")

func (p *Planner) mountFUSE(ctx context.Context, plan *Plan, locator archive.Locator, target string) (string, error) {
	available := depfs.Available
	if p.fuseAvailable != nil {
		available = p.fuseAvailable
	}
	if !available() {
		p.logger().Warn("fuse requested but /dev/fuse is not accessible, staging instead", "archive", locator.String())
		return "", errFallBackToStaging
	}

	reader, err := archive.Open(ctx, p.opener(), locator.BundlePath)
	if err != nil {
		return "", err
	}
	mountpoint := target + ".mnt"
	server, err := depfs.Mount(depfs.Options{
		Mountpoint: mountpoint,
		Archive:    reader,
		Subpath:    locator.Subpath,
		AllowOther: p.AllowOther,
		Logger:     p.logger(),
	})
	if err != nil {
		reader.Close()
		os.Remove(mountpoint)
		if errors.Is(err, depfs.ErrNotDirectory) {
			return "", errFallBackToStaging
		}
		return "", err
	}
	plan.addServer(fuseMount{server: server, reader: reader, mountpoint: mountpoint})
	return mountpoint, nil
}

func (p *Planner) stage(ctx context.Context, plan *Plan, locator archive.Locator, target string) (string, error) {
	stream, err := tarstream.Open(ctx, p.opener(), locator, tarstream.Options{
		Quantum: p.Quantum,
		Logger:  p.logger(),
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	if err := os.MkdirAll(plan.root, 0o755); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	plan.addStaged(target)
	if err := extract(stream, target); err != nil {
		return "", fmt.Errorf("staging %s: %w", locator, err)
	}
	return target, nil
}

// localSubtree resolves parentPath inside bundleDir and refuses results
// that leave the bundle through symlinks.
func localSubtree(bundleDir, parentPath string) (string, error) {
	bundleResolved, err := filepath.EvalSymlinks(bundleDir)
	if err != nil {
		return "", fmt.Errorf("resolving bundle directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Join(bundleResolved, filepath.FromSlash(parentPath)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", archive.ErrEntryNotFound, parentPath)
		}
		return "", err
	}
	relative, err := filepath.Rel(bundleResolved, resolved)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q resolves outside its bundle", parentPath)
	}
	return resolved, nil
}

// placeMounts maps a prepared host path to container mounts. A
// dependency with a child path is one mount. A dependency placed at the
// working directory root contributes one mount per top-level entry so
// that the working directory itself stays writable for the run's
// output.
func placeMounts(hostPath, containerWorkDir string, dependency Dependency) ([]Mount, error) {
	if dependency.ChildPath != "" {
		return []Mount{{
			HostPath:      hostPath,
			ContainerPath: path.Join(containerWorkDir, dependency.ChildPath),
			ReadOnly:      true,
		}}, nil
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		name := path.Base(dependency.ParentPath)
		if dependency.ParentPath == "" {
			name = dependency.ParentUUID
		}
		if reservedNames[name] {
			return nil, fmt.Errorf("%q would shadow the run's output files", name)
		}
		return []Mount{{HostPath: hostPath, ContainerPath: path.Join(containerWorkDir, name), ReadOnly: true}}, nil
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, err
	}
	mounts := make([]Mount, 0, len(entries))
	for _, entry := range entries {
		if reservedNames[entry.Name()] {
			return nil, fmt.Errorf("entry %q would shadow the run's output files", entry.Name())
		}
		mounts = append(mounts, Mount{
			HostPath:      filepath.Join(hostPath, entry.Name()),
			ContainerPath: path.Join(containerWorkDir, entry.Name()),
			ReadOnly:      true,
		})
	}
	return mounts, nil
}

func (p *Plan) addStaged(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = append(p.staged, target)
}

func (p *Plan) addServer(mount fuseMount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = append(p.servers, mount)
}

// Release unmounts FUSE servers and deletes staged subtrees. Calling it
// more than once is a no-op. Local bundles are never touched.
func (p *Plan) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true

	var problems []error
	for _, mount := range p.servers {
		if err := mount.server.Unmount(); err != nil {
			problems = append(problems, fmt.Errorf("unmounting %s: %w", mount.mountpoint, err))
		}
		mount.reader.Close()
		if err := os.Remove(mount.mountpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
			problems = append(problems, err)
		}
	}
	for _, staged := range p.staged {
		if err := os.RemoveAll(staged); err != nil {
			problems = append(problems, fmt.Errorf("removing %s: %w", staged, err))
		}
	}
	if p.root != "" {
		// Only succeeds once the run's staging directory is empty.
		os.Remove(p.root)
	}
	p.servers, p.staged = nil, nil
	return errors.Join(problems...)
}
