// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dependency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/bundleworker/lib/archive"
)

// ErrBundleNotFound reports a parent bundle that no store holds.
var ErrBundleNotFound = errors.New("bundle not found")

// Location says where a bundle's contents can be read. Exactly one of
// LocalPath and Archive is set.
type Location struct {
	// LocalPath is the bundle's directory on this host.
	LocalPath string

	// Archive locates the bundle's indexed archive. Subpath is empty;
	// the planner fills it from the dependency.
	Archive archive.Locator
}

// Remote reports whether the bundle must be read from its archive.
func (l Location) Remote() bool {
	return l.LocalPath == ""
}

// Resolver maps a bundle UUID to its Location.
type Resolver interface {
	Resolve(ctx context.Context, bundleUUID string) (Location, error)
}

// StoreResolver checks a local directory store first and falls back to
// an archive store.
type StoreResolver struct {
	// Local holds bundles as <uuid>/ directories. Optional.
	Local string

	// ArchiveBase is a directory or http(s) URL holding
	// <uuid>.tar.gz archives with .index sidecars. Optional.
	ArchiveBase string
}

// Resolve returns the local directory when it exists, otherwise the
// archive location. The archive's existence is checked when it is
// opened, not here.
func (r StoreResolver) Resolve(_ context.Context, bundleUUID string) (Location, error) {
	if r.Local != "" {
		localPath := filepath.Join(r.Local, bundleUUID)
		info, err := os.Stat(localPath)
		switch {
		case err == nil && info.IsDir():
			return Location{LocalPath: localPath}, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return Location{}, fmt.Errorf("checking local bundle %s: %w", localPath, err)
		}
	}
	if r.ArchiveBase != "" {
		return Location{Archive: archive.Locator{BundlePath: joinLocation(r.ArchiveBase, bundleUUID+archive.ArchiveExtension)}}, nil
	}
	return Location{}, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleUUID)
}

// joinLocation appends name to a directory path or URL.
func joinLocation(base, name string) string {
	if strings.Contains(base, "://") {
		return strings.TrimRight(base, "/") + "/" + name
	}
	return filepath.Join(base, name)
}
