// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dependency turns a run's declared dependencies into the
// concrete read-only mounts its execution unit receives.
//
// A dependency names a parent bundle, a path inside it, and the path
// under the run's working directory where that subtree appears. The
// [Planner] resolves each parent bundle through a [Resolver]:
//
//   - A bundle present in the local store is bind-mounted directly,
//     after checking that the requested path (symlinks resolved) stays
//     inside the bundle.
//   - A bundle that only exists as an indexed remote archive is
//     materialised from exactly the requested subtree: either streamed
//     through lib/tarstream and extracted into the run's staging
//     directory, or served lazily by a lib/depfs FUSE mount. The FUSE
//     mode falls back to staging when /dev/fuse is unavailable or the
//     subtree is a single file.
//
// Nothing outside a dependency's declared subtree reaches the host path
// that is mounted, so nothing outside it is reachable in the container.
//
// Planning is all-or-nothing: if any dependency fails, everything
// already prepared is released and no mounts are returned, so the run
// fails before a container is started.
package dependency
