// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package depfs mounts one subtree of a bundle archive as a read-only
// FUSE filesystem.
//
// The directory structure is built once from the archive index when
// the filesystem is mounted; nothing is fetched for lookups or
// listings. File reads fetch exactly the archive blocks covering the
// requested range, so a run that touches a few files of a large remote
// dependency downloads only those files. Every write fails with EROFS.
//
// The root of the mount must be a directory. A subtree whose root is a
// single file cannot be mounted and is reported by [ErrNotDirectory];
// callers stage such dependencies instead.
package depfs
