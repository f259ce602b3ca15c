// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tarstream synthesises a standalone tar stream for one subtree
// of a block-indexed bundle archive, reading only the bytes the subtree
// needs.
//
// A [SubdirStream] walks the subtree's entries in archive order. Each
// step either emits an entry header (renamed to "./<relative path>", or
// "." for the subtree root), pulls up to one quantum of the current
// file's payload from the archive, or pads the finished entry to the
// 512-byte tar block boundary and moves on. Steps run lazily until the
// internal FIFO holds what the caller asked for; when the entries are
// exhausted the end-of-archive trailer is appended and the archive
// source is released.
//
// Position is tracked by an immutable [Cursor] value; every step
// produces a new one. The stream exposes only io.Reader and io.Closer.
// It is single-consumer: concurrent Read calls are not supported.
package tarstream
