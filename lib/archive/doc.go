// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive reads and writes block-indexed bundle archives.
//
// A bundle archive is a tar stream compressed as a concatenation of
// independent gzip members ("blocks"), each covering a contiguous range
// of the uncompressed tar bytes. The concatenation is an ordinary gzip
// stream, so standard tools can extract it. Next to each archive sits an
// index sidecar (<archive>.index) that records, for every block, its
// compressed and uncompressed extents and a keyed BLAKE3 checksum, and
// for every tar entry its metadata and the uncompressed offset of its
// payload.
//
// With the index loaded, a [Reader] answers metadata queries without
// touching the archive and reads any byte range of any file by fetching
// and decompressing only the blocks that overlap it. Sources may be
// local files or HTTP servers that honour Range requests, so a remote
// bundle is never downloaded whole.
//
// Entry names are normalised: no leading "./" or "/", no trailing "/",
// cleaned of "." and ".." elements. The archive root is "".
//
// Errors:
//   - [ErrArchiveCorrupt]: the index does not decode, is inconsistent
//     with itself or the archive size, or a block fails its checksum.
//   - [ErrEntryNotFound]: the path is absent from the index.
package archive
