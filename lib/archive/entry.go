// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"errors"
	"io/fs"
	"path"
	"strings"
	"time"
)

var (
	// ErrArchiveCorrupt reports an index or block that fails validation.
	ErrArchiveCorrupt = errors.New("archive corrupt")

	// ErrEntryNotFound reports a path absent from the archive index.
	ErrEntryNotFound = errors.New("entry not found")
)

// Entry is the metadata of one archived path. Type uses tar type flags.
type Entry struct {
	Name     string `cbor:"name"`
	Type     byte   `cbor:"type"`
	Size     int64  `cbor:"size"`
	Mode     int64  `cbor:"mode"`
	MTime    int64  `cbor:"mtime_ns"`
	Linkname string `cbor:"linkname,omitempty"`
	UID      int    `cbor:"uid"`
	GID      int    `cbor:"gid"`
	Uname    string `cbor:"uname,omitempty"`
	Gname    string `cbor:"gname,omitempty"`

	// Offset is the position of the payload in the uncompressed tar
	// stream. Meaningful for regular files only.
	Offset int64 `cbor:"offset"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Type == tar.TypeDir }

// IsRegular reports whether the entry carries a payload.
func (e Entry) IsRegular() bool { return e.Type == tar.TypeReg }

// IsSymlink reports whether the entry is a symbolic link.
func (e Entry) IsSymlink() bool { return e.Type == tar.TypeSymlink }

// ModTime returns the modification time.
func (e Entry) ModTime() time.Time { return time.Unix(0, e.MTime) }

// FileMode returns the permission bits and type as an fs.FileMode.
func (e Entry) FileMode() fs.FileMode {
	mode := fs.FileMode(e.Mode) & fs.ModePerm
	switch e.Type {
	case tar.TypeDir:
		mode |= fs.ModeDir
	case tar.TypeSymlink:
		mode |= fs.ModeSymlink
	}
	return mode
}

// TarHeader returns a header carrying the entry's metadata under name.
// Size is set only for regular files.
func (e Entry) TarHeader(name string) *tar.Header {
	header := &tar.Header{
		Name:     name,
		Typeflag: e.Type,
		Mode:     e.Mode,
		ModTime:  e.ModTime(),
		Linkname: e.Linkname,
		Uid:      e.UID,
		Gid:      e.GID,
		Uname:    e.Uname,
		Gname:    e.Gname,
	}
	if e.IsRegular() {
		header.Size = e.Size
	}
	return header
}

// entryFromHeader records header metadata. Offset is filled by the
// writer.
func entryFromHeader(header *tar.Header) Entry {
	typeflag := header.Typeflag
	if typeflag == tar.TypeRegA {
		typeflag = tar.TypeReg
	}
	entry := Entry{
		Name:     NormalizeName(header.Name),
		Type:     typeflag,
		Mode:     header.Mode,
		MTime:    header.ModTime.UnixNano(),
		Linkname: header.Linkname,
		UID:      header.Uid,
		GID:      header.Gid,
		Uname:    header.Uname,
		Gname:    header.Gname,
	}
	if typeflag == tar.TypeReg {
		entry.Size = header.Size
	}
	return entry
}

// NormalizeName returns the canonical index form of an archive path.
func NormalizeName(name string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(name))
	return strings.TrimPrefix(cleaned, "/")
}
