// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Reader answers metadata queries from the index and reads payload
// ranges by decompressing only the blocks that cover them. Safe for
// concurrent use.
type Reader struct {
	source Source
	index  *Index

	byName map[string]int
	dirs   map[string]bool

	mu          sync.Mutex
	closed      bool
	cachedBlock int
	cachedData  []byte
}

// Open loads bundlePath's index sidecar and opens the archive through
// opener. The returned Reader owns the archive Source.
func Open(ctx context.Context, opener Opener, bundlePath string) (*Reader, error) {
	indexSource, err := opener.Open(ctx, bundlePath+IndexSuffix)
	if err != nil {
		return nil, fmt.Errorf("opening archive index: %w", err)
	}
	sidecar, err := readAll(indexSource)
	indexSource.Close()
	if err != nil {
		return nil, fmt.Errorf("reading archive index: %w", err)
	}
	index, err := DecodeIndex(sidecar)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bundlePath, err)
	}

	source, err := opener.Open(ctx, bundlePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	reader, err := NewReader(source, index)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("%s: %w", bundlePath, err)
	}
	return reader, nil
}

// NewReader wraps an already-open source and its decoded index. The
// index must describe exactly the source's bytes.
func NewReader(source Source, index *Index) (*Reader, error) {
	if err := index.Validate(); err != nil {
		return nil, err
	}
	if index.CompressedSize() != source.Size() {
		return nil, fmt.Errorf("%w: index describes %d bytes, archive has %d",
			ErrArchiveCorrupt, index.CompressedSize(), source.Size())
	}

	reader := &Reader{
		source:      source,
		index:       index,
		byName:      make(map[string]int, len(index.Entries)),
		dirs:        make(map[string]bool),
		cachedBlock: -1,
	}
	for i, entry := range index.Entries {
		reader.byName[entry.Name] = i
		for parent := parentOf(entry.Name); parent != ""; parent = parentOf(parent) {
			reader.dirs[parent] = true
		}
	}
	return reader, nil
}

func parentOf(name string) string {
	slash := strings.LastIndexByte(name, '/')
	if slash < 0 {
		return ""
	}
	return name[:slash]
}

// Index returns the loaded index. Callers must not modify it.
func (r *Reader) Index() *Index { return r.index }

// EntryInfo returns the metadata of name. The archive root and
// directories that exist only as parents of other entries are reported
// as synthetic directory entries.
func (r *Reader) EntryInfo(name string) (Entry, error) {
	name = NormalizeName(name)
	if i, ok := r.byName[name]; ok {
		return r.index.Entries[i], nil
	}
	if name == "" || r.dirs[name] {
		return Entry{Name: name, Type: tar.TypeDir, Mode: 0o755}, nil
	}
	return Entry{}, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
}

// Descendants returns subpath and everything beneath it in archive
// order, with names made relative to subpath. The subtree root, when it
// has its own entry, is named "".
func (r *Reader) Descendants(subpath string) ([]Entry, error) {
	subpath = NormalizeName(subpath)

	var descendants []Entry
	prefix := subpath + "/"
	for _, entry := range r.index.Entries {
		switch {
		case subpath == "":
		case entry.Name == subpath:
			entry.Name = ""
		case strings.HasPrefix(entry.Name, prefix):
			entry.Name = entry.Name[len(prefix):]
		default:
			continue
		}
		descendants = append(descendants, entry)
	}

	if len(descendants) == 0 && subpath != "" {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, subpath)
	}
	return descendants, nil
}

// ReadAt returns up to length bytes of entry's payload starting at
// offset. Reads are clamped to the payload; reading at or past the end
// returns an empty slice.
func (r *Reader) ReadAt(entry Entry, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d for %q", offset, length, entry.Name)
	}
	if !entry.IsRegular() || offset >= entry.Size {
		return []byte{}, nil
	}
	length = min(length, entry.Size-offset)

	start := entry.Offset + offset
	end := start + length
	blocks := r.index.Blocks

	first := sort.Search(len(blocks), func(i int) bool {
		return blocks[i].UncompressedEnd() > start
	})

	out := make([]byte, 0, length)
	for i := first; i < len(blocks) && blocks[i].UncompressedOffset < end; i++ {
		data, err := r.block(i)
		if err != nil {
			return nil, err
		}
		block := blocks[i]
		from := max(start, block.UncompressedOffset) - block.UncompressedOffset
		to := min(end, block.UncompressedEnd()) - block.UncompressedOffset
		out = append(out, data[from:to]...)
	}
	if int64(len(out)) != length {
		return nil, fmt.Errorf("%w: payload of %q not covered by blocks", ErrArchiveCorrupt, entry.Name)
	}
	return out, nil
}

// block fetches, verifies, and decompresses block i, keeping the most
// recent block for sequential readers.
func (r *Reader) block(i int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("archive reader is closed")
	}
	if r.cachedBlock == i {
		return r.cachedData, nil
	}

	block := r.index.Blocks[i]
	compressed := make([]byte, block.CompressedSize)
	n, err := r.source.ReadAt(compressed, block.CompressedOffset)
	if n != len(compressed) {
		if err == nil || err == io.EOF {
			err = errShortRead
		}
		return nil, fmt.Errorf("reading block %d: %w", i, err)
	}

	if blockChecksum(compressed) != block.Checksum {
		return nil, fmt.Errorf("%w: block %d checksum mismatch", ErrArchiveCorrupt, i)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrArchiveCorrupt, i, err)
	}
	data := make([]byte, 0, block.UncompressedSize)
	buffer := bytes.NewBuffer(data)
	if _, err := io.Copy(buffer, io.LimitReader(gz, block.UncompressedSize+1)); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrArchiveCorrupt, i, err)
	}
	if int64(buffer.Len()) != block.UncompressedSize {
		return nil, fmt.Errorf("%w: block %d decompressed to %d bytes, index says %d",
			ErrArchiveCorrupt, i, buffer.Len(), block.UncompressedSize)
	}

	r.cachedBlock = i
	r.cachedData = buffer.Bytes()
	return r.cachedData, nil
}

// Close releases the archive Source. Calling Close more than once is a
// no-op.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cachedData = nil
	return r.source.Close()
}
