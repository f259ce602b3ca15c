// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tarstream

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bureau-foundation/bundleworker/lib/archive"
)

// DefaultQuantum is the largest payload slice pulled from the archive
// in one step.
const DefaultQuantum = 100 << 20

// ErrStreamClosed is returned by Read after Close.
var ErrStreamClosed = errors.New("stream closed")

// EntrySource reads payload bytes and is released when the stream
// finishes. *archive.Reader satisfies it.
type EntrySource interface {
	ReadAt(entry archive.Entry, offset, length int64) ([]byte, error)
	Close() error
}

// Options configures a SubdirStream.
type Options struct {
	// Quantum bounds each archive read. Zero uses DefaultQuantum.
	Quantum int64

	Logger *slog.Logger
}

// SubdirStream is a tar stream of one archive subtree.
type SubdirStream struct {
	source      EntrySource
	descendants []archive.Entry
	quantum     int64
	logger      *slog.Logger

	cursor Cursor
	buffer bytes.Buffer
	tar    *tar.Writer

	// released is set once source.Close has been called.
	released bool
	finished bool
	closed   bool
	err      error
}

// Open resolves locator through opener and returns a stream of its
// subtree. A subpath absent from the archive fails with
// archive.ErrEntryNotFound and nothing is left open.
func Open(ctx context.Context, opener archive.Opener, locator archive.Locator, options Options) (*SubdirStream, error) {
	reader, err := archive.Open(ctx, opener, locator.BundlePath)
	if err != nil {
		return nil, err
	}
	descendants, err := reader.Descendants(locator.Subpath)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("%s: %w", locator, err)
	}
	return New(reader, descendants, options), nil
}

// New returns a stream over descendants (names relative to the subtree
// root) whose payloads are read from source. The stream owns source.
func New(source EntrySource, descendants []archive.Entry, options Options) *SubdirStream {
	quantum := options.Quantum
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stream := &SubdirStream{
		source:      source,
		descendants: descendants,
		quantum:     quantum,
		logger:      logger,
	}
	stream.tar = tar.NewWriter(&stream.buffer)
	return stream
}

// Cursor returns the current position.
func (s *SubdirStream) Cursor() Cursor { return s.cursor }

// Read fills p from the synthesised stream, running synthesis steps
// until the buffer holds len(p) bytes or the stream is complete. It
// returns io.EOF once the trailer has been fully read.
func (s *SubdirStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.err != nil {
		return 0, s.err
	}

	for s.buffer.Len() < len(p) && !s.finished {
		if err := s.step(); err != nil {
			s.err = err
			s.release()
			return 0, err
		}
	}

	n, _ := s.buffer.Read(p)
	if n == 0 && s.finished && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// step performs one unit of synthesis.
func (s *SubdirStream) step() error {
	if s.cursor.Index >= len(s.descendants) {
		if err := s.tar.Close(); err != nil {
			return fmt.Errorf("writing end-of-archive trailer: %w", err)
		}
		s.finished = true
		s.release()
		return nil
	}

	entry := s.descendants[s.cursor.Index]

	if !s.cursor.HeaderWritten {
		name := "."
		if entry.Name != "" {
			name = "./" + entry.Name
		}
		if err := s.tar.WriteHeader(entry.TarHeader(name)); err != nil {
			return fmt.Errorf("writing header for %q: %w", name, err)
		}
		s.cursor = s.cursor.withHeader()
		return nil
	}

	if entry.IsRegular() && s.cursor.Offset < entry.Size {
		length := min(s.quantum, entry.Size-s.cursor.Offset)
		data, err := s.source.ReadAt(entry, s.cursor.Offset, length)
		if err != nil {
			return fmt.Errorf("reading %q at %d: %w", entry.Name, s.cursor.Offset, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: %q ended at %d of %d bytes",
				archive.ErrArchiveCorrupt, entry.Name, s.cursor.Offset, entry.Size)
		}
		if _, err := s.tar.Write(data); err != nil {
			return fmt.Errorf("writing payload for %q: %w", entry.Name, err)
		}
		s.cursor = s.cursor.advanced(int64(len(data)))
		return nil
	}

	// Flush pads the entry to the block boundary.
	if err := s.tar.Flush(); err != nil {
		return fmt.Errorf("padding %q: %w", entry.Name, err)
	}
	s.cursor = s.cursor.next()
	return nil
}

func (s *SubdirStream) release() {
	if s.released {
		return
	}
	s.released = true
	if err := s.source.Close(); err != nil {
		s.logger.Warn("releasing archive source", "error", err)
	}
}

// Close releases the archive source and discards buffered output.
// Calling Close more than once is a no-op.
func (s *SubdirStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.release()
	s.buffer.Reset()
	return nil
}
