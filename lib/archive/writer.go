// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// DefaultBlockSize is the uncompressed span of one gzip member.
const DefaultBlockSize = 4 << 20

// WriterOptions configures archive creation.
type WriterOptions struct {
	// BlockSize is the uncompressed bytes per gzip member. Zero uses
	// DefaultBlockSize.
	BlockSize int64

	// Level is the gzip compression level. Zero uses
	// gzip.DefaultCompression.
	Level int
}

// Writer produces an indexed archive. Entries are added with
// WriteEntry; Close finishes the tar stream, flushes the last block,
// and returns the index to be stored with EncodeIndex.
type Writer struct {
	blocks *blockWriter
	tar    *tar.Writer
	index  Index
	closed bool
}

// NewWriter returns a Writer that writes compressed blocks to dst.
func NewWriter(dst io.Writer, options WriterOptions) *Writer {
	blockSize := options.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	level := options.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	blocks := &blockWriter{dst: dst, blockSize: blockSize, level: level}
	return &Writer{
		blocks: blocks,
		tar:    tar.NewWriter(blocks),
		index:  Index{Version: IndexVersion, BlockSize: blockSize},
	}
}

// WriteEntry appends one entry. body supplies exactly header.Size bytes
// for regular files and is ignored otherwise.
func (w *Writer) WriteEntry(header *tar.Header, body io.Reader) error {
	if w.closed {
		return errors.New("archive writer is closed")
	}
	entry := entryFromHeader(header)

	if err := w.tar.WriteHeader(header); err != nil {
		return fmt.Errorf("writing header for %q: %w", header.Name, err)
	}
	// tar.Writer emits the header synchronously, so the next byte
	// written is the first payload byte.
	entry.Offset = w.blocks.written

	if entry.IsRegular() && entry.Size > 0 {
		copied, err := io.Copy(w.tar, io.LimitReader(body, entry.Size))
		if err != nil {
			return fmt.Errorf("writing payload for %q: %w", header.Name, err)
		}
		if copied != entry.Size {
			return fmt.Errorf("payload for %q is %d bytes, header says %d", header.Name, copied, entry.Size)
		}
	}

	w.index.Entries = append(w.index.Entries, entry)
	return nil
}

// Close writes the end-of-archive trailer and the final block. The
// returned index is complete and validated.
func (w *Writer) Close() (*Index, error) {
	if w.closed {
		return nil, errors.New("archive writer is closed")
	}
	w.closed = true

	if err := w.tar.Close(); err != nil {
		return nil, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := w.blocks.flush(); err != nil {
		return nil, err
	}
	w.index.Blocks = w.blocks.blocks
	if err := w.index.Validate(); err != nil {
		return nil, err
	}
	index := w.index
	return &index, nil
}

// Write re-packs a tar stream into an indexed archive.
func Write(dst io.Writer, src *tar.Reader, options WriterOptions) (*Index, error) {
	writer := NewWriter(dst, options)
	for {
		header, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading source tar: %w", err)
		}
		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		if err := writer.WriteEntry(header, src); err != nil {
			return nil, err
		}
	}
	return writer.Close()
}

// WriteDirectory archives the contents of dir (not dir itself) in
// lexical walk order. Directory entries precede their contents.
func WriteDirectory(dst io.Writer, dir string, options WriterOptions) (*Index, error) {
	writer := NewWriter(dst, options)

	err := filepath.WalkDir(dir, func(path string, dirEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := dirEntry.Info()
		if err != nil {
			return err
		}

		var linkTarget string
		if info.Mode()&fs.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return fmt.Errorf("building header for %s: %w", relative, err)
		}
		header.Name = filepath.ToSlash(relative)
		if info.IsDir() {
			header.Name += "/"
		}

		if !info.Mode().IsRegular() {
			return writer.WriteEntry(header, nil)
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		return writer.WriteEntry(header, file)
	})
	if err != nil {
		return nil, fmt.Errorf("archiving %s: %w", dir, err)
	}
	return writer.Close()
}

// CreateFromDirectory writes <archivePath> and <archivePath>.index for
// the contents of dir.
func CreateFromDirectory(archivePath, dir string, options WriterOptions) (*Index, error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return nil, err
	}
	index, err := WriteDirectory(file, dir, options)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	sidecar, err := EncodeIndex(index)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(archivePath+IndexSuffix, sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("writing index sidecar: %w", err)
	}
	return index, nil
}

// blockWriter cuts the uncompressed tar stream into fixed-size spans and
// writes each as an independent gzip member.
type blockWriter struct {
	dst       io.Writer
	blockSize int64
	level     int

	pending bytes.Buffer

	// written counts uncompressed bytes accepted so far.
	written int64

	compressedOffset int64
	blocks           []Block
}

func (b *blockWriter) Write(p []byte) (int, error) {
	b.pending.Write(p)
	b.written += int64(len(p))
	for int64(b.pending.Len()) >= b.blockSize {
		if err := b.emit(b.pending.Next(int(b.blockSize))); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (b *blockWriter) flush() error {
	if b.pending.Len() == 0 {
		return nil
	}
	return b.emit(b.pending.Next(b.pending.Len()))
}

func (b *blockWriter) emit(data []byte) error {
	var compressed bytes.Buffer
	gz, err := gzip.NewWriterLevel(&compressed, b.level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compressing block: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing block: %w", err)
	}

	if _, err := b.dst.Write(compressed.Bytes()); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}

	var uncompressedOffset int64
	if len(b.blocks) > 0 {
		uncompressedOffset = b.blocks[len(b.blocks)-1].UncompressedEnd()
	}
	b.blocks = append(b.blocks, Block{
		CompressedOffset:   b.compressedOffset,
		CompressedSize:     int64(compressed.Len()),
		UncompressedOffset: uncompressedOffset,
		UncompressedSize:   int64(len(data)),
		Checksum:           blockChecksum(compressed.Bytes()),
	})
	b.compressedOffset += int64(compressed.Len())
	return nil
}
