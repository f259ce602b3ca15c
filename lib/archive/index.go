// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/bundleworker/lib/codec"
)

// IndexSuffix is appended to an archive path to name its index sidecar.
const IndexSuffix = ".index"

// IndexVersion is the sidecar format version written by this package.
const IndexVersion = 1

// indexMagic starts every sidecar.
var indexMagic = [4]byte{'B', 'W', 'I', 'X'}

const (
	indexCompressionNone byte = 0
	indexCompressionLZ4  byte = 1
)

// blockKey domain-separates block checksums from any other BLAKE3 use.
var blockKey = [32]byte{'b', 'u', 'n', 'd', 'l', 'e', 'w', 'o', 'r', 'k', 'e', 'r', '.', 'a', 'r', 'c', 'h', 'i', 'v', 'e', '.', 'b', 'l', 'o', 'c', 'k', '.', 'v', '1'}

// Index describes an archive's blocks and entries.
type Index struct {
	Version   int     `cbor:"version"`
	BlockSize int64   `cbor:"block_size"`
	Blocks    []Block `cbor:"blocks"`

	// Entries are in archive order.
	Entries []Entry `cbor:"entries"`
}

// Block is one gzip member of the archive.
type Block struct {
	CompressedOffset   int64    `cbor:"compressed_offset"`
	CompressedSize     int64    `cbor:"compressed_size"`
	UncompressedOffset int64    `cbor:"uncompressed_offset"`
	UncompressedSize   int64    `cbor:"uncompressed_size"`
	Checksum           [32]byte `cbor:"checksum"`
}

// CompressedEnd is the archive byte offset just past this block.
func (b Block) CompressedEnd() int64 { return b.CompressedOffset + b.CompressedSize }

// UncompressedEnd is the tar stream offset just past this block.
func (b Block) UncompressedEnd() int64 { return b.UncompressedOffset + b.UncompressedSize }

// CompressedSize returns the total archive size the index describes.
func (index *Index) CompressedSize() int64 {
	if len(index.Blocks) == 0 {
		return 0
	}
	return index.Blocks[len(index.Blocks)-1].CompressedEnd()
}

// UncompressedSize returns the length of the tar stream.
func (index *Index) UncompressedSize() int64 {
	if len(index.Blocks) == 0 {
		return 0
	}
	return index.Blocks[len(index.Blocks)-1].UncompressedEnd()
}

// Validate checks internal consistency: contiguous blocks and entry
// payloads that lie inside the uncompressed stream.
func (index *Index) Validate() error {
	if index.Version != IndexVersion {
		return fmt.Errorf("%w: index version %d, want %d", ErrArchiveCorrupt, index.Version, IndexVersion)
	}

	var compressed, uncompressed int64
	for i, block := range index.Blocks {
		if block.CompressedOffset != compressed || block.UncompressedOffset != uncompressed {
			return fmt.Errorf("%w: block %d is not contiguous", ErrArchiveCorrupt, i)
		}
		if block.CompressedSize <= 0 || block.UncompressedSize <= 0 {
			return fmt.Errorf("%w: block %d is empty", ErrArchiveCorrupt, i)
		}
		compressed = block.CompressedEnd()
		uncompressed = block.UncompressedEnd()
	}

	for _, entry := range index.Entries {
		if entry.Size < 0 || entry.Offset < 0 || entry.Offset+entry.Size > uncompressed {
			return fmt.Errorf("%w: entry %q payload [%d, %d) outside stream of %d bytes",
				ErrArchiveCorrupt, entry.Name, entry.Offset, entry.Offset+entry.Size, uncompressed)
		}
	}
	return nil
}

// EncodeIndex serialises an index into sidecar bytes: magic, a
// compression byte, the uvarint length of the CBOR payload, then the
// payload (LZ4 block-compressed when that makes it smaller).
func EncodeIndex(index *Index) ([]byte, error) {
	payload, err := codec.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("encoding archive index: %w", err)
	}

	var out bytes.Buffer
	out.Write(indexMagic[:])

	compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
	written, err := lz4.CompressBlock(payload, compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("compressing archive index: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(payload) {
		out.WriteByte(indexCompressionNone)
		out.Write(binary.AppendUvarint(nil, uint64(len(payload))))
		out.Write(payload)
		return out.Bytes(), nil
	}

	out.WriteByte(indexCompressionLZ4)
	out.Write(binary.AppendUvarint(nil, uint64(len(payload))))
	out.Write(compressed[:written])
	return out.Bytes(), nil
}

// maxIndexPayload bounds the decoded CBOR size so that a corrupt
// length field cannot force a huge allocation.
const maxIndexPayload = 1 << 30

// DecodeIndex parses and validates sidecar bytes. Every failure wraps
// ErrArchiveCorrupt.
func DecodeIndex(data []byte) (*Index, error) {
	if len(data) < len(indexMagic)+2 || !bytes.Equal(data[:len(indexMagic)], indexMagic[:]) {
		return nil, fmt.Errorf("%w: missing index header", ErrArchiveCorrupt)
	}
	compression := data[len(indexMagic)]
	length, n := binary.Uvarint(data[len(indexMagic)+1:])
	if n <= 0 || length > maxIndexPayload {
		return nil, fmt.Errorf("%w: bad index length", ErrArchiveCorrupt)
	}
	body := data[len(indexMagic)+1+n:]

	var payload []byte
	switch compression {
	case indexCompressionNone:
		payload = body
	case indexCompressionLZ4:
		payload = make([]byte, length)
		read, err := lz4.UncompressBlock(body, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing index: %v", ErrArchiveCorrupt, err)
		}
		payload = payload[:read]
	default:
		return nil, fmt.Errorf("%w: unknown index compression %d", ErrArchiveCorrupt, compression)
	}
	if uint64(len(payload)) != length {
		return nil, fmt.Errorf("%w: index payload is %d bytes, header says %d", ErrArchiveCorrupt, len(payload), length)
	}

	var index Index
	if err := codec.Unmarshal(payload, &index); err != nil {
		return nil, fmt.Errorf("%w: decoding index: %v", ErrArchiveCorrupt, err)
	}
	if err := index.Validate(); err != nil {
		return nil, err
	}
	return &index, nil
}

// blockChecksum computes the keyed BLAKE3 checksum of a compressed
// block.
func blockChecksum(data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(blockKey[:])
	if err != nil {
		panic("archive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

// errShortRead is returned by sources that cannot satisfy a block read.
var errShortRead = errors.New("short read")
