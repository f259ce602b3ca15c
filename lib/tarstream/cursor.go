// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tarstream

// Cursor is the stream position: which descendant is current, whether
// its header has been emitted, and how much of its payload has been
// copied. Cursor values are never mutated; the step methods return new
// ones.
type Cursor struct {
	// Index is the position in the descendant list. Index equal to
	// the list length means every entry has been emitted.
	Index int

	// HeaderWritten reports whether the current entry's header is in
	// the output.
	HeaderWritten bool

	// Offset is the number of payload bytes of the current entry
	// already emitted.
	Offset int64
}

// withHeader marks the current entry's header as emitted.
func (c Cursor) withHeader() Cursor {
	return Cursor{Index: c.Index, HeaderWritten: true}
}

// advanced records n more payload bytes.
func (c Cursor) advanced(n int64) Cursor {
	return Cursor{Index: c.Index, HeaderWritten: c.HeaderWritten, Offset: c.Offset + n}
}

// next moves to the following entry.
func (c Cursor) next() Cursor {
	return Cursor{Index: c.Index + 1}
}
