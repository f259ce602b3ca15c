// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every on-disk
// format the worker writes, most importantly the archive index
// sidecar.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// index always produces the same bytes, so sidecars can be compared and
// content-addressed. Decoding rejects duplicate map keys; a sidecar
// that fails to decode is treated by callers as a corrupt archive.
//
//	data, err := codec.Marshal(index)
//	err = codec.Unmarshal(data, &index)
package codec
