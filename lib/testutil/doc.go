// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the worker packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve (select with a time.After fallback) for tests that otherwise
// drive time with clock.Fake.
//
// [WriteTree] materialises a small directory tree from a map of
// relative paths, which is how archive, stream, and planner tests build
// their bundle fixtures.
//
// All helpers call t.Fatalf on failure.
package testutil
