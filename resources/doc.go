// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resources hands out exclusive CPU and GPU units, and a memory
// ceiling, to runs on one worker host.
//
// An [Allocator] owns the free sets. [Allocator.Acquire] is
// all-or-nothing: either every requested unit is assigned or nothing
// changes and an [*UnavailableError] is returned. Two live assignments
// never share a unit, and the free set plus every live assignment always
// equals the declared capacity. The allocator never queues; callers
// decide whether to wait and retry.
//
// The parse helpers turn configuration strings ("0-3,8", "16G") into
// the capacity the allocator is built from.
package resources
