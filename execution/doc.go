// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package execution defines the contract between the bundle worker and
// the systems that actually run a bundle's command: the local container
// engine (package execution/docker) and a Kubernetes cluster (package
// execution/kubernetes).
//
// A [Runtime] starts one isolated, resource-bounded execution unit per
// run and answers completion queries about it. Every unit moves through
// the same states:
//
//	Created -> Running -> Finished (success or failure) | Lost
//
// Lost means the backend can no longer find the unit (host eviction,
// container removed out of band). It is terminal and is reported
// through [Completion.Lost], never folded into a failed completion, so
// that callers can tell host-level loss from command failure.
//
// CheckFinished fails closed: a backend that cannot reach its control
// plane returns a not-finished completion together with an error
// wrapping [ErrBackendUnreachable]. Only a positively observed terminal
// state produces a finished completion.
//
// Backends differ in which resource limits they can express. Each
// reports its [Capabilities]; a requested limit the backend cannot
// express is skipped and logged, as listed by [CapabilityGaps], rather
// than partially applied.
package execution
