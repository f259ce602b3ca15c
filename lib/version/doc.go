// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the bundle-worker
// binary.
//
// The variables are injected at build time via -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/bundleworker/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" in development builds and
// test runs.
package version
