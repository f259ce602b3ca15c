// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the bundle
// worker.
//
// Configuration is loaded from a single file named by either the
// BUNDLE_WORKER_CONFIG environment variable (via [Load]) or the
// --config flag (via [LoadFile]). There is no discovery and no
// fallback search.
//
// The file may carry environment-specific sections (development,
// staging, production) whose non-empty fields override the base values
// when [Config].Environment matches.
//
// After loading, path fields and the archive base URL go through
// ${VAR} and ${VAR:-default} expansion, with ${WORKER_ROOT} bound to
// paths.root. No other environment variables override config values.
package config
