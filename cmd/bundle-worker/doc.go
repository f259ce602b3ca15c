// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bundle-worker executes run bundles on this host and inspects bundle
// archives.
//
// "bundle-worker run" executes one run request end to end: dependency
// mounts are prepared, resources are reserved, an execution unit is
// started on the configured backend (Docker or Kubernetes) and
// monitored until it finishes, and everything is released. The
// remaining subcommands operate on bundle archives directly:
//
//	bundle-worker stream LOCATOR   write a subtree of an archive as tar
//	bundle-worker ls LOCATOR       list the entries under a subtree
//	bundle-worker index --dir DIR --out BUNDLE.tar.gz
//	bundle-worker gpus             list the host's NVIDIA GPUs
//
// Configuration comes from --config or BUNDLE_WORKER_CONFIG (see
// lib/config). Logs go to stderr as text on a terminal and as JSON
// otherwise; BUNDLE_WORKER_DEBUG=1 enables debug records.
package main
