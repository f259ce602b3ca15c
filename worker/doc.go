// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker executes run bundles end to end.
//
// A run is one sequential workflow:
//
//	create run directory -> plan dependency mounts -> acquire resources
//	-> start execution unit -> monitor to a terminal state
//	-> remove the unit, release resources, release mounts
//
// Many runs execute concurrently on one [Worker]; the resource
// allocator is the only state they share.
//
// Every run that gets past request validation and resource acquisition
// ends in a [RunResult] whose state is ready, failed or worker_offline,
// and every non-ready result carries a failure message. Requests that
// cannot be served at all (malformed, or not enough free resources)
// return an error instead and leave nothing behind. A run turned away
// for lack of resources reports the non-terminal state queued first.
package worker
