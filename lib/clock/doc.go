// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// execution monitor and the worker.
//
// Polling loops accept a Clock instead of calling time.Now, time.After,
// or time.Sleep directly. Production code passes Real(). Tests pass
// Fake(), which only moves when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go monitor.Wait(ctx, runtime, handle)
//	c.WaitForTimers(1)     // the monitor is sleeping
//	c.Advance(time.Second) // wake it deterministically
//
// FakeClock also records every duration passed to After or Sleep, so a
// test can assert the exact backoff schedule a loop followed.
package clock
