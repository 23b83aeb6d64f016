// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The coordinator loop, the connection monitor's probe interval, the
// online sender's batch timer and the upload backoff all read time
// through a [Clock]. Production wiring passes [Real]; tests pass
// [Fake] and move time forward explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	monitor, _ := connmonitor.New(connmonitor.Config{Interval: 10 * time.Second, Clock: c})
//	// ... start goroutines ...
//	c.WaitForTimers(1)          // goroutine has registered its timer
//	c.Advance(10 * time.Second) // fire it deterministically
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing the clock past it, so tests never need
// time.Sleep for synchronization.
package clock
