// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by the delivery pipeline.
// Production code injects Real(); tests inject Fake() and drive time
// explicitly with Advance.
//
// Code in this module never calls time.Now, time.After, time.NewTimer
// or time.Sleep directly. Every loop, backoff and rate limit takes its
// time from a Clock so that fallback behavior can be tested without
// wall-clock waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that delivers on C after d. Loops that
	// wait with a timeout on every iteration should hold one Timer
	// and Reset it instead of calling After repeatedly.
	NewTimer(d time.Duration) *Timer

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a single scheduled event. Read the event from C.
type Timer struct {
	// C delivers the fire time. Buffered with capacity 1.
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if it already fired or was stopped. Stop does not
// drain C.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset schedules the timer to fire d after now. Returns true if the
// timer was still pending. Callers that reuse a timer after it fired
// must drain C before Reset, exactly as with time.Timer.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
