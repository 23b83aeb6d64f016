// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive] and [RequireClosed] wrap the timeout
// safety valve (select with a time.After fallback) so tests that wait
// on goroutines fail instead of hanging. They are the only place in
// the test suite where wall-clock timeouts appear; everything else
// runs on a fake clock.
//
// All helpers call t.Fatalf on failure.
package testutil
