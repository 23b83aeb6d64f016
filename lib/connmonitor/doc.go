// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connmonitor tracks whether the tracking service is
// reachable.
//
// The coordinator calls [Monitor.Tick] on every loop iteration with a
// probe function. Tick invokes the probe at most once per configured
// interval and reports a [Transition]: nothing changed, the connection
// was lost, or it was restored. A restore is reported once per
// disconnect episode; the coordinator then calls [Monitor.Reset] after
// it has emitted the reconnection event and replayed failed messages.
//
// Senders report failures they observe directly through
// [Monitor.ConnectionFailed], which marks the connection lost without
// waiting for the next probe. The next successful probe then reports
// the restore.
package connmonitor
