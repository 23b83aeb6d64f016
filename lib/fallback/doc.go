// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fallback routes experiment messages between the online
// delivery pipeline and the offline dataset.
//
// The [Coordinator] is the single intake point. Producers call Put,
// which never blocks. One loop goroutine assigns sequence ids, records
// every message in the replay store, and forwards it to the online
// sender while the tracking service is reachable and to the offline
// sender while offline fallback is healthy. Outcomes reported by the
// online sender update the store; connection errors mark the
// connection lost so that later messages are recorded as failed
// instead of being sent.
//
// When the connection monitor reports the service reachable again,
// the loop emits a reconnection event and replays every failed record
// through the online sender, keeping the original ids. Replayed
// messages interleave with fresh ones; no ordering between the two is
// promised.
//
// WaitForFinish decides the end state of an experiment:
//
//   - everything delivered online: keep an offline archive only when
//     KeepOfflineArchive is set;
//   - online delivery incomplete but offline data healthy: package the
//     offline data into an archive, log the upload command, and hand
//     the archive to the registered uploader;
//   - neither path usable: discard temporary data and report failure.
//
// Temporary directories are removed in every case.
package fallback
