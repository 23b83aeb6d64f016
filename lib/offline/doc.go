// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package offline writes experiment messages to a local dataset when
// the tracking service cannot be used.
//
// A [Sender] owns a data directory with this layout:
//
//	messages.jsonl        one JSON envelope per line (or .jsonl.zst, .jsonl.lz4)
//	assets/<id>-<name>    copies of files referenced by asset uploads
//
// Each line is the same envelope the online transport sends:
// {"message_id", "type", "timestamp", "payload"}. Asset payloads are
// rewritten to point at their copy under assets/ so the directory is
// self-contained and can be zipped by package archive.
//
// Writes happen on one goroutine. The first write error stops the
// sender: OnError is called once and every later Put is dropped. The
// caller decides what a failed offline sender means for the
// experiment.
package offline
