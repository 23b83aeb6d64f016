// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replaystore is the durable record of messages whose delivery
// has not been confirmed.
//
// Every message is registered when it leaves the coordinator's intake
// queue, with status [Registered] when the connection is up or
// [Failed] when it is not. Delivery outcomes update the record:
// [Delivered] deletes it, [Failed] marks it for replay. After a
// reconnection [Store.ReplayFailedMessages] flips every failed record
// back to registered and hands the reconstructed messages to the
// caller for resubmission.
//
// The database lives in a private temporary directory removed by
// [Store.Close]. Records are rows of (message_id, status,
// message_type, message_payload) with the payload encoded as CBOR.
//
// The store never returns errors to its callers. The first storage
// failure is logged at ERROR and moves the store to [StatusError];
// every later call is a no-op. Losing replay is preferable to failing
// the host application.
//
// Per-message callbacks live in an in-memory side-table keyed by id.
// OnSent fires when a record is deleted as delivered; OnFailed fires
// at Close for every record still held. Both fire outside the store's
// lock, so callbacks may call back into the store.
package replaystore
