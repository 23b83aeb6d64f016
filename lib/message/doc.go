// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines the unit of telemetry that flows through the
// delivery pipeline.
//
// A [Message] pairs a sequence id with a [Payload]. Payload is a closed
// set of variants (metric, parameter, log_other, standard_output,
// system_details, asset_upload, event), each identified by its [Kind].
// The kind is the only thing a decoder looks at to choose a variant:
// the JSON envelope carries it as "type", and the replay store keeps
// it in its own column next to the CBOR payload bytes.
//
// Sequence ids are assigned once, by the fallback coordinator, when a
// message leaves the intake queue. A zero ID means "not yet assigned".
// After assignment the id never changes, including across replay.
//
// Per-message [Callbacks] are not part of the message value. The
// replay store holds them in a side-table keyed by id.
package message
