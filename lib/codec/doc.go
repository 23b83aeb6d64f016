// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the module's CBOR encoding configuration.
//
// Two serialization formats are used with a fixed boundary:
//
//   - JSON for anything that leaves the process: HTTP requests to the
//     tracking service, the offline dataset and experiment.json inside
//     an archive, and CLI --json output.
//   - CBOR for state private to one process: the payload column of the
//     replay store.
//
// Payload types carry `json` struct tags only. fxamacker/cbor falls
// back to `json` tags when `cbor` tags are absent, so one tag set
// controls field naming in both formats.
package codec
