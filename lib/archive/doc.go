// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive packs an offline data directory into a single zip
// file that can be uploaded to the tracking service later.
//
// An archive contains the dataset written by package offline, the
// copied asset files under assets/, and experiment.json describing the
// experiment the data belongs to. The metadata carries a BLAKE3 keyed
// digest of the dataset file so that a reader can tell a truncated or
// altered archive from a valid one before replaying it.
package archive
