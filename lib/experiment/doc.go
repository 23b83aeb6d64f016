// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package experiment is the application-facing logging API.
//
// An [Experiment] turns calls like LogMetric and UploadAsset into
// messages and hands them to a fallback coordinator. Logging calls
// never block on the network. End shuts the pipeline down and returns
// [ErrNotDelivered] when the data was neither delivered nor saved to
// an offline archive.
package experiment
