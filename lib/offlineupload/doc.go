// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package offlineupload sends the contents of an offline archive to
// the tracking service.
//
// The archive is verified before anything is sent. Messages are
// delivered in dataset order, grouped into batches the same way the
// online sender groups them. Connection errors and throttling are
// retried with exponential backoff; any other error stops the upload.
package offlineupload
