// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information.
//
// [GitCommit], [GitDirty], [BuildTime] and [Version] are injected with
// -ldflags -X at build time and default to "unknown" / "0.1.0-dev".
// [Info] formats them for --version output and for the created_by
// field of offline archives.
package version
