// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// expstream records experiment telemetry from the command line and
// manages offline archives.
//
//	expstream stream   read records from stdin and deliver them
//	expstream inspect  print an archive's metadata and verify it
//	expstream upload   send an archive to the tracking service
//
// Configuration comes from --config, or the file named by
// EXPSTREAM_CONFIG, or the built-in defaults.
package main
