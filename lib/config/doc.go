// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the expstream client configuration from YAML.
//
// Configuration comes from a single file named either by the
// EXPSTREAM_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). Values missing from the file keep the [Default]
// values. There is no search path.
//
// The file may carry development and production sections which
// override base values when [Config].Environment matches. Without an
// explicit production section, production keeps every offline archive.
//
// ${HOME} and ${VAR:-default} patterns are expanded in the endpoint,
// api_key, workspace, project_name, and offline.directory fields.
// Durations are written as Go duration strings ("10s", "500ms") and
// read back through the typed accessors such as [Config.CheckInterval].
package config
