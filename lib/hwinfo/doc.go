// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hwinfo reads a static hardware inventory of the host for the
// system details recorded with each experiment: CPU model and
// topology, L3 cache, NUMA nodes, total memory, board identity, and
// kernel release.
//
// Everything comes from files under /proc and /sys. Missing or
// unreadable files leave fields at their zero value, so [Probe] works
// unchanged in containers and on systems without procfs, where it
// simply reports nothing.
package hwinfo
