// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSyntheticFile(t *testing.T, root, path, content string) {
	t.Helper()
	fullPath := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(fullPath), err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", fullPath, err)
	}
}

func TestProbeFromSyntheticFS(t *testing.T) {
	root := t.TempDir()

	writeSyntheticFile(t, root, "proc/cpuinfo",
		"processor\t: 0\nmodel name\t: AMD EPYC 7763 64-Core Processor\n\n"+
			"processor\t: 1\nmodel name\t: AMD EPYC 7763 64-Core Processor\n\n")
	writeSyntheticFile(t, root, "proc/meminfo", "MemTotal:       65536000 kB\nMemFree:         1024 kB\n")
	writeSyntheticFile(t, root, "proc/sys/kernel/osrelease", "6.8.0-generic\n")

	// One socket, two cores, two threads per core.
	for i, config := range []struct {
		packageID, coreID, siblings string
	}{
		{"0", "0", "0,2"},
		{"0", "1", "1,3"},
		{"0", "0", "0,2"},
		{"0", "1", "1,3"},
	} {
		topology := filepath.Join("sys/devices/system/cpu", "cpu"+string(rune('0'+i)), "topology")
		writeSyntheticFile(t, root, filepath.Join(topology, "physical_package_id"), config.packageID)
		writeSyntheticFile(t, root, filepath.Join(topology, "core_id"), config.coreID)
		writeSyntheticFile(t, root, filepath.Join(topology, "thread_siblings_list"), config.siblings)
	}
	// Not a CPU directory.
	writeSyntheticFile(t, root, "sys/devices/system/cpu/cpufreq/boost", "1")
	writeSyntheticFile(t, root, "sys/devices/system/cpu/cpu0/cache/index3/size", "32768K")
	for _, node := range []string{"node0", "node1"} {
		if err := os.MkdirAll(filepath.Join(root, "sys/devices/system/node", node), 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeSyntheticFile(t, root, "sys/class/dmi/id/sys_vendor", "ASUS\n")
	writeSyntheticFile(t, root, "sys/class/dmi/id/board_name", "Pro WS WRX90E-SAGE SE\n")

	info := probeFrom(filepath.Join(root, "proc"), filepath.Join(root, "sys"))

	want := Info{
		KernelVersion:  "6.8.0-generic",
		BoardVendor:    "ASUS",
		BoardName:      "Pro WS WRX90E-SAGE SE",
		CPUModel:       "AMD EPYC 7763 64-Core Processor",
		Sockets:        1,
		CoresPerSocket: 2,
		ThreadsPerCore: 2,
		L3CacheKB:      32768,
		MemoryTotalMB:  64000,
		NUMANodes:      2,
	}
	if info != want {
		t.Errorf("probeFrom =\n  %+v\nwant\n  %+v", info, want)
	}

	extra := info.Extra()
	if extra["cpu_model"] != want.CPUModel || extra["memory_total_mb"] != "64000" || extra["numa_nodes"] != "2" {
		t.Errorf("Extra() = %v", extra)
	}
}

func TestProbeFromEmptyFS(t *testing.T) {
	root := t.TempDir()

	info := probeFrom(filepath.Join(root, "proc"), filepath.Join(root, "sys"))
	if info != (Info{}) {
		t.Errorf("probeFrom(empty) = %+v, want zero Info", info)
	}
	if extra := info.Extra(); len(extra) != 0 {
		t.Errorf("Extra() of zero Info = %v, want empty", extra)
	}
}

func TestProbeFromMultiSocket(t *testing.T) {
	root := t.TempDir()

	for _, config := range []struct {
		cpu, packageID, coreID, siblings string
	}{
		{"cpu0", "0", "0", "0"},
		{"cpu1", "0", "1", "1"},
		{"cpu2", "1", "0", "2"},
		{"cpu3", "1", "1", "3"},
	} {
		topology := filepath.Join("sys/devices/system/cpu", config.cpu, "topology")
		writeSyntheticFile(t, root, filepath.Join(topology, "physical_package_id"), config.packageID)
		writeSyntheticFile(t, root, filepath.Join(topology, "core_id"), config.coreID)
		writeSyntheticFile(t, root, filepath.Join(topology, "thread_siblings_list"), config.siblings)
	}

	info := probeFrom(filepath.Join(root, "proc"), filepath.Join(root, "sys"))
	if info.Sockets != 2 || info.CoresPerSocket != 2 || info.ThreadsPerCore != 1 {
		t.Errorf("topology = %d sockets, %d cores, %d threads; want 2, 2, 1",
			info.Sockets, info.CoresPerSocket, info.ThreadsPerCore)
	}
}

func TestProbeThreadsPerCore(t *testing.T) {
	tests := []struct {
		siblings string
		want     int
	}{
		{"0", 1},
		{"0,96", 2},
		{"0-1", 2},
		{"0-3", 4},
		{"0,4-5", 3},
		{"", 0},
	}

	for _, test := range tests {
		root := t.TempDir()
		if test.siblings != "" {
			writeSyntheticFile(t, root, "cpu0/topology/thread_siblings_list", test.siblings)
		}
		if got := probeThreadsPerCore(root); got != test.want {
			t.Errorf("probeThreadsPerCore(%q) = %d, want %d", test.siblings, got, test.want)
		}
	}
}

func TestReadCacheSize(t *testing.T) {
	directory := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"standard", "32768K", 32768},
		{"small", "256K", 256},
		{"missing", "", 0},
		{"no_suffix", "1024", 1024},
		{"garbage", "fooK", 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(directory, test.name)
			if test.content != "" {
				if err := os.WriteFile(path, []byte(test.content), 0644); err != nil {
					t.Fatalf("WriteFile: %v", err)
				}
			}
			if got := readCacheSize(path); got != test.want {
				t.Errorf("readCacheSize(%q) = %d, want %d", test.content, got, test.want)
			}
		})
	}
}

func TestCountNUMANodes(t *testing.T) {
	sysRoot := filepath.Join(t.TempDir(), "sys")
	if count := countNUMANodes(sysRoot); count != 0 {
		t.Errorf("countNUMANodes(empty) = %d, want 0", count)
	}
	for _, name := range []string{"node0", "node1", "nodestats"} {
		if err := os.MkdirAll(filepath.Join(sysRoot, "devices/system/node", name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if count := countNUMANodes(sysRoot); count != 2 {
		t.Errorf("countNUMANodes = %d, want 2", count)
	}
}
