// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Info is the host inventory.
type Info struct {
	KernelVersion  string
	BoardVendor    string
	BoardName      string
	CPUModel       string
	Sockets        int
	CoresPerSocket int
	ThreadsPerCore int
	L3CacheKB      int
	MemoryTotalMB  int
	NUMANodes      int
}

// Probe reads the inventory of the running host. It never fails.
func Probe() Info {
	return probeFrom("/proc", "/sys")
}

// probeFrom takes the procfs and sysfs roots so tests can point at
// synthetic trees.
func probeFrom(procRoot, sysRoot string) Info {
	info := Info{
		KernelVersion: readString(filepath.Join(procRoot, "sys/kernel/osrelease")),
		BoardVendor:   readString(filepath.Join(sysRoot, "class/dmi/id/sys_vendor")),
		BoardName:     readString(filepath.Join(sysRoot, "class/dmi/id/board_name")),
		CPUModel:      readCPUModel(filepath.Join(procRoot, "cpuinfo")),
		MemoryTotalMB: readMemoryTotalMB(filepath.Join(procRoot, "meminfo")),
		NUMANodes:     countNUMANodes(sysRoot),
	}

	cpuBase := filepath.Join(sysRoot, "devices/system/cpu")
	info.Sockets, info.CoresPerSocket = probeTopology(cpuBase)
	info.ThreadsPerCore = probeThreadsPerCore(cpuBase)
	info.L3CacheKB = readCacheSize(filepath.Join(cpuBase, "cpu0/cache/index3/size"))
	return info
}

// Extra flattens the non-zero fields into the string map carried by
// system details messages.
func (i Info) Extra() map[string]string {
	extra := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			extra[key] = value
		}
	}
	setInt := func(key string, value int) {
		if value > 0 {
			extra[key] = strconv.Itoa(value)
		}
	}
	set("kernel", i.KernelVersion)
	set("board_vendor", i.BoardVendor)
	set("board_name", i.BoardName)
	set("cpu_model", i.CPUModel)
	setInt("cpu_sockets", i.Sockets)
	setInt("cpu_cores_per_socket", i.CoresPerSocket)
	setInt("cpu_threads_per_core", i.ThreadsPerCore)
	setInt("cpu_l3_cache_kb", i.L3CacheKB)
	setInt("memory_total_mb", i.MemoryTotalMB)
	setInt("numa_nodes", i.NUMANodes)
	return extra
}

// readCPUModel returns the first "model name" of /proc/cpuinfo.
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if found && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// readMemoryTotalMB parses the MemTotal line of /proc/meminfo.
func readMemoryTotalMB(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kilobytes, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return int(kilobytes / 1024)
		}
	}
	return 0
}

// cpuDirectories lists the cpuN entries of cpuBase, skipping cpufreq,
// cpuidle and friends.
func cpuDirectories(cpuBase string) []string {
	entries, err := os.ReadDir(cpuBase)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		suffix, found := strings.CutPrefix(entry.Name(), "cpu")
		if !found || suffix == "" || suffix[0] < '0' || suffix[0] > '9' {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

// probeTopology counts sockets and physical cores per socket. Core ids
// repeat across sockets, so cores are counted as unique
// (package, core) pairs.
func probeTopology(cpuBase string) (sockets, coresPerSocket int) {
	type coreKey struct {
		packageID string
		coreID    string
	}
	packages := make(map[string]struct{})
	cores := make(map[coreKey]struct{})

	for _, name := range cpuDirectories(cpuBase) {
		topology := filepath.Join(cpuBase, name, "topology")
		packageID := readString(filepath.Join(topology, "physical_package_id"))
		if packageID == "" {
			continue
		}
		packages[packageID] = struct{}{}
		if coreID := readString(filepath.Join(topology, "core_id")); coreID != "" {
			cores[coreKey{packageID, coreID}] = struct{}{}
		}
	}

	sockets = len(packages)
	if sockets > 0 {
		coresPerSocket = len(cores) / sockets
	}
	return sockets, coresPerSocket
}

// probeThreadsPerCore counts cpu0's thread siblings: "0,96" is two
// threads, "0" is one. Range lists ("0-1") count as their span.
func probeThreadsPerCore(cpuBase string) int {
	siblings := readString(filepath.Join(cpuBase, "cpu0/topology/thread_siblings_list"))
	if siblings == "" {
		return 0
	}
	count := 0
	for _, part := range strings.Split(siblings, ",") {
		low, high, isRange := strings.Cut(part, "-")
		if !isRange {
			count++
			continue
		}
		first, errLow := strconv.Atoi(low)
		last, errHigh := strconv.Atoi(high)
		if errLow != nil || errHigh != nil || last < first {
			count++
			continue
		}
		count += last - first + 1
	}
	return count
}

// readCacheSize parses a sysfs cache size such as "32768K".
func readCacheSize(path string) int {
	value := strings.TrimSuffix(readString(path), "K")
	if value == "" {
		return 0
	}
	kilobytes, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return kilobytes
}

// countNUMANodes counts the nodeN directories of sysfs.
func countNUMANodes(sysRoot string) int {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "devices/system/node"))
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		suffix, found := strings.CutPrefix(entry.Name(), "node")
		if entry.IsDir() && found && suffix != "" && suffix[0] >= '0' && suffix[0] <= '9' {
			count++
		}
	}
	return count
}

// readString returns the trimmed content of a small file, or "" if it
// cannot be read.
func readString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
