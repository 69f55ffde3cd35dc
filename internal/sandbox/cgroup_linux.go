//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupsAvailable reports whether this host has a usable cgroups v2
// hierarchy, mirroring the sandkasten runtime driver's capability check at
// startup.
func cgroupsAvailable() bool {
	_, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers"))
	return err == nil
}

// createCgroup creates a per-sandbox cgroup v2 directory and writes its
// memory.max, pids.max, and cpu.max limit files, spec.md §4.2 "On Linux
// with cgroups v2 available: create a cgroup per sandbox enforcing memory,
// pid, and cpu.max limits."
func createCgroup(sandboxID string, limits Limits) (string, error) {
	path := filepath.Join(cgroupRoot, "ash.slice", "ash-"+sandboxID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create cgroup dir: %w", err)
	}

	if limits.MemoryMB > 0 {
		bytes := int64(limits.MemoryMB) * 1024 * 1024
		if err := writeCgroupFile(path, "memory.max", strconv.FormatInt(bytes, 10)); err != nil {
			return path, err
		}
	}
	if limits.MaxProcesses > 0 {
		if err := writeCgroupFile(path, "pids.max", strconv.Itoa(limits.MaxProcesses)); err != nil {
			return path, err
		}
	}
	if limits.CPUPercent > 0 {
		// cpu.max is "<quota> <period>"; a 100ms period scaled by the
		// requested percentage gives quota in microseconds.
		const periodUsec = 100000
		quota := periodUsec * limits.CPUPercent / 100
		if err := writeCgroupFile(path, "cpu.max", fmt.Sprintf("%d %d", quota, periodUsec)); err != nil {
			return path, err
		}
	}
	return path, nil
}

func writeCgroupFile(cgroupPath, name, value string) error {
	if err := os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// attachToCgroup adds a pid to a cgroup's process list.
func attachToCgroup(cgroupPath string, pid int) error {
	err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
	if err != nil {
		return fmt.Errorf("attach pid %d to cgroup: %w", pid, err)
	}
	return nil
}

// removeCgroup deletes an empty cgroup directory. Best-effort: a cgroup
// with lingering processes cannot be rmdir'd, which is tolerated per
// spec.md §9 "best-effort file deletion tolerates races".
func removeCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	return os.Remove(cgroupPath)
}

// readCgroupStats reads memory.current, memory.max, and cpu.stat's
// usage_usec field directly from the cgroup v2 filesystem, spec.md §4.2
// resource reporting, grounded on the sandkasten driver's Stats method.
func readCgroupStats(cgroupPath string) (ResourceStats, error) {
	var stats ResourceStats

	if b, err := os.ReadFile(filepath.Join(cgroupPath, "memory.current")); err == nil {
		stats.MemoryCurrentBytes, _ = strconv.ParseInt(trimNewline(b), 10, 64)
	}
	if b, err := os.ReadFile(filepath.Join(cgroupPath, "memory.max")); err == nil {
		if v, err := strconv.ParseInt(trimNewline(b), 10, 64); err == nil {
			stats.MemoryMaxBytes = v
		}
	}
	if b, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat")); err == nil {
		var usec int64
		fmt.Sscanf(findLine(string(b), "usage_usec"), "usage_usec %d", &usec)
		stats.CPUUsageUsec = usec
	}
	return stats, nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}

func findLine(s, prefix string) string {
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			line := s[start:i]
			if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
				return line
			}
			start = i + 1
		}
	}
	return ""
}
