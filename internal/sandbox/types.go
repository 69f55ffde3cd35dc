// Package sandbox spawns, isolates, resource-limits, and tears down the
// per-sandbox child process whose bridge listens on a local Unix socket.
// Grounded in the sandkasten runtime driver from the example pack: the same
// overlay-of-responsibility (spawn, wait-for-socket, cgroup, teardown) but
// adapted to Ash's domain (a bridge process speaking the §4.1 NDJSON
// protocol, not a full container runtime).
package sandbox

import (
	"context"
	"os"
	"time"
)

// Limits bounds a sandbox's resource consumption, spec.md §4.2 "optional
// limits {memoryMB, cpuPercent, diskMB, maxProcesses}".
type Limits struct {
	MemoryMB     int
	CPUPercent   int
	DiskMB       int
	MaxProcesses int
}

// DefaultLimits are the defaults named in spec.md §4.2.
func DefaultLimits() Limits {
	return Limits{MemoryMB: 2048, CPUPercent: 100, DiskMB: 1024, MaxProcesses: 64}
}

// CreateRequest is the input to Spawn, spec.md §4.2 "Inputs".
type CreateRequest struct {
	AgentDir      string
	SandboxID     string
	SessionID     string
	SkipCopy      bool
	Limits        Limits
	ExtraEnv      map[string]string
	StartupScript string
}

// Handle is a live sandbox process: its id, workspace, and socket path,
// plus what's needed to wait on and kill it.
type Handle struct {
	SandboxID    string
	WorkspaceDir string
	SocketPath   string
	LogsDir      string
	PID          int

	CgroupPath string

	startedAt time.Time
	proc      *os.Process
	waitErr   chan error
}

// ExitInfo describes how a sandbox process ended, for OOM/crash
// classification per spec.md §4.2 "OOM detection".
type ExitInfo struct {
	ExitCode int
	Signaled bool
	Signal   int
	OOM      bool
}

// OOMCallback is invoked when a sandbox is detected to have been killed by
// the OOM killer (SIGKILL or exit code 137), spec.md §4.2.
type OOMCallback func(sandboxID string)

// DiskExceededCallback is invoked by the disk monitor when a workspace
// exceeds its DiskMB limit; it is expected to terminate the sandbox,
// spec.md §4.2 "Resource limits".
type DiskExceededCallback func(sandboxID string)

// Runtime is the sandbox runtime's external surface, consumed by
// internal/pool. A single implementation exists (linux with or without
// cgroups v2); the interface exists so the pool can be tested against a
// fake without real processes or sockets.
type Runtime interface {
	Spawn(ctx context.Context, req CreateRequest) (*Handle, error)
	Destroy(ctx context.Context, h *Handle) error
	IsAlive(h *Handle) bool
	Stats(ctx context.Context, h *Handle) (ResourceStats, error)
}

// ResourceStats is a point-in-time read of a sandbox's cgroup usage.
type ResourceStats struct {
	MemoryCurrentBytes int64
	MemoryMaxBytes     int64
	CPUUsageUsec       int64
}
