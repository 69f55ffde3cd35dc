//go:build linux

package sandbox

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/redact"
)

// LocalRuntime spawns sandbox bridge processes directly on this host,
// grounded on the sandkasten runtime driver's Create/Destroy/Stats shape
// (other_examples/..._sandkasten__internal-runtime-linux-driver.go.go),
// adapted from a container-image runtime to Ash's plain bridge-executable
// model: no overlayfs, no image layers, just workspace copy + isolation
// wrapper + cgroup.
type LocalRuntime struct {
	dataDir        string
	sandboxesDir   string
	bridgeEntry    string
	connectTimeout time.Duration
	hasCgroups     bool

	onOOM          OOMCallback
	onDiskExceeded DiskExceededCallback

	redactor *redact.Filter
}

// NewLocalRuntime constructs a LocalRuntime rooted at dataDir, spawning
// bridgeEntry as the child executable for every sandbox.
func NewLocalRuntime(dataDir, bridgeEntry string, connectTimeout time.Duration, onOOM OOMCallback, onDiskExceeded DiskExceededCallback) *LocalRuntime {
	return &LocalRuntime{
		dataDir:        dataDir,
		sandboxesDir:   filepath.Join(dataDir, "sandboxes"),
		bridgeEntry:    bridgeEntry,
		connectTimeout: connectTimeout,
		hasCgroups:     cgroupsAvailable(),
		onOOM:          onOOM,
		onDiskExceeded: onDiskExceeded,
		redactor:       redact.New(),
	}
}

// Spawn implements Runtime.
func (r *LocalRuntime) Spawn(ctx context.Context, req CreateRequest) (*Handle, error) {
	sandboxDir := filepath.Join(r.sandboxesDir, req.SandboxID)
	workspaceDir := filepath.Join(sandboxDir, "workspace")
	logsDir := filepath.Join(sandboxDir, "logs")
	socketPath := filepath.Join(sandboxDir, "bridge.sock")

	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	if !req.SkipCopy {
		if err := copyDir(req.AgentDir, workspaceDir); err != nil {
			os.RemoveAll(sandboxDir)
			return nil, fmt.Errorf("copy agent dir: %w", err)
		}
	}

	argv := []string{r.bridgeEntry, "--socket", socketPath}
	if req.StartupScript != "" {
		argv = append(argv, "--startup-script", req.StartupScript)
	}
	if isolationAvailable() {
		argv = wrapCommand(r.dataDir, sandboxDir, argv)
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	cmd.Dir = workspaceDir
	cmd.Env = BuildEnv(req.SandboxID, req.AgentDir, workspaceDir, req.ExtraEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	logFile, err := os.Create(filepath.Join(logsDir, "bridge.log"))
	if err != nil {
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("create bridge log: %w", err)
	}
	// Captured stdout/stderr is redacted before it hits disk, since only
	// ANTHROPIC_API_KEY ever reaches the child env and it must never land
	// in a log a dashboard viewer can read back (spec.md §4.2, SPEC_FULL.md
	// §12).
	cmd.Stdout = redact.NewWriter(r.redactor, logFile)
	cmd.Stderr = redact.NewWriter(r.redactor, logFile)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.RemoveAll(sandboxDir)
		return nil, fmt.Errorf("start bridge process: %w", err)
	}

	var cgroupPath string
	if r.hasCgroups {
		cgroupPath, err = createCgroup(req.SandboxID, req.Limits)
		if err != nil {
			cmd.Process.Kill()
			logFile.Close()
			os.RemoveAll(sandboxDir)
			return nil, fmt.Errorf("create cgroup: %w", err)
		}
		if err := attachToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			cmd.Process.Kill()
			removeCgroup(cgroupPath)
			logFile.Close()
			os.RemoveAll(sandboxDir)
			return nil, fmt.Errorf("attach to cgroup: %w", err)
		}
	}

	if err := waitForSocket(ctx, socketPath, r.connectTimeout); err != nil {
		cmd.Process.Kill()
		removeCgroup(cgroupPath)
		logFile.Close()
		os.RemoveAll(sandboxDir)
		return nil, err
	}

	h := &Handle{
		SandboxID:    req.SandboxID,
		WorkspaceDir: workspaceDir,
		SocketPath:   socketPath,
		LogsDir:      logsDir,
		PID:          cmd.Process.Pid,
		CgroupPath:   cgroupPath,
		startedAt:    time.Now(),
		proc:         cmd.Process,
		waitErr:      make(chan error, 1),
	}

	go r.reap(cmd, h, logFile)

	if req.Limits.DiskMB > 0 {
		go r.monitorDisk(h, req.Limits.DiskMB)
	}

	return h, nil
}

// reap waits for the process to exit, classifies OOM vs crash (spec.md
// §4.2 "Treat exit with signal SIGKILL or exit code 137 as OOM"), and
// invokes the OOM callback.
func (r *LocalRuntime) reap(cmd *exec.Cmd, h *Handle, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()
	h.waitErr <- err

	oom := false
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() && status.Signal() == syscall.SIGKILL {
				oom = true
			}
			if !status.Signaled() && status.ExitStatus() == 137 {
				oom = true
			}
		}
	}
	if oom && r.onOOM != nil {
		r.onOOM(h.SandboxID)
	}
}

// monitorDisk polls the workspace directory size every few seconds and
// invokes onDiskExceeded if it grows past the configured limit, spec.md
// §4.2 "A disk monitor polls the workspace dir every N seconds."
func (r *LocalRuntime) monitorDisk(h *Handle, limitMB int) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	limitBytes := int64(limitMB) * 1024 * 1024

	for range ticker.C {
		if !r.IsAlive(h) {
			return
		}
		size, err := dirSize(h.WorkspaceDir)
		if err != nil {
			continue
		}
		if size > limitBytes {
			if r.onDiskExceeded != nil {
				r.onDiskExceeded(h.SandboxID)
			}
			return
		}
	}
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// Destroy implements Runtime. It sends a shutdown command, waits up to 2
// seconds, then escalates to SIGTERM and, after another 2 seconds, SIGKILL, spec.md
// §4.2 "Teardown". The workspace directory is left intact.
func (r *LocalRuntime) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}

	r.sendShutdown(h)

	if r.waitAlive(h, 2*time.Second) {
		h.proc.Signal(syscall.SIGTERM)
	}
	if r.waitAlive(h, 2*time.Second) {
		h.proc.Signal(syscall.SIGKILL)
		r.waitAlive(h, 2*time.Second)
	}

	removeCgroup(h.CgroupPath)
	return nil
}

func (r *LocalRuntime) sendShutdown(h *Handle) {
	conn, err := net.DialTimeout("unix", h.SocketPath, time.Second)
	if err != nil {
		return
	}
	defer conn.Close()
	enc, err := bridge.NewShutdownCommand("").Encode()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(enc)
}

// waitAlive polls IsAlive for up to timeout and reports whether the process
// is still alive when it returns.
func (r *LocalRuntime) waitAlive(h *Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !r.IsAlive(h) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return r.IsAlive(h)
}

// IsAlive implements Runtime. A zero signal is the standard liveness probe
// (it performs error checking without actually sending a signal), matching
// the sandkasten driver's isProcessRunning.
func (r *LocalRuntime) IsAlive(h *Handle) bool {
	if h == nil || h.proc == nil {
		return false
	}
	err := h.proc.Signal(syscall.Signal(0))
	return err == nil
}

// Stats implements Runtime.
func (r *LocalRuntime) Stats(ctx context.Context, h *Handle) (ResourceStats, error) {
	if h.CgroupPath == "" {
		return ResourceStats{}, nil
	}
	return readCgroupStats(h.CgroupPath)
}
