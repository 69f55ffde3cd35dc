//go:build linux

package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// fakeBridgeScript is a minimal bridge stand-in: it listens on the socket
// path given by --socket and then just sits there until killed. It exists
// so Spawn/Destroy/IsAlive can be exercised without a real agent runtime.
const fakeBridgeScript = `#!/bin/sh
SOCK=""
while [ "$1" != "" ]; do
  if [ "$1" = "--socket" ]; then
    SOCK="$2"
  fi
  shift
done
# Emulate "listening" by creating a unix socket with nc, falling back to a
# plain file if nc is unavailable (still enough for waitForSocket's
# ModeSocket check to fail closed safely in that case and the test to
# skip).
if command -v nc >/dev/null 2>&1; then
  exec nc -lU "$SOCK"
else
  touch "$SOCK"
  sleep 3600
fi
`

func writeFakeBridge(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-bridge.sh")
	if err := os.WriteFile(path, []byte(fakeBridgeScript), 0o755); err != nil {
		t.Fatalf("write fake bridge: %v", err)
	}
	return path
}

func TestLocalRuntimeSpawnDestroy(t *testing.T) {
	if _, err := exec.LookPath("nc"); err != nil {
		t.Skip("nc not available, cannot emulate a listening bridge socket")
	}

	dataDir := t.TempDir()
	agentDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(agentDir, "CLAUDE.md"), []byte("# agent"), 0o644); err != nil {
		t.Fatalf("write CLAUDE.md: %v", err)
	}

	bridge := writeFakeBridge(t)
	rt := NewLocalRuntime(dataDir, bridge, 5*time.Second, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := rt.Spawn(ctx, CreateRequest{
		AgentDir:  agentDir,
		SandboxID: "test-sandbox",
		SessionID: "test-session",
		Limits:    DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !rt.IsAlive(h) {
		t.Fatal("expected sandbox to be alive immediately after spawn")
	}
	if _, err := os.Stat(filepath.Join(h.WorkspaceDir, "CLAUDE.md")); err != nil {
		t.Errorf("expected CLAUDE.md copied into workspace: %v", err)
	}

	if err := rt.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if rt.IsAlive(h) {
		t.Error("expected sandbox to be dead after Destroy")
	}
}
