// Package snapshot persists a sandbox workspace directory to durable
// storage and restores it later, spec.md §4.5. A local on-disk snapshot
// under <dataDir>/sessions/<id>/workspace/ is always written; an optional
// CloudBackend additionally uploads it so cold resume can recover on
// a different host.
package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ephemeralNames are skipped when copying a workspace into a snapshot,
// spec.md §4.5 "skipping ephemeral dirs/files".
var ephemeralNames = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".cache":       true,
	".venv":        true,
	"tmp":          true,
	".tmp":         true,
}

var ephemeralSuffixes = []string{".sock", ".lock", ".pid"}

func isEphemeral(name string) bool {
	if ephemeralNames[name] {
		return true
	}
	for _, suf := range ephemeralSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// Meta is written as meta.json alongside every snapshot.
type Meta struct {
	SessionID   string    `json:"sessionId"`
	AgentName   string    `json:"agentName"`
	PersistedAt time.Time `json:"persistedAt"`
}

// sessionSnapshotDir returns <dataDir>/sessions/<sessionId>/workspace.
func sessionSnapshotDir(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID, "workspace")
}

func sessionMetaPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", sessionID, "meta.json")
}

// Persist copies workspaceDir into the session's snapshot directory,
// skipping ephemeral entries, and writes meta.json. Idempotent: re-persist
// overwrites, per spec.md §4.5 "Snapshot".
func Persist(dataDir, sessionID, workspaceDir, agentName string) error {
	dst := sessionSnapshotDir(dataDir, sessionID)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear previous snapshot: %w", err)
	}
	if err := copyTreeSkippingEphemeral(workspaceDir, dst); err != nil {
		return fmt.Errorf("persist session %s: %w", sessionID, err)
	}

	meta := Meta{SessionID: sessionID, AgentName: agentName, PersistedAt: time.Now().UTC()}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(sessionMetaPath(dataDir, sessionID), b, 0o644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}
	return nil
}

// Exists reports whether a local snapshot is present for sessionID.
func Exists(dataDir, sessionID string) bool {
	info, err := os.Stat(sessionSnapshotDir(dataDir, sessionID))
	return err == nil && info.IsDir()
}

// Restore copies the session's snapshot into targetDir, creating parents.
// Returns whether a snapshot existed, spec.md §4.5 "Restore".
func Restore(dataDir, sessionID, targetDir string) (bool, error) {
	src := sessionSnapshotDir(dataDir, sessionID)
	if !Exists(dataDir, sessionID) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return false, fmt.Errorf("create target parent: %w", err)
	}
	if err := copyTreeSkippingEphemeral(src, targetDir); err != nil {
		return false, fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	return true, nil
}

func copyTreeSkippingEphemeral(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != src && isEphemeral(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
