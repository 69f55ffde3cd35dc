package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestPersistSkipsEphemeralEntries(t *testing.T) {
	dataDir := t.TempDir()
	workspace := t.TempDir()

	writeFile(t, filepath.Join(workspace, "main.go"), "package main")
	writeFile(t, filepath.Join(workspace, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(workspace, ".git", "HEAD"), "ref")
	writeFile(t, filepath.Join(workspace, "build.lock"), "")

	if err := Persist(dataDir, "sess-1", workspace, "assistant"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	snapDir := sessionSnapshotDir(dataDir, "sess-1")
	if _, err := os.Stat(filepath.Join(snapDir, "main.go")); err != nil {
		t.Errorf("expected main.go in snapshot: %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapDir, "node_modules")); !os.IsNotExist(err) {
		t.Errorf("expected node_modules to be skipped, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapDir, ".git")); !os.IsNotExist(err) {
		t.Errorf("expected .git to be skipped, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(snapDir, "build.lock")); !os.IsNotExist(err) {
		t.Errorf("expected *.lock to be skipped, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "sessions", "sess-1", "meta.json")); err != nil {
		t.Errorf("expected meta.json written: %v", err)
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	dataDir := t.TempDir()
	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "v1")

	if err := Persist(dataDir, "sess-1", workspace, "assistant"); err != nil {
		t.Fatalf("Persist 1: %v", err)
	}
	writeFile(t, filepath.Join(workspace, "a.txt"), "v2")
	writeFile(t, filepath.Join(workspace, "b.txt"), "new")
	if err := Persist(dataDir, "sess-1", workspace, "assistant"); err != nil {
		t.Fatalf("Persist 2: %v", err)
	}

	snapDir := sessionSnapshotDir(dataDir, "sess-1")
	b, err := os.ReadFile(filepath.Join(snapDir, "a.txt"))
	if err != nil {
		t.Fatalf("read a.txt: %v", err)
	}
	if string(b) != "v2" {
		t.Errorf("a.txt = %q, want v2 (re-persist should overwrite)", b)
	}
	if _, err := os.Stat(filepath.Join(snapDir, "b.txt")); err != nil {
		t.Errorf("expected b.txt present after re-persist: %v", err)
	}
}

func TestRestoreReportsWhetherSnapshotExisted(t *testing.T) {
	dataDir := t.TempDir()
	target := filepath.Join(t.TempDir(), "restored")

	found, err := Restore(dataDir, "nonexistent", target)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if found {
		t.Error("expected found=false for a session with no snapshot")
	}

	workspace := t.TempDir()
	writeFile(t, filepath.Join(workspace, "a.txt"), "content")
	if err := Persist(dataDir, "sess-2", workspace, "assistant"); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	found, err = Restore(dataDir, "sess-2", target)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !found {
		t.Error("expected found=true")
	}
	if _, err := os.Stat(filepath.Join(target, "a.txt")); err != nil {
		t.Errorf("expected restored file: %v", err)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "world")

	bundlePath := filepath.Join(t.TempDir(), "bundle.tar.gz")
	if err := WriteBundle(src, bundlePath); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	dest := t.TempDir()
	if err := ExtractBundle(bundlePath, dest); err != nil {
		t.Fatalf("ExtractBundle: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil || string(b) != "hello" {
		t.Errorf("a.txt = %q, %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(b) != "world" {
		t.Errorf("sub/b.txt = %q, %v", b, err)
	}
}

func TestExtractBundleRejectsNonGzip(t *testing.T) {
	fake := filepath.Join(t.TempDir(), "fake.tar.gz")
	writeFile(t, fake, "not actually gzip")

	err := ExtractBundle(fake, t.TempDir())
	if err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestFileCloudBackendUploadDownload(t *testing.T) {
	cloudRoot := t.TempDir()
	backend, err := NewCloudBackend("file://" + cloudRoot)
	if err != nil {
		t.Fatalf("NewCloudBackend: %v", err)
	}

	src := filepath.Join(t.TempDir(), "bundle.tar.gz")
	writeFile(t, src, "bundle-bytes")

	if err := backend.Upload("sess-1", src); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "downloaded.tar.gz")
	found, err := backend.Download("sess-1", dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	b, err := os.ReadFile(dest)
	if err != nil || string(b) != "bundle-bytes" {
		t.Errorf("downloaded = %q, %v", b, err)
	}

	_, err = backend.Download("no-such-session", dest)
	if err != nil {
		t.Fatalf("Download (missing): %v", err)
	}
}

func TestUnsupportedCloudSchemeErrorsAtUse(t *testing.T) {
	backend, err := NewCloudBackend("s3://my-bucket")
	if err != nil {
		t.Fatalf("NewCloudBackend should accept s3:// as configuration: %v", err)
	}
	if err := backend.Upload("sess-1", "/tmp/x"); err == nil {
		t.Fatal("expected upload to an unimplemented cloud scheme to fail")
	}
}
