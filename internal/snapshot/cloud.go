package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CloudBackend uploads and downloads session snapshot bundles to/from a
// location named by ASH_SNAPSHOT_URL, spec.md §4.5 "Cloud sync" and §6.5.
// Restore's cold-path sub-source distinguishes local/cloud/fresh, so
// Download must report whether anything was found, not just return an
// error.
type CloudBackend interface {
	Upload(sessionID, bundlePath string) error
	Download(sessionID, destBundlePath string) (found bool, err error)
}

// NewCloudBackend parses ASH_SNAPSHOT_URL and returns the matching backend.
// An empty url means cloud sync is disabled (the caller should treat any
// cold resume as local-or-fresh only). Only file:// is implemented: no
// example repo in the retrieval pack vendors an S3 or GCS client, so
// wiring those schemes to a concrete backend would mean fabricating a
// dependency the corpus never reaches for. s3:// and
// gs:// are still accepted as configuration (so ASH_SNAPSHOT_URL
// validation doesn't reject them) but resolve to an error at use time.
func NewCloudBackend(url string) (CloudBackend, error) {
	switch {
	case url == "":
		return nil, nil
	case strings.HasPrefix(url, "file://"):
		return &fileCloudBackend{root: strings.TrimPrefix(url, "file://")}, nil
	case strings.HasPrefix(url, "s3://"), strings.HasPrefix(url, "gs://"):
		return &unsupportedCloudBackend{url: url}, nil
	default:
		return nil, fmt.Errorf("unrecognized snapshot url scheme: %s", url)
	}
}

// fileCloudBackend treats a local (or NFS-mounted) directory as the
// "cloud" — the simplest possible stand-in for an off-host object store,
// and the only one ASH_SNAPSHOT_URL can name without an unvendored SDK.
type fileCloudBackend struct {
	root string
}

func (b *fileCloudBackend) bundlePath(sessionID string) string {
	return filepath.Join(b.root, sessionID+".tar.gz")
}

func (b *fileCloudBackend) Upload(sessionID, bundlePath string) error {
	dst := b.bundlePath(sessionID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create cloud dir: %w", err)
	}
	return copyFile(bundlePath, dst, 0o644)
}

func (b *fileCloudBackend) Download(sessionID, destBundlePath string) (bool, error) {
	src := b.bundlePath(sessionID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat cloud bundle: %w", err)
	}
	if err := copyFile(src, destBundlePath, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

type unsupportedCloudBackend struct{ url string }

func (b *unsupportedCloudBackend) Upload(string, string) error {
	return fmt.Errorf("snapshot url scheme not supported in this build: %s", b.url)
}

func (b *unsupportedCloudBackend) Download(string, string) (bool, error) {
	return false, fmt.Errorf("snapshot url scheme not supported in this build: %s", b.url)
}
