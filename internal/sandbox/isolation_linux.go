//go:build linux

package sandbox

import "os/exec"

// bwrapPath caches the resolved path to bubblewrap, or "" if unavailable.
// Looked up once; a sandbox host either has it installed or doesn't.
var bwrapPath = func() string {
	p, err := exec.LookPath("bwrap")
	if err != nil {
		return ""
	}
	return p
}()

// isolationAvailable reports whether a bwrap-like jail can be used.
func isolationAvailable() bool {
	return bwrapPath != ""
}

// wrapCommand builds the bwrap argv prefix implementing the isolation
// contract from spec.md §4.2: read-only OS dirs, a fresh /proc, a private
// /tmp, and visibility restricted to exactly this sandbox's own directory
// (the data dir is masked by a tmpfs, then only sandboxes/<id>/ is bound
// back in). Everything after the returned slice is the real command argv.
func wrapCommand(dataDir, sandboxDir string, argv []string) []string {
	args := []string{
		bwrapPath,
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--tmpfs", dataDir,
		"--bind", sandboxDir, sandboxDir,
		"--unshare-pid",
		"--unshare-net",
		"--die-with-parent",
		"--new-session",
	}
	return append(args, argv...)
}
