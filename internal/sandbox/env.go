package sandbox

import (
	"os"
	"strings"
)

// allowedHostVars are the host environment variables passed through
// verbatim, spec.md §4.2 "Env policy". ASH_* variables are handled
// separately below since they're a prefix match, not a fixed list.
var allowedHostVars = []string{
	"PATH", "HOME", "LANG", "TERM", "NODE_PATH",
	"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_CUSTOM_HEADERS",
}

// BuildEnv constructs the child process environment from scratch: it never
// starts from os.Environ() wholesale, per spec.md §4.2 "Construct the
// child env from scratch." Only the fixed allowlist, ASH_*-prefixed
// variables, the three explicit sandbox-identity variables, and extraEnv
// (merged last, so it can override) make it through. Everything else —
// including every credential named in spec.md §8's exclusion test — is
// absent regardless of what the host process's environment contains.
func BuildEnv(sandboxID, agentDir, workspaceDir string, extraEnv map[string]string) []string {
	out := make(map[string]string)

	for _, name := range allowedHostVars {
		if v, ok := os.LookupEnv(name); ok {
			out[name] = v
		}
	}
	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(name, "ASH_") {
			out[name] = val
		}
	}

	out["ASH_SANDBOX_ID"] = sandboxID
	out["ASH_AGENT_DIR"] = agentDir
	out["ASH_WORKSPACE_DIR"] = workspaceDir

	for k, v := range extraEnv {
		out[k] = v
	}

	env := make([]string, 0, len(out))
	for k, v := range out {
		env = append(env, k+"="+v)
	}
	return env
}
