// Package config loads Ash's runtime configuration from flags, environment
// variables, and defaults via viper. The cobra command in cmd/ashd registers
// flags and binds them into viper; Load assembles the typed Config consumed
// by every other package.
package config

import "github.com/spf13/viper"

// Mode selects whether this process only owns a local SandboxPool
// (standalone), or owns one and also runs the fleet-wide scheduler
// (coordinator).
type Mode string

const (
	ModeStandalone  Mode = "standalone"
	ModeCoordinator Mode = "coordinator"
)

// Config holds all runtime configuration for Ash.
// Governing: spec.md §6.5 Configuration
type Config struct {
	Port        int
	Host        string
	DataDir     string
	DatabaseURL string
	Mode        Mode

	BridgeEntry   string
	MaxSandboxes  int
	IdleTimeoutMs int64

	APIKey         string
	InternalSecret string

	RunnerID            string
	RunnerPort          int
	RunnerAdvertiseHost string
	ServerURL           string

	SnapshotURL string

	SummaryModel string

	DebugTiming bool

	// Internal tunables not named as ASH_* env vars in §6.5 but required
	// by the component design in §4; defaulted in cmd/ashd and exposed
	// here so every package reads them from Config, never from viper
	// directly.
	ColdCleanupTTLMs     int64
	IdleSweepIntervalMs  int64
	ColdCleanupIntervalMs int64
	RunnerLivenessTimeoutMs int64
	HeartbeatIntervalMs  int64
	SSEWriteTimeoutMs    int64
	BridgeConnectTimeoutMs int64
	ShutdownTimeoutMs    int64
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/ashd).
func Load() Config {
	return Config{
		Port:        viper.GetInt("port"),
		Host:        viper.GetString("host"),
		DataDir:     viper.GetString("data_dir"),
		DatabaseURL: viper.GetString("database_url"),
		Mode:        Mode(viper.GetString("mode")),

		BridgeEntry:   viper.GetString("bridge_entry"),
		MaxSandboxes:  viper.GetInt("max_sandboxes"),
		IdleTimeoutMs: viper.GetInt64("idle_timeout_ms"),

		APIKey:         viper.GetString("api_key"),
		InternalSecret: viper.GetString("internal_secret"),

		RunnerID:            viper.GetString("runner_id"),
		RunnerPort:          viper.GetInt("runner_port"),
		RunnerAdvertiseHost: viper.GetString("runner_advertise_host"),
		ServerURL:           viper.GetString("server_url"),

		SnapshotURL: viper.GetString("snapshot_url"),

		SummaryModel: viper.GetString("summary_model"),

		DebugTiming: viper.GetBool("debug_timing"),

		ColdCleanupTTLMs:        viper.GetInt64("cold_cleanup_ttl_ms"),
		IdleSweepIntervalMs:     viper.GetInt64("idle_sweep_interval_ms"),
		ColdCleanupIntervalMs:   viper.GetInt64("cold_cleanup_interval_ms"),
		RunnerLivenessTimeoutMs: viper.GetInt64("runner_liveness_timeout_ms"),
		HeartbeatIntervalMs:     viper.GetInt64("heartbeat_interval_ms"),
		SSEWriteTimeoutMs:       viper.GetInt64("sse_write_timeout_ms"),
		BridgeConnectTimeoutMs:  viper.GetInt64("bridge_connect_timeout_ms"),
		ShutdownTimeoutMs:       viper.GetInt64("shutdown_timeout_ms"),
	}
}

// IsCoordinator reports whether this process should run the fleet-wide
// RunnerCoordinator.
func (c Config) IsCoordinator() bool {
	return c.Mode == ModeCoordinator
}

// SandboxesDir is where every sandbox gets its own subdirectory
// (<id>/{workspace,logs,bridge.sock}), per §6.4.
func (c Config) SandboxesDir() string {
	return c.DataDir + "/sandboxes"
}

// SessionsDir is where snapshots and session metadata live, per §6.4.
func (c Config) SessionsDir() string {
	return c.DataDir + "/sessions"
}
