package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ash-systems/ash/internal/config"
	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/httpapi"
	"github.com/ash-systems/ash/internal/pool"
	"github.com/ash-systems/ash/internal/router"
	"github.com/ash-systems/ash/internal/runner"
	"github.com/ash-systems/ash/internal/sandbox"
	"github.com/ash-systems/ash/internal/snapshot"
	"github.com/ash-systems/ash/internal/summary"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ashd",
		Short: "Ash: a control plane for many isolated Claude Code sandboxes",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 8080, "HTTP port to listen on")
	f.String("host", "0.0.0.0", "host to bind the HTTP server to")
	f.String("data-dir", "/var/lib/ash", "root directory for sandboxes, snapshots, and the database")
	f.String("database-url", "", "sqlite database path (defaults to <data-dir>/ash.db)")
	f.String("mode", "standalone", "standalone, or coordinator to also run the fleet-wide scheduler")

	f.String("bridge-entry", "/usr/local/bin/ash-bridge", "path to the bridge executable spawned for each sandbox")
	f.Int("max-sandboxes", 20, "maximum concurrent live sandboxes on this host")
	f.Int64("idle-timeout-ms", 15*60*1000, "idle duration before a waiting sandbox is evicted")

	f.String("api-key", "", "bearer token required on client-facing routes; empty disables auth")
	f.String("internal-secret", "", "bearer token required on runner-internal routes; empty disables auth")

	f.String("runner-id", "", "this runner's id when participating in a fleet; empty means local-only")
	f.Int("runner-port", 8080, "port this runner advertises to the coordinator")
	f.String("runner-advertise-host", "", "host this runner advertises to the coordinator")
	f.String("server-url", "", "coordinator base URL this runner registers against")

	f.String("snapshot-url", "", "file:// URL for cloud-assisted snapshot sync; empty disables it")
	f.String("summary-model", "claude-haiku-4-5", "Anthropic model used for session summaries")
	f.Bool("debug-timing", false, "log timing breakdowns for admission and resume")

	f.Int64("cold-cleanup-ttl-ms", 24*60*60*1000, "age at which a cold sandbox's workspace is deleted")
	f.Int64("idle-sweep-interval-ms", 60*1000, "interval between idle sweeps")
	f.Int64("cold-cleanup-interval-ms", 5*60*1000, "interval between cold cleanup sweeps")
	f.Int64("runner-liveness-timeout-ms", 30*1000, "window within which a runner must heartbeat to be considered live")
	f.Int64("heartbeat-interval-ms", 10*1000, "interval between heartbeats this runner sends a coordinator")
	f.Int64("sse-write-timeout-ms", 10*1000, "time to wait for a stalled SSE client before closing the stream")
	f.Int64("bridge-connect-timeout-ms", 10*1000, "time to wait for a sandbox's bridge socket to come up")
	f.Int64("shutdown-timeout-ms", 30*1000, "grace period for in-flight requests during shutdown")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("host", "host")
	bindFlag("data_dir", "data-dir")
	bindFlag("database_url", "database-url")
	bindFlag("mode", "mode")
	bindFlag("bridge_entry", "bridge-entry")
	bindFlag("max_sandboxes", "max-sandboxes")
	bindFlag("idle_timeout_ms", "idle-timeout-ms")
	bindFlag("api_key", "api-key")
	bindFlag("internal_secret", "internal-secret")
	bindFlag("runner_id", "runner-id")
	bindFlag("runner_port", "runner-port")
	bindFlag("runner_advertise_host", "runner-advertise-host")
	bindFlag("server_url", "server-url")
	bindFlag("snapshot_url", "snapshot-url")
	bindFlag("summary_model", "summary-model")
	bindFlag("debug_timing", "debug-timing")
	bindFlag("cold_cleanup_ttl_ms", "cold-cleanup-ttl-ms")
	bindFlag("idle_sweep_interval_ms", "idle-sweep-interval-ms")
	bindFlag("cold_cleanup_interval_ms", "cold-cleanup-interval-ms")
	bindFlag("runner_liveness_timeout_ms", "runner-liveness-timeout-ms")
	bindFlag("heartbeat_interval_ms", "heartbeat-interval-ms")
	bindFlag("sse_write_timeout_ms", "sse-write-timeout-ms")
	bindFlag("bridge_connect_timeout_ms", "bridge-connect-timeout-ms")
	bindFlag("shutdown_timeout_ms", "shutdown-timeout-ms")

	// ASH_* env vars. AutomaticEnv with the prefix maps ASH_MAX_SANDBOXES ->
	// "max_sandboxes", matching the flag-bound viper keys above.
	viper.SetEnvPrefix("ASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.DataDir + "/ash.db"
	}
	for _, dir := range []string{cfg.DataDir, cfg.SandboxesDir(), cfg.SessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fmt.Printf("Ash starting\n")
	fmt.Printf("  Mode: %s\n", cfg.Mode)
	fmt.Printf("  Data dir: %s\n", cfg.DataDir)
	fmt.Printf("  Max sandboxes: %d\n", cfg.MaxSandboxes)
	fmt.Printf("  Listening: %s:%d\n", cfg.Host, cfg.Port)
	fmt.Println()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close() //nolint:errcheck

	cloud, err := snapshot.NewCloudBackend(cfg.SnapshotURL)
	if err != nil {
		return fmt.Errorf("configure snapshot backend: %w", err)
	}

	bridgeConnectTimeout := time.Duration(cfg.BridgeConnectTimeoutMs) * time.Millisecond

	var summarizer *summary.Summarizer
	if cfg.SummaryModel != "" {
		summarizer = summary.New(cfg.SummaryModel)
	}

	hostID := cfg.RunnerID
	if hostID == "" {
		hostID = "local"
	}

	// onSandboxCrash marks a sandbox's workspace state when its bridge
	// process dies unexpectedly, spec.md §4.2 "OOM/disk-exceeded
	// detection": best-effort, never blocks the runtime's own cleanup.
	onSandboxCrash := func(sandboxID string) {
		if err := database.SetSandboxState(context.Background(), sandboxID, db.SandboxCold); err != nil {
			log.Printf("mark sandbox %s cold after crash: %v", sandboxID, err)
		}
	}

	runtime := sandbox.NewLocalRuntime(cfg.DataDir, cfg.BridgeEntry, bridgeConnectTimeout, onSandboxCrash, onSandboxCrash)

	// onBeforeEvict is the pool's hook back into session lifecycle, spec.md
	// §4.4 "Eviction policy": persist the workspace to a snapshot and mark
	// the owning session paused before the sandbox is destroyed. Grounded
	// directly in router.Router.Pause's own persist-then-pause sequence,
	// duplicated here because the pool is constructed before the router
	// exists and must not hold a reference back to it (spec.md §9).
	onBeforeEvict := func(ctx context.Context, e pool.Entry) error {
		if e.SessionID == "" {
			return nil
		}
		if err := snapshot.Persist(cfg.DataDir, e.SessionID, e.WorkspaceDir, e.AgentName); err != nil {
			log.Printf("persist session %s before eviction: %v", e.SessionID, err)
		}
		return database.SetSessionStatus(ctx, e.SessionID, db.SessionPaused)
	}

	p := pool.New(pool.Config{
		HostID:              hostID,
		MaxSandboxes:        cfg.MaxSandboxes,
		IdleTimeout:         time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		ColdCleanupTTL:      time.Duration(cfg.ColdCleanupTTLMs) * time.Millisecond,
		IdleSweepInterval:   time.Duration(cfg.IdleSweepIntervalMs) * time.Millisecond,
		ColdCleanupInterval: time.Duration(cfg.ColdCleanupIntervalMs) * time.Millisecond,
	}, database, runtime, onBeforeEvict)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Init(ctx); err != nil {
		return fmt.Errorf("pool init: %w", err)
	}

	local := runner.NewLocalBackend(p, cfg.DataDir, cloud, bridgeConnectTimeout)

	livenessTimeout := time.Duration(cfg.RunnerLivenessTimeoutMs) * time.Millisecond
	coordinator := runner.NewCoordinator(database, local, livenessTimeout, cfg.InternalSecret)

	r := router.New(router.Config{
		DB:                   database,
		Coordinator:          coordinator,
		DataDir:              cfg.DataDir,
		Cloud:                cloud,
		SSEWriteTimeout:      time.Duration(cfg.SSEWriteTimeoutMs) * time.Millisecond,
		BridgeConnectTimeout: bridgeConnectTimeout,
		Summarizer:           summarizer,
	})

	server := httpapi.New(httpapi.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		APIKey:          cfg.APIKey,
		InternalSecret:  cfg.InternalSecret,
		DB:              database,
		Router:          r,
		Coordinator:     coordinator,
		Local:           local,
		SSEWriteTimeout: time.Duration(cfg.SSEWriteTimeoutMs) * time.Millisecond,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	if cfg.IsCoordinator() {
		g.Go(func() error { return coordinator.Run(gctx) })
	}
	if cfg.RunnerID != "" && cfg.ServerURL != "" {
		g.Go(func() error { return runHeartbeatLoop(gctx, cfg, p) })
	}
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("background loop error: %v", err)
	}
	return nil
}

// runHeartbeatLoop registers this runner with the coordinator at
// cfg.ServerURL and heartbeats on heartbeat-interval-ms until ctx is
// cancelled, at which point it deregisters, spec.md §4.7 "Discovery" and
// "Graceful deregister". This process is itself the runner being
// registered, so it talks to the coordinator's HTTP surface exactly like
// runner.RemoteBackend does, rather than through an in-process Coordinator.
func runHeartbeatLoop(ctx context.Context, cfg config.Config, p *pool.Pool) error {
	client := newRunnerSelfClient(cfg.ServerURL, cfg.InternalSecret)

	advertiseHost := cfg.RunnerAdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Host
	}

	if err := client.register(ctx, cfg.RunnerID, advertiseHost, cfg.RunnerPort, cfg.MaxSandboxes); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}

	interval := time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.deregister(deregisterCtx, cfg.RunnerID); err != nil {
				log.Printf("deregister from coordinator: %v", err)
			}
			return nil
		case <-ticker.C:
			stats := p.GetStats()
			if err := client.heartbeat(ctx, cfg.RunnerID, stats.ActiveCount, stats.WarmingCount); err != nil {
				log.Printf("heartbeat to coordinator: %v", err)
			}
		}
	}
}

// runnerSelfClient is the small client this runner uses to announce itself
// to the coordinator's /api/internal/runners/* surface, spec.md §4.7
// "Discovery". It speaks the same wire shapes as internal/httpapi's
// runner-registration handlers.
type runnerSelfClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newRunnerSelfClient(baseURL, secret string) *runnerSelfClient {
	return &runnerSelfClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *runnerSelfClient) register(ctx context.Context, id, host string, port, maxSandboxes int) error {
	return c.post(ctx, "/api/internal/runners/register", map[string]any{
		"id": id, "host": host, "port": port, "maxSandboxes": maxSandboxes,
	})
}

func (c *runnerSelfClient) heartbeat(ctx context.Context, id string, activeCount, warmingCount int) error {
	return c.post(ctx, "/api/internal/runners/heartbeat", map[string]any{
		"id": id, "activeCount": activeCount, "warmingCount": warmingCount,
	})
}

func (c *runnerSelfClient) deregister(ctx context.Context, id string) error {
	return c.post(ctx, "/api/internal/runners/deregister", map[string]any{"id": id})
}

func (c *runnerSelfClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return nil
}
