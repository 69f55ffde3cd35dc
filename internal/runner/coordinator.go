package runner

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ash-systems/ash/internal/db"
)

// Coordinator is the scheduler across the fleet, spec.md §4.7
// "RunnerCoordinator". It picks the least-loaded live runner for new
// sandboxes, caches HTTP connections to runners it has already talked to,
// and evicts runners that stop heartbeating.
type Coordinator struct {
	db              *db.DB
	local           Backend
	livenessTimeout time.Duration
	internalSecret  string
	httpClient      *http.Client

	mu       sync.Mutex
	backends map[string]*RemoteBackend
}

// NewCoordinator constructs a Coordinator. local may be nil on a
// pure-coordinator process that owns no sandboxes itself; livenessTimeout
// is the window within which a runner's last heartbeat must fall to be
// considered live, spec.md §4.7 "Selection".
func NewCoordinator(database *db.DB, local Backend, livenessTimeout time.Duration, internalSecret string) *Coordinator {
	return &Coordinator{
		db:              database,
		local:           local,
		livenessTimeout: livenessTimeout,
		internalSecret:  internalSecret,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		backends:        make(map[string]*RemoteBackend),
	}
}

// SelectBackend picks a backend for a brand-new sandbox, spec.md §4.7
// "Selection": query DB for runners whose lastHeartbeatAt is within the
// liveness window; of those, pick the one with the largest
// maxSandboxes − activeCount − warmingCount; if positive, return a backend
// for that row. Otherwise fall back to the local backend if configured,
// else error no_runners_available.
func (c *Coordinator) SelectBackend(ctx context.Context) (Backend, string, error) {
	runners, err := c.db.ListLiveRunners(ctx, c.livenessTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("select backend: %w", err)
	}

	best := -1
	var bestRunner db.RunnerRecord
	for _, r := range runners {
		capacity := r.MaxSandboxes - r.ActiveCount - r.WarmingCount
		if capacity > best {
			best = capacity
			bestRunner = r
		}
	}

	if best > 0 {
		return c.backendFor(bestRunner), bestRunner.ID, nil
	}

	if c.local != nil {
		return c.local, LocalRunnerID, nil
	}
	return nil, "", ErrNoRunnersAvailable
}

// GetBackendForRunner implements spec.md §4.7
// "getBackendForRunnerAsync(runnerId)": empty or LocalRunnerID means use
// local; otherwise look the runner up (cache, else DB) and lazily build a
// RemoteBackend.
func (c *Coordinator) GetBackendForRunner(ctx context.Context, runnerID string) (Backend, error) {
	if runnerID == "" || runnerID == LocalRunnerID {
		if c.local == nil {
			return nil, ErrNoRunnersAvailable
		}
		return c.local, nil
	}

	c.mu.Lock()
	rb, ok := c.backends[runnerID]
	c.mu.Unlock()
	if ok {
		return rb, nil
	}

	record, err := c.db.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, fmt.Errorf("get backend for runner %s: %w", runnerID, err)
	}
	return c.backendFor(record), nil
}

func (c *Coordinator) backendFor(r db.RunnerRecord) *RemoteBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rb, ok := c.backends[r.ID]; ok {
		return rb
	}
	rb := NewRemoteBackend(fmt.Sprintf("http://%s:%d", r.Host, r.Port), c.internalSecret, c.httpClient)
	c.backends[r.ID] = rb
	return rb
}

// RegisterRunner upserts this runner's row, spec.md §4.7 "Discovery".
func (c *Coordinator) RegisterRunner(ctx context.Context, id, host string, port, maxSandboxes int) error {
	return c.db.RegisterRunner(ctx, id, host, port, maxSandboxes)
}

// Heartbeat refreshes this runner's stats and liveness timestamp, spec.md
// §4.7 "Heartbeat".
func (c *Coordinator) Heartbeat(ctx context.Context, id string, activeCount, warmingCount int) error {
	return c.db.Heartbeat(ctx, id, activeCount, warmingCount)
}

// Deregister performs the graceful-shutdown counterpart of
// handleDeadRunner: pause the runner's sessions, then delete its row,
// spec.md §4.7 "Graceful deregister".
func (c *Coordinator) Deregister(ctx context.Context, id string) error {
	return c.handleDeadRunner(ctx, id)
}

// handleDeadRunner pauses every active/starting session bound to runner id
// and deletes the runner row, spec.md §4.7 "handleDeadRunner(id)". Safe to
// call more than once for the same id (idempotent across concurrently
// running coordinators): both steps are themselves idempotent.
func (c *Coordinator) handleDeadRunner(ctx context.Context, id string) error {
	if err := c.db.PauseSessionsForRunner(ctx, id); err != nil {
		return fmt.Errorf("handle dead runner %s: %w", id, err)
	}
	if err := c.db.DeleteRunner(ctx, id); err != nil {
		return fmt.Errorf("handle dead runner %s: %w", id, err)
	}

	c.mu.Lock()
	delete(c.backends, id)
	c.mu.Unlock()
	return nil
}

// Run starts the liveness sweep loop, supervised by an errgroup tied to
// ctx, and blocks until ctx is cancelled. Every livenessTimeout it reads
// stale runners from the DB and evicts each, spec.md §4.7 "Liveness
// sweep". Grounded in the pool's own sweep-loop shape
// (internal/pool/sweep.go Run/idleSweepLoop).
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.livenessSweepLoop(ctx) })
	return g.Wait()
}

func (c *Coordinator) livenessSweepLoop(ctx context.Context) error {
	interval := c.livenessTimeout
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweepDeadRunners(ctx)
		}
	}
}

func (c *Coordinator) sweepDeadRunners(ctx context.Context) {
	stale, err := c.db.ListStaleRunners(ctx, c.livenessTimeout)
	if err != nil {
		return
	}
	for _, r := range stale {
		_ = c.handleDeadRunner(ctx, r.ID)
	}
}
