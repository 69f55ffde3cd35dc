package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/sandbox"
)

// fakeRuntime is an in-memory sandbox.Runtime test double: Spawn never
// touches the filesystem or spawns a process, Destroy/IsAlive just flip an
// in-memory flag.
type fakeRuntime struct {
	mu    sync.Mutex
	alive map[*sandbox.Handle]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: make(map[*sandbox.Handle]bool)}
}

func (f *fakeRuntime) Spawn(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Handle, error) {
	h := &sandbox.Handle{SandboxID: req.SandboxID, WorkspaceDir: "/tmp/" + req.SandboxID}
	f.mu.Lock()
	f.alive[h] = true
	f.mu.Unlock()
	return h, nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	f.alive[h] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) IsAlive(h *sandbox.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h]
}

func (f *fakeRuntime) kill(h *sandbox.Handle) {
	f.mu.Lock()
	f.alive[h] = false
	f.mu.Unlock()
}

func (f *fakeRuntime) Stats(ctx context.Context, h *sandbox.Handle) (sandbox.ResourceStats, error) {
	return sandbox.ResourceStats{}, nil
}

func openTestPoolDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(t.TempDir() + "/ash.db")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func newTestPool(t *testing.T, maxSandboxes int) (*Pool, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	database := openTestPoolDB(t)
	p := New(Config{
		HostID:              "host-1",
		MaxSandboxes:        maxSandboxes,
		IdleTimeout:         time.Hour,
		ColdCleanupTTL:      time.Hour,
		IdleSweepInterval:   time.Hour,
		ColdCleanupInterval: time.Hour,
	}, database, rt, nil)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return p, rt
}

func TestCreateRespectsCapacityAndEvictsLRU(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 2)

	e1, err := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	p.MarkWaiting(ctx, e1.SandboxID)
	// force e1 to look older than e2 for LRU ordering.
	p.mu.Lock()
	p.live[e1.SandboxID].LastUsedAt = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	e2, err := p.Create(ctx, CreateParams{AgentName: "b", SessionID: "s2"})
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	p.MarkWaiting(ctx, e2.SandboxID)

	// At capacity (2/2). A third create must evict the oldest waiting entry
	// (e1), never a running one.
	e3, err := p.Create(ctx, CreateParams{AgentName: "c", SessionID: "s3"})
	if err != nil {
		t.Fatalf("create 3: %v", err)
	}

	if _, ok := p.Get(ctx, e1.SandboxID); ok {
		t.Error("expected e1 (oldest waiting) to be evicted")
	}
	if _, ok := p.Get(ctx, e2.SandboxID); !ok {
		t.Error("expected e2 to still be live")
	}
	if _, ok := p.Get(ctx, e3.SandboxID); !ok {
		t.Error("expected e3 to be live")
	}
}

func TestCreateNeverEvictsRunning(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 1)

	e1, err := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	p.MarkRunning(ctx, e1.SandboxID)

	_, err = p.Create(ctx, CreateParams{AgentName: "b", SessionID: "s2"})
	if err != ErrCapacityReached {
		t.Fatalf("expected ErrCapacityReached when the only candidate is running, got %v", err)
	}
	if _, ok := p.Get(ctx, e1.SandboxID); !ok {
		t.Error("running entry must never be evicted")
	}
}

func TestGetDropsDeadEntry(t *testing.T) {
	ctx := context.Background()
	p, rt := newTestPool(t, 4)

	e1, err := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p.mu.Lock()
	h := p.live[e1.SandboxID].handle
	p.mu.Unlock()
	rt.kill(h)

	if _, ok := p.Get(ctx, e1.SandboxID); ok {
		t.Error("expected Get to report the entry absent once its process has exited")
	}
	if _, ok := p.Get(ctx, e1.SandboxID); ok {
		t.Error("entry must not reappear on a second Get")
	}
}

func TestWarmUpAndConsumeWarmRecordsPreWarmHit(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 4)

	if err := p.WarmUp(ctx, WarmUpParams{AgentName: "a", N: 2, AgentDir: "/tmp/agent"}); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}

	id, ok := p.ConsumeWarm("a", "session-1")
	if !ok {
		t.Fatal("expected a warm sandbox to be available")
	}
	if _, ok := p.Get(ctx, id); !ok {
		t.Error("expected consumed warm sandbox to still be live")
	}

	stats := p.GetStats()
	if stats.PreWarmHits != 1 {
		t.Errorf("PreWarmHits = %d, want 1", stats.PreWarmHits)
	}

	if _, ok := p.ConsumeWarm("a", "session-2"); !ok {
		t.Fatal("expected a second warm sandbox to be available")
	}
	if _, ok := p.ConsumeWarm("a", "session-3"); ok {
		t.Fatal("expected warm pool to be exhausted after consuming both")
	}
}

func TestSweepIdleNeverTouchesWarmOrRunning(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 4)
	p.cfg.IdleTimeout = time.Millisecond

	waiting, _ := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	p.MarkWaiting(ctx, waiting.SandboxID)

	running, _ := p.Create(ctx, CreateParams{AgentName: "b", SessionID: "s2"})
	p.MarkRunning(ctx, running.SandboxID)

	warm, _ := p.Create(ctx, CreateParams{AgentName: "c"})
	// warm stays in its post-Create db.SandboxWarm state.

	time.Sleep(5 * time.Millisecond)
	p.sweepIdle(ctx)

	if _, ok := p.Get(ctx, waiting.SandboxID); ok {
		t.Error("expected idle waiting entry to be swept")
	}
	if _, ok := p.Get(ctx, running.SandboxID); !ok {
		t.Error("running entry must never be swept by idle sweep")
	}
	if _, ok := p.Get(ctx, warm.SandboxID); !ok {
		t.Error("warm entry must never be swept by idle sweep")
	}
}

func TestCreateEvictsColdRowBeforeLiveEntries(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 1)

	e1, err := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	p.MarkWaiting(ctx, e1.SandboxID)

	// Simulate a stale cold row left over from a prior crash recovery: a DB
	// row with no corresponding live entry, as Pool.Init leaves behind for
	// anything it couldn't reattach to.
	if _, err := p.db.CreateSandboxRow(ctx, db.Sandbox{
		ID:        "cold-1",
		TenantID:  "tenant-1",
		AgentName: "stale",
		State:     db.SandboxCold,
		HostID:    p.cfg.HostID,
	}); err != nil {
		t.Fatalf("insert cold row: %v", err)
	}

	// At capacity (1/1 live). A second create must reclaim the cold row
	// rather than evicting the live waiting entry.
	e2, err := p.Create(ctx, CreateParams{AgentName: "b", SessionID: "s2"})
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}

	if _, ok := p.Get(ctx, e1.SandboxID); !ok {
		t.Error("expected the live waiting entry to survive: the cold row should have been evicted first")
	}
	if _, ok := p.Get(ctx, e2.SandboxID); !ok {
		t.Error("expected e2 to be live")
	}
	if _, ok, err := p.db.FindOneColdSandbox(ctx, p.cfg.HostID); err != nil {
		t.Fatalf("FindOneColdSandbox: %v", err)
	} else if ok {
		t.Error("expected the stale cold row to have been deleted")
	}
}

func TestOnBeforeEvictCalledBeforeDestroy(t *testing.T) {
	ctx := context.Background()
	var called []string
	var aliveAtCall []bool
	var mu sync.Mutex

	rt := newFakeRuntime()
	database := openTestPoolDB(t)
	p := New(Config{HostID: "host-1", MaxSandboxes: 1}, database, rt, func(ctx context.Context, e Entry) error {
		mu.Lock()
		called = append(called, e.SandboxID)
		aliveAtCall = append(aliveAtCall, rt.IsAlive(e.handle))
		mu.Unlock()
		return nil
	})
	if err := p.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	e1, err := p.Create(ctx, CreateParams{AgentName: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.MarkWaiting(ctx, e1.SandboxID)

	if _, err := p.Create(ctx, CreateParams{AgentName: "b", SessionID: "s2"}); err != nil {
		t.Fatalf("create 2 (triggers eviction): %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(called) != 1 || called[0] != e1.SandboxID {
		t.Errorf("onBeforeEvict called with %v, want [%s]", called, e1.SandboxID)
	}
	if len(aliveAtCall) != 1 || !aliveAtCall[0] {
		t.Errorf("sandbox alive when onBeforeEvict ran = %v, want [true]", aliveAtCall)
	}
}
