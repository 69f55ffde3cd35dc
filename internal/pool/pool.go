// Package pool implements the SandboxPool, spec.md §4.4: the in-memory
// live registry of sandboxes on one host, backed by the canonical DB,
// handling admission, eviction, idle sweep, cold cleanup, and pre-warming.
// Grounded in the TeleCoder sandbox-pool's warm-instance claim/refill shape
// (other_examples/..._jxucoder-TeleCoder__sandbox-pool.go.go) generalized
// from a single-tenant container pool to Ash's multi-agent, DB-backed
// design.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/sandbox"
)

// Entry is the in-memory live record of a sandbox, spec.md §4.4 "Data
// structures": "{sandbox, state, sessionId, agentName, lastUsedAt}".
type Entry struct {
	SandboxID    string
	SessionID    string
	AgentName    string
	State        db.SandboxState
	WorkspaceDir string
	LastUsedAt   time.Time

	handle *sandbox.Handle
}

// BeforeEvictFunc is invoked before a live candidate is destroyed, so the
// router can persist session state and mark the session paused, spec.md
// §4.4 "Eviction policy" and §9 "the onBeforeEvict callback from pool →
// router is given as a function pointer at construction — no back-reference
// needed".
type BeforeEvictFunc func(ctx context.Context, e Entry) error

// Config configures a Pool.
type Config struct {
	HostID              string
	MaxSandboxes        int
	IdleTimeout         time.Duration
	ColdCleanupTTL      time.Duration
	IdleSweepInterval   time.Duration
	ColdCleanupInterval time.Duration
}

// Pool is the single source of truth in memory for live sandboxes on this
// host.
type Pool struct {
	cfg     Config
	db      *db.DB
	runtime sandbox.Runtime

	onBeforeEvict BeforeEvictFunc

	mu        sync.Mutex
	live      map[string]*Entry   // sandboxId -> entry
	bySession map[string]string   // sessionId -> sandboxId
	warm      map[string][]string // agentName -> unowned warm sandboxIds

	stats Counters
}

// Counters holds the §4.4 "Counters" atomically.
type Counters struct {
	ResumeWarmHits      int64
	ResumeColdLocalHits int64
	ResumeColdCloudHits int64
	ResumeColdFreshHits int64
	PreWarmHits         int64
}

// New constructs a Pool. onBeforeEvict may be nil (tests only).
func New(cfg Config, database *db.DB, runtime sandbox.Runtime, onBeforeEvict BeforeEvictFunc) *Pool {
	return &Pool{
		cfg:           cfg,
		db:            database,
		runtime:       runtime,
		onBeforeEvict: onBeforeEvict,
		live:          make(map[string]*Entry),
		bySession:     make(map[string]string),
		warm:          make(map[string][]string),
	}
}

// Init marks every sandbox row owned by this host as cold, spec.md §4.4
// "Startup recovery". It must run before any Create call.
func (p *Pool) Init(ctx context.Context) error {
	return p.db.MarkAllColdForHost(ctx, p.cfg.HostID)
}

// CreateParams is the input to Create, spec.md §4.4 "Create (admission)".
type CreateParams struct {
	AgentDir  string
	AgentName string
	SessionID string
	TenantID  string
	SkipCopy  bool
	Limits    sandbox.Limits
	ExtraEnv  map[string]string
}

// ErrCapacityReached is spec.md §7 "capacity_reached".
var ErrCapacityReached = fmt.Errorf("capacity_reached")

// Create admits a new sandbox: checks capacity (evicting if needed), then
// spawns it, spec.md §4.4 "Create (admission)".
func (p *Pool) Create(ctx context.Context, params CreateParams) (Entry, error) {
	if err := p.ensureCapacity(ctx); err != nil {
		return Entry{}, err
	}

	id := uuid.NewString()
	row := db.Sandbox{
		ID:        id,
		TenantID:  params.TenantID,
		SessionID: params.SessionID,
		AgentName: params.AgentName,
		State:     db.SandboxWarming,
		HostID:    p.cfg.HostID,
	}
	if _, err := p.db.CreateSandboxRow(ctx, row); err != nil {
		return Entry{}, fmt.Errorf("create sandbox row: %w", err)
	}

	h, err := p.runtime.Spawn(ctx, sandbox.CreateRequest{
		AgentDir:  params.AgentDir,
		SandboxID: id,
		SessionID: params.SessionID,
		SkipCopy:  params.SkipCopy,
		Limits:    params.Limits,
		ExtraEnv:  params.ExtraEnv,
	})
	if err != nil {
		_ = p.db.DeleteSandboxRow(ctx, id)
		return Entry{}, fmt.Errorf("spawn sandbox: %w", err)
	}

	entry := &Entry{
		SandboxID:    id,
		SessionID:    params.SessionID,
		AgentName:    params.AgentName,
		State:        db.SandboxWarm,
		WorkspaceDir: h.WorkspaceDir,
		LastUsedAt:   time.Now(),
		handle:       h,
	}

	p.mu.Lock()
	p.live[id] = entry
	if params.SessionID != "" {
		p.bySession[params.SessionID] = id
	}
	p.mu.Unlock()

	if err := p.db.SetSandboxState(ctx, id, db.SandboxWarm); err != nil {
		// Best-effort: in-memory state is authoritative for correctness
		// (spec.md §5 "DB writes that merely mirror in-memory state may
		// lag"); a failed mirror write does not fail admission.
		_ = err
	}

	return *entry, nil
}

// ensureCapacity checks the DB-counted total against maxSandboxes and
// evicts if at capacity, spec.md §4.4 step 1.
func (p *Pool) ensureCapacity(ctx context.Context) error {
	n, err := p.db.CountLiveAndCold(ctx, p.cfg.HostID)
	if err != nil {
		return fmt.Errorf("count sandboxes: %w", err)
	}
	if n < p.cfg.MaxSandboxes {
		return nil
	}
	if evicted := p.evictOne(ctx); !evicted {
		return ErrCapacityReached
	}
	return nil
}

// evictOne destroys the single best eviction candidate (tier + LRU),
// spec.md §4.4 "Eviction policy" and §8 "Eviction order". Cold rows are
// checked first: they hold no live process, so reclaiming one just means
// deleting the DB row, and that must happen before falling through to the
// waiting/warm tiers (otherwise a host that accumulated cold rows — e.g.
// right after Init's startup recovery — stays at capacity until the next
// periodic cold-cleanup sweep).
func (p *Pool) evictOne(ctx context.Context) bool {
	if evicted, _ := p.evictColdRow(ctx); evicted {
		return true
	}

	candidate, ok := p.pickEvictionCandidate()
	if !ok {
		return false
	}

	if p.onBeforeEvict != nil {
		_ = p.onBeforeEvict(ctx, candidate)
	}
	p.destroyEntry(ctx, candidate.SandboxID)
	return true
}

// evictColdRow deletes one stale cold sandbox row for this host, if any
// exists, implementing the "cold first" tier of the eviction order.
func (p *Pool) evictColdRow(ctx context.Context) (bool, error) {
	sb, ok, err := p.db.FindOneColdSandbox(ctx, p.cfg.HostID)
	if err != nil {
		return false, fmt.Errorf("find cold sandbox: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := p.db.DeleteSandboxRow(ctx, sb.ID); err != nil {
		return false, fmt.Errorf("delete cold sandbox %s: %w", sb.ID, err)
	}
	return true, nil
}

// tierRank implements the eviction tier ordering cold(would not be live,
// handled separately) > waiting > warm; running is never a candidate.
func tierRank(state db.SandboxState) (int, bool) {
	switch state {
	case db.SandboxWaiting:
		return 0, true
	case db.SandboxWarm:
		return 1, true
	default:
		return 0, false
	}
}

// pickEvictionCandidate selects the best live candidate by tier then
// ascending lastUsedAt, spec.md §8 "Eviction order is exactly: tier {cold >
// waiting > warm}, then ascending lastUsedAt; never running." The cold tier
// is handled by evictColdRow before this is ever called (live entries are
// never cold — cold sandboxes have no live entry, per §3), so among
// in-memory candidates the tiers collapse to waiting then warm.
func (p *Pool) pickEvictionCandidate() (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []Entry
	for _, e := range p.live {
		if _, ok := tierRank(e.State); ok {
			candidates = append(candidates, *e)
		}
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, _ := tierRank(candidates[i].State)
		rj, _ := tierRank(candidates[j].State)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	return candidates[0], true
}

// destroyEntry tears down a live sandbox and marks it cold in the DB and
// in-memory maps.
func (p *Pool) destroyEntry(ctx context.Context, id string) {
	p.mu.Lock()
	entry, ok := p.live[id]
	if ok {
		delete(p.live, id)
		if entry.SessionID != "" {
			delete(p.bySession, entry.SessionID)
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	_ = p.runtime.Destroy(ctx, entry.handle)
	_ = p.db.SetSandboxState(ctx, id, db.SandboxCold)
}

// MarkRunning sets in-memory and DB state to running, spec.md §4.4 "State
// transitions". In-memory state is set synchronously so the idle sweeper
// can observe it immediately (spec.md §5 ordering guarantee); the DB write
// is fire-and-forget.
func (p *Pool) MarkRunning(ctx context.Context, id string) {
	p.mu.Lock()
	if e, ok := p.live[id]; ok {
		e.State = db.SandboxRunning
		e.LastUsedAt = time.Now()
	}
	p.mu.Unlock()
	go func() { _ = p.db.SetSandboxState(context.Background(), id, db.SandboxRunning) }()
}

// MarkWaiting sets in-memory and DB state to waiting.
func (p *Pool) MarkWaiting(ctx context.Context, id string) {
	p.mu.Lock()
	if e, ok := p.live[id]; ok {
		e.State = db.SandboxWaiting
		e.LastUsedAt = time.Now()
	}
	p.mu.Unlock()
	go func() { _ = p.db.SetSandboxState(context.Background(), id, db.SandboxWaiting) }()
}

// Get returns the live entry if present and its process is still alive;
// otherwise it drops the entry and schedules a DB cold transition, spec.md
// §4.4 "Get".
func (p *Pool) Get(ctx context.Context, id string) (Entry, bool) {
	p.mu.Lock()
	e, ok := p.live[id]
	p.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	if p.runtime.IsAlive(e.handle) {
		return *e, true
	}

	p.mu.Lock()
	delete(p.live, id)
	if e.SessionID != "" {
		delete(p.bySession, e.SessionID)
	}
	p.mu.Unlock()
	go func() { _ = p.db.SetSandboxState(context.Background(), id, db.SandboxCold) }()
	return Entry{}, false
}

// SocketPath returns the bridge socket path for a live sandbox, so a
// RunnerBackend can open a BridgeClient against it without the pool
// exposing its internal handle type.
func (p *Pool) SocketPath(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live[id]
	if !ok || e.handle == nil {
		return "", false
	}
	return e.handle.SocketPath, true
}

// GetBySession resolves a session's bound sandbox, if live.
func (p *Pool) GetBySession(ctx context.Context, sessionID string) (Entry, bool) {
	p.mu.Lock()
	id, ok := p.bySession[sessionID]
	p.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	return p.Get(ctx, id)
}

// Destroy tears down a sandbox and marks it cold, spec.md §4.2
// "Teardown"/§4.6 "destroySandbox". Idempotent: destroying an unknown id
// is a no-op.
func (p *Pool) Destroy(ctx context.Context, id string) {
	p.destroyEntry(ctx, id)
}

// IsAlive reports whether a sandbox id has a live, running process.
func (p *Pool) IsAlive(id string) bool {
	p.mu.Lock()
	e, ok := p.live[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.runtime.IsAlive(e.handle)
}

// RecordWarmHit increments resumeWarmHits, spec.md §4.4 "Counters".
func (p *Pool) RecordWarmHit() { atomic.AddInt64(&p.stats.ResumeWarmHits, 1) }

// RecordColdLocalHit increments resumeColdHits and its local sub-source.
func (p *Pool) RecordColdLocalHit() { atomic.AddInt64(&p.stats.ResumeColdLocalHits, 1) }

// RecordColdCloudHit increments resumeColdHits and its cloud sub-source.
func (p *Pool) RecordColdCloudHit() { atomic.AddInt64(&p.stats.ResumeColdCloudHits, 1) }

// RecordColdFreshHit increments resumeColdHits and its fresh sub-source.
func (p *Pool) RecordColdFreshHit() { atomic.AddInt64(&p.stats.ResumeColdFreshHits, 1) }

// RecordPreWarmHit increments preWarmHits.
func (p *Pool) RecordPreWarmHit() { atomic.AddInt64(&p.stats.PreWarmHits, 1) }
