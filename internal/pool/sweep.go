package pool

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/sandbox"
)

// Run starts the idle sweep and cold cleanup background loops, supervised
// by an errgroup tied to ctx, and blocks until ctx is cancelled or a loop
// returns an error. Grounded in the TeleCoder sandbox pool's refillLoop
// ticker pattern, generalized to Ash's two independent sweep timers
// (spec.md §4.4).
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.idleSweepLoop(ctx) })
	g.Go(func() error { return p.coldCleanupLoop(ctx) })
	return g.Wait()
}

func (p *Pool) idleSweepLoop(ctx context.Context) error {
	interval := p.cfg.IdleSweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweepIdle(ctx)
		}
	}
}

func (p *Pool) coldCleanupLoop(ctx context.Context) error {
	interval := p.cfg.ColdCleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.cleanupCold(ctx)
		}
	}
}

// sweepIdle finds waiting entries whose lastUsedAt is older than
// idleTimeoutMs and destroys them, spec.md §4.4 "Idle sweep". It never
// touches running or warm entries.
func (p *Pool) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var stale []Entry
	for _, e := range p.live {
		if e.State == db.SandboxWaiting && e.LastUsedAt.Before(cutoff) {
			stale = append(stale, *e)
		}
	}
	p.mu.Unlock()

	for _, e := range stale {
		if p.onBeforeEvict != nil {
			_ = p.onBeforeEvict(ctx, e)
		}
		p.destroyEntry(ctx, e.SandboxID)
	}
}

// cleanupCold finds DB cold rows older than coldCleanupTtlMs and deletes
// the row plus a best-effort workspace directory removal, spec.md §4.4
// "Cold cleanup".
func (p *Pool) cleanupCold(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.ColdCleanupTTL)
	rows, err := p.db.ListColdOlderThan(ctx, p.cfg.HostID, cutoff)
	if err != nil {
		return
	}
	for _, row := range rows {
		if row.WorkspaceDir != "" {
			_ = os.RemoveAll(row.WorkspaceDir)
		}
		_ = p.db.DeleteSandboxRow(ctx, row.ID)
	}
}

// WarmUpParams is the input to WarmUp, spec.md §4.4 "Pre-warm".
type WarmUpParams struct {
	AgentName string
	AgentDir  string
	N         int
	TenantID  string
	Limits    sandbox.Limits
}

// WarmUp creates up to n unowned warm sandboxes for an agent, spec.md §4.4
// "Pre-warm". A later Create call for the same agent should call
// ConsumeWarm first to reuse one of these instead of spawning cold.
func (p *Pool) WarmUp(ctx context.Context, params WarmUpParams) error {
	p.mu.Lock()
	existing := len(p.warm[params.AgentName])
	p.mu.Unlock()

	deficit := params.N - existing
	for i := 0; i < deficit; i++ {
		entry, err := p.Create(ctx, CreateParams{
			AgentDir:  params.AgentDir,
			AgentName: params.AgentName,
			TenantID:  params.TenantID,
			Limits:    params.Limits,
		})
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.warm[params.AgentName] = append(p.warm[params.AgentName], entry.SandboxID)
		p.mu.Unlock()
	}
	return nil
}

// ConsumeWarm pops an unowned warm sandbox for agentName if one exists and
// binds it to sessionID, recording a preWarmHit, spec.md §4.4 "future
// session creation with that agent consumes a warm one instead of
// spawning".
func (p *Pool) ConsumeWarm(agentName, sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := p.warm[agentName]
	if len(ids) == 0 {
		return "", false
	}
	id := ids[0]
	p.warm[agentName] = ids[1:]

	e, ok := p.live[id]
	if !ok {
		return "", false
	}
	e.SessionID = sessionID
	p.bySession[sessionID] = id
	atomic.AddInt64(&p.stats.PreWarmHits, 1)
	return id, true
}
