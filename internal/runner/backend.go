// Package runner implements spec.md §4.6/§4.7: the RunnerBackend surface
// the session router consumes, its Local (in-process pool) and Remote
// (HTTP client) implementations, and the RunnerCoordinator that discovers
// runners, selects the least-loaded one, and detects and evicts dead ones.
//
// Grounded in the Local/Remote split design note (spec.md §9
// "Polymorphism": "avoid inheritance. Prefer composition: Coordinator
// holds an optional LocalBackend plus a lazy cache of RemoteBackend keyed
// by runner id"), and in the pool's own warm/cold counter shape
// (internal/pool/pool.go) which Backend simply forwards to.
package runner

import (
	"context"
	"errors"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/pool"
)

// Sentinel errors, spec.md §7.
var (
	ErrCapacityReached    = errors.New("capacity_reached")
	ErrNoRunnersAvailable = errors.New("no_runners_available")
	ErrUnknownSandbox     = errors.New("unknown sandbox")
)

// LocalRunnerID is the sentinel spec.md §4.7 "Routing for existing
// sessions" uses in place of a real runner id to mean "use the local
// backend" — a session whose runnerId is empty means the same thing; both
// forms are accepted so a session created before a coordinator existed and
// one created with mode=coordinator but no registered runners read the
// same way.
const LocalRunnerID = "__local__"

// CreateSandboxRequest is the input to Backend.CreateSandbox, spec.md §4.6.
type CreateSandboxRequest struct {
	AgentDir      string
	AgentName     string
	SessionID     string
	TenantID      string
	SkipAgentCopy bool
}

// SandboxHandle carries the minimum a caller needs to keep talking to a
// sandbox it just created or looked up, spec.md §4.6 "Handle carries at
// least {sandboxId, workspaceDir}".
type SandboxHandle struct {
	SandboxID    string
	WorkspaceDir string
}

// Backend is the uniform surface over "sandboxes live on this host"
// (Local) and "sandboxes live on another machine" (Remote), spec.md §4.6.
type Backend interface {
	CreateSandbox(ctx context.Context, req CreateSandboxRequest) (SandboxHandle, error)
	DestroySandbox(ctx context.Context, id string) error
	SendCommand(ctx context.Context, id string, cmd bridge.Command) (<-chan bridge.Event, error)
	Interrupt(ctx context.Context, id string) error
	GetSandbox(ctx context.Context, id string) (SandboxHandle, bool)
	IsSandboxAlive(ctx context.Context, id string) bool
	MarkRunning(ctx context.Context, id string)
	MarkWaiting(ctx context.Context, id string)
	// PersistState is best-effort; it returns whether a persist actually
	// happened, spec.md §4.6.
	PersistState(ctx context.Context, id, sessionID, agentName string) bool
	RecordWarmHit()
	RecordColdLocalHit()
	RecordColdCloudHit()
	RecordColdFreshHit()
	GetStats(ctx context.Context) (pool.Stats, error)
}
