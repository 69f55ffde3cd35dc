// Package router implements spec.md §4.8: the session router. It owns the
// session lifecycle state machine and maps client requests onto whichever
// RunnerBackend currently (or should now) own the session's sandbox,
// including the warm/cold resume decision and SSE backpressure.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/runner"
	"github.com/ash-systems/ash/internal/snapshot"
	"github.com/ash-systems/ash/internal/summary"
)

// Sentinel errors, spec.md §4.8 and §7. Capacity and availability failures
// are the runner package's own sentinels (runner.ErrCapacityReached,
// runner.ErrNoRunnersAvailable); httpapi maps all of these to status
// codes.
var (
	ErrSessionNotActive   = errors.New("session not active")
	ErrSessionEnded       = errors.New("session ended")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	ErrClientWriteTimeout = errors.New("client_write_timeout")
	// ErrPeerClosed is returned by SendMessage when the bridge socket
	// closed mid-stream (the sandbox died), spec.md §7 "Sandbox died
	// mid-stream": the loop has already forwarded a synthetic error event
	// to the client and set the session to error before returning this.
	ErrPeerClosed = errors.New("peer_closed")
)

// EventSink is the router's view of an outbound SSE connection, spec.md
// §4.8 "SSE backpressure". Send must deliver ev before ctx is done; the
// caller passes a context bounded by SSE_WRITE_TIMEOUT_MS, so a false
// return means the client has not drained in time and the stream must be
// torn down. Implementations live in internal/httpapi (the real HTTP
// response) and in tests (an in-memory channel).
type EventSink interface {
	Send(ctx context.Context, ev bridge.Event) bool
}

// Router owns session lifecycle and dispatches to backends, spec.md §4.8.
type Router struct {
	db                   *db.DB
	coordinator          *runner.Coordinator
	dataDir              string
	cloud                snapshot.CloudBackend
	sseWriteTimeout      time.Duration
	bridgeConnectTimeout time.Duration
	summarizer           *summary.Summarizer
}

// Config bundles Router's construction-time dependencies.
type Config struct {
	DB                   *db.DB
	Coordinator          *runner.Coordinator
	DataDir              string
	Cloud                snapshot.CloudBackend // nil disables cloud-assisted cold resume
	SSEWriteTimeout      time.Duration
	BridgeConnectTimeout time.Duration
	Summarizer           *summary.Summarizer // nil disables session summaries
}

// New constructs a Router.
func New(cfg Config) *Router {
	return &Router{
		db:                   cfg.DB,
		coordinator:          cfg.Coordinator,
		dataDir:              cfg.DataDir,
		cloud:                cfg.Cloud,
		sseWriteTimeout:      cfg.SSEWriteTimeout,
		bridgeConnectTimeout: cfg.BridgeConnectTimeout,
		summarizer:           cfg.Summarizer,
	}
}

// normalizeRunnerID maps the coordinator's LocalRunnerID sentinel to the
// empty string the DB uses for "local backend", spec.md §3 "optional
// runnerId (null means local backend)".
func normalizeRunnerID(id string) string {
	if id == runner.LocalRunnerID {
		return ""
	}
	return id
}

// loadOwned fetches a session and verifies tenant ownership, spec.md §4.8
// "Send message" step 1 "verify active and tenant ownership". A
// tenant-mismatched session reports as not-found rather than forbidden, so
// the API surface never discloses cross-tenant existence.
func (r *Router) loadOwned(ctx context.Context, sessionID, tenantID string) (db.Session, error) {
	s, err := r.db.GetSession(ctx, sessionID)
	if err != nil {
		return db.Session{}, err
	}
	if s.TenantID != tenantID {
		return db.Session{}, fmt.Errorf("get session %s: %w", sessionID, db.ErrNotFound)
	}
	return s, nil
}

// CreateSession implements spec.md §4.8 "Create": validate the agent
// exists, pick a backend, create its sandbox, and insert an active
// session row.
func (r *Router) CreateSession(ctx context.Context, tenantID, agentName string) (db.Session, error) {
	agent, err := r.db.GetAgentByName(ctx, tenantID, agentName)
	if err != nil {
		return db.Session{}, err
	}

	backend, runnerID, err := r.coordinator.SelectBackend(ctx)
	if err != nil {
		return db.Session{}, err
	}

	sessionID := uuid.NewString()
	handle, err := backend.CreateSandbox(ctx, runner.CreateSandboxRequest{
		AgentDir:  agent.Path,
		AgentName: agentName,
		SessionID: sessionID,
		TenantID:  tenantID,
	})
	if err != nil {
		return db.Session{}, err
	}

	session, err := r.db.CreateSession(ctx, db.Session{
		ID:        sessionID,
		TenantID:  tenantID,
		AgentName: agentName,
		SandboxID: handle.SandboxID,
		Status:    db.SessionStarting,
		RunnerID:  normalizeRunnerID(runnerID),
	})
	if err != nil {
		return db.Session{}, err
	}

	if err := r.db.SetSessionStatus(ctx, sessionID, db.SessionActive); err != nil {
		return db.Session{}, err
	}
	session.Status = db.SessionActive
	return session, nil
}

// SendMessage implements spec.md §4.8 "Send message": it streams bridge
// events to sink until done/error, with backpressure, and best-effort
// persists state and summarizes on done.
func (r *Router) SendMessage(ctx context.Context, sessionID, tenantID, content string, includePartial bool, sink EventSink) error {
	session, err := r.loadOwned(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	if session.Status != db.SessionActive {
		return ErrSessionNotActive
	}

	backend, err := r.coordinator.GetBackendForRunner(ctx, session.RunnerID)
	if err != nil {
		_ = r.db.SetSessionStatus(ctx, sessionID, db.SessionError)
		return err
	}
	if _, ok := backend.GetSandbox(ctx, session.SandboxID); !ok {
		_ = r.db.SetSessionStatus(ctx, sessionID, db.SessionError)
		return ErrSandboxUnavailable
	}

	// Mark running before any suspension point, so the idle sweeper never
	// races a message in flight (spec.md §5 "Ordering guarantees").
	backend.MarkRunning(ctx, session.SandboxID)
	defer backend.MarkWaiting(ctx, session.SandboxID)

	_ = r.db.TouchSession(ctx, sessionID)
	_ = r.db.AppendMessage(ctx, sessionID, "user", content)

	events, err := backend.SendCommand(ctx, session.SandboxID, bridge.NewQueryCommand(sessionID, content, includePartial))
	if err != nil {
		_ = r.db.SetSessionStatus(ctx, sessionID, db.SessionError)
		return err
	}

	var lastMessage string
	var peerClosed bool
	for ev := range events {
		if ev.Kind == bridge.EventMessage {
			lastMessage = string(ev.Message)
		}
		_ = r.db.AppendSessionEvent(ctx, sessionID, string(ev.Kind), string(ev.Message))

		if !r.sendEvent(ctx, sink, ev) {
			return ErrClientWriteTimeout
		}

		switch ev.Kind {
		case bridge.EventDone:
			backend.PersistState(ctx, session.SandboxID, sessionID, session.AgentName)
			r.maybeSummarize(sessionID, lastMessage)
		case bridge.EventError:
			_ = r.db.SetSessionStatus(ctx, sessionID, db.SessionError)
			if ev.Error == bridge.PeerClosedError {
				peerClosed = true
			}
		case bridge.EventDecodeError:
			// Recovered locally: the stream survives and the session
			// stays active, per spec.md §7 — no status transition here.
		}
	}
	if peerClosed {
		return ErrPeerClosed
	}
	return nil
}

// sendEvent bounds a single SSE write by SSE_WRITE_TIMEOUT_MS, spec.md
// §4.8 "SSE backpressure": "wait for a drain signal up to
// SSE_WRITE_TIMEOUT_MS... On timeout, close the stream".
func (r *Router) sendEvent(ctx context.Context, sink EventSink, ev bridge.Event) bool {
	timeout := r.sseWriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sink.Send(writeCtx, ev)
}

// maybeSummarize asks the configured summarizer for a one-line summary and
// stores it, swallowing any failure: a failed summary never blocks or
// retroactively affects message delivery, spec.md §9 and
// internal/summary's own doc comment.
func (r *Router) maybeSummarize(sessionID, content string) {
	if r.summarizer == nil || content == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		summaryText, err := r.summarizer.Summarize(ctx, content)
		if err != nil {
			return
		}
		_ = r.db.SetSessionSummary(ctx, sessionID, summaryText)
	}()
}

// Pause implements spec.md §4.8 "Pause": only from active, best-effort
// persist, then set paused.
func (r *Router) Pause(ctx context.Context, sessionID, tenantID string) error {
	session, err := r.loadOwned(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	if session.Status != db.SessionActive {
		return ErrSessionNotActive
	}

	if backend, err := r.coordinator.GetBackendForRunner(ctx, session.RunnerID); err == nil {
		backend.PersistState(ctx, session.SandboxID, sessionID, session.AgentName)
	}
	return r.db.SetSessionStatus(ctx, sessionID, db.SessionPaused)
}

// Resume implements spec.md §4.8 "Resume": rejects ended sessions, is a
// pass-through for already-active ones, and otherwise tries the warm path
// before falling back to cold resume.
func (r *Router) Resume(ctx context.Context, sessionID, tenantID string) (db.Session, error) {
	session, err := r.loadOwned(ctx, sessionID, tenantID)
	if err != nil {
		return db.Session{}, err
	}
	if session.Status == db.SessionEnded {
		return db.Session{}, ErrSessionEnded
	}
	if session.Status == db.SessionActive {
		return session, nil
	}

	if backend, err := r.coordinator.GetBackendForRunner(ctx, session.RunnerID); err == nil {
		if backend.IsSandboxAlive(ctx, session.SandboxID) {
			backend.RecordWarmHit()
			if err := r.db.SetSessionStatus(ctx, sessionID, db.SessionActive); err != nil {
				return db.Session{}, err
			}
			session.Status = db.SessionActive
			return session, nil
		}
	}

	return r.resumeCold(ctx, session, tenantID)
}

// resumeCold implements spec.md §4.8 "Resume" "Cold path": ensure the
// workspace exists on disk, pick a (possibly new) backend, and create a
// sandbox with skipAgentCopy when a local snapshot exists or cloud sync is
// configured; a LocalBackend that then finds no snapshot in either place
// copies the agent directory itself, so a fresh sandbox still gets it. The
// local/cloud/fresh sub-source is recorded by whichever LocalBackend
// ultimately performs the restore (internal/runner.LocalBackend), not
// here: only that process can see the restored filesystem.
func (r *Router) resumeCold(ctx context.Context, session db.Session, tenantID string) (db.Session, error) {
	agent, err := r.db.GetAgentByName(ctx, tenantID, session.AgentName)
	if err != nil {
		return db.Session{}, err
	}

	skipCopy := snapshot.Exists(r.dataDir, session.ID) || r.cloud != nil

	backend, runnerID, err := r.coordinator.SelectBackend(ctx)
	if err != nil {
		return db.Session{}, err
	}

	handle, err := backend.CreateSandbox(ctx, runner.CreateSandboxRequest{
		AgentDir:      agent.Path,
		AgentName:     session.AgentName,
		SessionID:     session.ID,
		TenantID:      tenantID,
		SkipAgentCopy: skipCopy,
	})
	if err != nil {
		return db.Session{}, err
	}

	if err := r.db.BindSandbox(ctx, session.ID, handle.SandboxID, normalizeRunnerID(runnerID)); err != nil {
		return db.Session{}, err
	}
	if err := r.db.SetSessionStatus(ctx, session.ID, db.SessionActive); err != nil {
		return db.Session{}, err
	}

	session.SandboxID = handle.SandboxID
	session.RunnerID = normalizeRunnerID(runnerID)
	session.Status = db.SessionActive
	return session, nil
}

// End implements spec.md §4.8 "End": best-effort persist + destroy
// (ignoring a runner that is already gone), then set ended.
func (r *Router) End(ctx context.Context, sessionID, tenantID string) error {
	session, err := r.loadOwned(ctx, sessionID, tenantID)
	if err != nil {
		return err
	}
	if session.Status == db.SessionEnded {
		return nil
	}

	if backend, err := r.coordinator.GetBackendForRunner(ctx, session.RunnerID); err == nil {
		backend.PersistState(ctx, session.SandboxID, sessionID, session.AgentName)
		_ = backend.DestroySandbox(ctx, session.SandboxID)
	}
	return r.db.SetSessionStatus(ctx, sessionID, db.SessionEnded)
}

// Fork implements spec.md §4.8 "Forks": a new session inheriting the
// parent's agentName, model, and config, with its own id and no sandbox
// until first activation.
func (r *Router) Fork(ctx context.Context, parentID, tenantID string) (db.Session, error) {
	parent, err := r.loadOwned(ctx, parentID, tenantID)
	if err != nil {
		return db.Session{}, err
	}
	return r.db.InsertForkedSession(ctx, uuid.NewString(), parent)
}

// GetSession returns a tenant-scoped session lookup, for GET
// /api/sessions/<id>.
func (r *Router) GetSession(ctx context.Context, sessionID, tenantID string) (db.Session, error) {
	return r.loadOwned(ctx, sessionID, tenantID)
}

// ListSessions returns every session for a tenant, optionally filtered by
// agent name, for GET /api/sessions.
func (r *Router) ListSessions(ctx context.Context, tenantID, agentFilter string) ([]db.Session, error) {
	return r.db.ListSessions(ctx, tenantID, agentFilter)
}
