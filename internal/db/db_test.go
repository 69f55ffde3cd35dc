package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ash.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAgentCreateGetRedeployDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	a, err := d.CreateAgent(ctx, uuid.NewString(), "tenant-1", "assistant", "/agents/assistant")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("Version = %d, want 1", a.Version)
	}

	_, err = d.CreateAgent(ctx, uuid.NewString(), "tenant-1", "assistant", "/agents/assistant")
	if err == nil {
		t.Fatal("expected unique constraint violation on duplicate (tenant, name)")
	}

	got, err := d.GetAgentByName(ctx, "tenant-1", "assistant")
	if err != nil {
		t.Fatalf("GetAgentByName: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("ID = %q, want %q", got.ID, a.ID)
	}

	redeployed, err := d.RedeployAgent(ctx, "tenant-1", "assistant", "/agents/assistant-v2")
	if err != nil {
		t.Fatalf("RedeployAgent: %v", err)
	}
	if redeployed.ID != a.ID {
		t.Errorf("redeploy changed id: got %q, want %q", redeployed.ID, a.ID)
	}
	if redeployed.Version != 2 {
		t.Errorf("Version after redeploy = %d, want 2", redeployed.Version)
	}

	if err := d.DeleteAgent(ctx, "tenant-1", "assistant"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := d.GetAgentByName(ctx, "tenant-1", "assistant"); err == nil {
		t.Fatal("expected not found after delete")
	}
}

func TestSessionLifecycleStatuses(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id := uuid.NewString()
	s, err := d.CreateSession(ctx, Session{
		ID:        id,
		TenantID:  "tenant-1",
		AgentName: "assistant",
		Status:    SessionStarting,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Status != SessionStarting {
		t.Errorf("Status = %q, want starting", s.Status)
	}

	if err := d.BindSandbox(ctx, id, "sandbox-1", ""); err != nil {
		t.Fatalf("BindSandbox: %v", err)
	}
	if err := d.SetSessionStatus(ctx, id, SessionActive); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}

	got, err := d.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionActive || got.SandboxID != "sandbox-1" {
		t.Errorf("got %+v", got)
	}

	if err := d.SetSessionStatus(ctx, id, SessionEnded); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}
	got, err = d.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionEnded {
		t.Errorf("Status = %q, want ended", got.Status)
	}
}

func TestForkedSessionInheritsAgentAndConfig(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	parent, err := d.CreateSession(ctx, Session{
		ID:        uuid.NewString(),
		TenantID:  "tenant-1",
		AgentName: "assistant",
		Status:    SessionActive,
		Config:    `{"model":"claude"}`,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	fork, err := d.InsertForkedSession(ctx, uuid.NewString(), parent)
	if err != nil {
		t.Fatalf("InsertForkedSession: %v", err)
	}
	if fork.ID == parent.ID {
		t.Fatal("fork must have its own id")
	}
	if fork.AgentName != parent.AgentName || fork.Config != parent.Config {
		t.Errorf("fork did not inherit agent/config: %+v", fork)
	}
	if fork.ParentSessionID != parent.ID {
		t.Errorf("ParentSessionID = %q, want %q", fork.ParentSessionID, parent.ID)
	}
	if fork.SandboxID != "" {
		t.Error("fork must not inherit a sandbox binding")
	}
}

func TestSandboxAdmissionCounting(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.CreateSandboxRow(ctx, Sandbox{
			ID:           uuid.NewString(),
			TenantID:     "tenant-1",
			AgentName:    "assistant",
			State:        SandboxWarm,
			WorkspaceDir: "/data/sandboxes/x/workspace",
			HostID:       "host-1",
		})
		if err != nil {
			t.Fatalf("CreateSandboxRow: %v", err)
		}
	}

	n, err := d.CountLiveAndCold(ctx, "host-1")
	if err != nil {
		t.Fatalf("CountLiveAndCold: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	if err := d.MarkAllColdForHost(ctx, "host-1"); err != nil {
		t.Fatalf("MarkAllColdForHost: %v", err)
	}

	cutoff := time.Now().Add(time.Hour)
	cold, err := d.ListColdOlderThan(ctx, "host-1", cutoff)
	if err != nil {
		t.Fatalf("ListColdOlderThan: %v", err)
	}
	if len(cold) != 3 {
		t.Errorf("cold count = %d, want 3", len(cold))
	}
}

func TestRunnerRegisterHeartbeatDeadSweep(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.RegisterRunner(ctx, "runner-1", "10.0.0.5", 9000, 10); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	// Re-register (upsert) must not create a duplicate row.
	if err := d.RegisterRunner(ctx, "runner-1", "10.0.0.5", 9000, 10); err != nil {
		t.Fatalf("RegisterRunner (re-register): %v", err)
	}
	runners, err := d.ListRunners(ctx)
	if err != nil {
		t.Fatalf("ListRunners: %v", err)
	}
	if len(runners) != 1 {
		t.Fatalf("len(runners) = %d, want 1", len(runners))
	}

	if err := d.Heartbeat(ctx, "runner-1", 2, 1); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	live, err := d.ListLiveRunners(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListLiveRunners: %v", err)
	}
	if len(live) != 1 {
		t.Errorf("live runners = %d, want 1", len(live))
	}

	stale, err := d.ListStaleRunners(ctx, 0)
	if err != nil {
		t.Fatalf("ListStaleRunners: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale runners (timeout 0) = %d, want 1", len(stale))
	}

	sess, err := d.CreateSession(ctx, Session{
		ID:        uuid.NewString(),
		TenantID:  "tenant-1",
		AgentName: "assistant",
		Status:    SessionActive,
		RunnerID:  "runner-1",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := d.PauseSessionsForRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("PauseSessionsForRunner: %v", err)
	}
	if err := d.DeleteRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("DeleteRunner: %v", err)
	}

	got, err := d.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}

	if _, err := d.GetRunner(ctx, "runner-1"); err == nil {
		t.Fatal("expected runner row to be gone")
	}

	// Both operations are idempotent: a second call with the runner
	// already gone must not error.
	if err := d.PauseSessionsForRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("PauseSessionsForRunner (idempotent): %v", err)
	}
	if err := d.DeleteRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("DeleteRunner (idempotent): %v", err)
	}
}

func TestMessagesAndSessionEventsAppendOnly(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	sess, err := d.CreateSession(ctx, Session{
		ID:        uuid.NewString(),
		TenantID:  "tenant-1",
		AgentName: "assistant",
		Status:    SessionActive,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := d.AppendMessage(ctx, sess.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := d.AppendMessage(ctx, sess.ID, "assistant", "hi there"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, err := d.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("msgs = %+v", msgs)
	}

	if err := d.AppendSessionEvent(ctx, sess.ID, "ready", "{}"); err != nil {
		t.Fatalf("AppendSessionEvent: %v", err)
	}
	if err := d.AppendSessionEvent(ctx, sess.ID, "done", `{"sessionId":"x"}`); err != nil {
		t.Fatalf("AppendSessionEvent: %v", err)
	}
	events, err := d.ListSessionEvents(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListSessionEvents: %v", err)
	}
	if len(events) != 2 || events[0].Kind != "ready" || events[1].Kind != "done" {
		t.Errorf("events = %+v", events)
	}
}
