package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/pool"
	"github.com/ash-systems/ash/internal/router"
	"github.com/ash-systems/ash/internal/runner"
)

// fakeBackend is a minimal runner.Backend test double, grounded in the same
// shape as internal/router's own fakeBackend: no real sandbox process, just
// enough bookkeeping to exercise the HTTP handlers end to end.
type fakeBackend struct {
	mu     sync.Mutex
	alive  map[string]bool
	events map[string][]bridge.Event
	seq    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{alive: make(map[string]bool), events: make(map[string][]bridge.Event)}
}

func (f *fakeBackend) CreateSandbox(ctx context.Context, req runner.CreateSandboxRequest) (runner.SandboxHandle, error) {
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("sbx-%s-%d", req.SessionID, f.seq)
	f.alive[id] = true
	f.mu.Unlock()
	return runner.SandboxHandle{SandboxID: id, WorkspaceDir: "/tmp/" + id}, nil
}

func (f *fakeBackend) DestroySandbox(ctx context.Context, id string) error {
	f.mu.Lock()
	delete(f.alive, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SendCommand(ctx context.Context, id string, cmd bridge.Command) (<-chan bridge.Event, error) {
	f.mu.Lock()
	evs := f.events[id]
	f.mu.Unlock()
	out := make(chan bridge.Event, len(evs)+1)
	for _, e := range evs {
		out <- e
	}
	close(out)
	return out, nil
}

func (f *fakeBackend) Interrupt(ctx context.Context, id string) error { return nil }

func (f *fakeBackend) GetSandbox(ctx context.Context, id string) (runner.SandboxHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.alive[id] {
		return runner.SandboxHandle{SandboxID: id}, true
	}
	return runner.SandboxHandle{}, false
}

func (f *fakeBackend) IsSandboxAlive(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakeBackend) MarkRunning(ctx context.Context, id string) {}
func (f *fakeBackend) MarkWaiting(ctx context.Context, id string) {}

func (f *fakeBackend) PersistState(ctx context.Context, id, sessionID, agentName string) bool {
	return true
}

func (f *fakeBackend) RecordWarmHit()      {}
func (f *fakeBackend) RecordColdLocalHit() {}
func (f *fakeBackend) RecordColdCloudHit() {}
func (f *fakeBackend) RecordColdFreshHit() {}

func (f *fakeBackend) GetStats(ctx context.Context) (pool.Stats, error) {
	return pool.Stats{ActiveCount: len(f.alive)}, nil
}

func newTestServer(t *testing.T) (*Server, *db.DB, *fakeBackend) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ash.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if _, err := database.CreateAgent(context.Background(), "agent-id-1", defaultTenantID, "agent-1", t.TempDir()); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	backend := newFakeBackend()
	coord := runner.NewCoordinator(database, backend, time.Minute, "")
	r := router.New(router.Config{
		DB:              database,
		Coordinator:     coord,
		DataDir:         t.TempDir(),
		SSEWriteTimeout: 200 * time.Millisecond,
	})

	srv := New(Config{
		DB:          database,
		Router:      r,
		Coordinator: coord,
		Local:       backend,
	})
	return srv, database, backend
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func TestHealthReturnsOK(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", resp["status"])
	}
}

func TestDeployAgentRejectsMissingClaudeMD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/agents", deployAgentRequest{Name: "no-claude", Path: t.TempDir()})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateSessionUnknownAgentReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/sessions", createSessionRequest{Agent: "does-not-exist"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateSessionSucceedsForKnownAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/sessions", createSessionRequest{Agent: "agent-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var session db.Session
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.Status != db.SessionActive {
		t.Fatalf("expected active session, got %q", session.Status)
	}
}

func TestAPIKeyRejectsMissingBearer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.APIKey = "super-secret"
	w := doRequest(t, srv, http.MethodGet, "/api/agents", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAPIKeyAcceptsMatchingBearer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.cfg.APIKey = "super-secret"

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer super-secret")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRunnerHealthReflectsLocalBackend(t *testing.T) {
	srv, _, backend := newTestServer(t)
	doRequest(t, srv, http.MethodPost, "/api/sessions", createSessionRequest{Agent: "agent-1"})

	w := doRequest(t, srv, http.MethodGet, "/runner/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var stats pool.Stats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.ActiveCount != len(backend.alive) {
		t.Fatalf("expected active count %d, got %d", len(backend.alive), stats.ActiveCount)
	}
}
