package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ash-systems/ash/internal/bridge"
	"github.com/ash-systems/ash/internal/runner"
)

type registerRunnerRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

// handleRegisterRunner implements POST /api/internal/runners/register,
// spec.md §4.7 "Discovery".
func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req registerRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Coordinator.RegisterRunner(r.Context(), req.ID, req.Host, req.Port, req.MaxSandboxes); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	ID           string `json:"id"`
	ActiveCount  int    `json:"activeCount"`
	WarmingCount int    `json:"warmingCount"`
}

// handleHeartbeat implements POST /api/internal/runners/heartbeat,
// spec.md §4.7 "Heartbeat".
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Coordinator.Heartbeat(r.Context(), req.ID, req.ActiveCount, req.WarmingCount); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deregisterRunnerRequest struct {
	ID string `json:"id"`
}

// handleDeregister implements POST /api/internal/runners/deregister,
// spec.md §4.7 "Graceful deregister".
func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req deregisterRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.cfg.Coordinator.Deregister(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListRunners implements GET /api/internal/runners, mostly useful
// for operator visibility into fleet state.
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.cfg.DB.ListRunners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runners)
}

// handleRunnerCreateSandbox implements POST /runner/sandboxes, spec.md
// §4.6/§4.7: the wire counterpart of runner.RemoteBackend.CreateSandbox,
// operating on this process's own LocalBackend.
func (s *Server) handleRunnerCreateSandbox(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Local == nil {
		writeError(w, http.StatusServiceUnavailable, "this process owns no sandboxes")
		return
	}
	var req createSandboxWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	handle, err := s.cfg.Local.CreateSandbox(r.Context(), runner.CreateSandboxRequest{
		AgentDir:      req.AgentDir,
		AgentName:     req.AgentName,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		SkipAgentCopy: req.SkipAgentCopy,
	})
	if err != nil {
		if errors.Is(err, runner.ErrCapacityReached) {
			writeError(w, http.StatusServiceUnavailable, "capacity_reached")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sandboxHandleWire{SandboxID: handle.SandboxID, WorkspaceDir: handle.WorkspaceDir})
}

// handleRunnerDestroySandbox implements DELETE /runner/sandboxes/{id}.
func (s *Server) handleRunnerDestroySandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Local.DestroySandbox(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunnerSendCommand implements POST /runner/sandboxes/{id}/cmd,
// spec.md §4.7 "issues a POST whose response is an SSE stream". Emits
// frames readable by runner.RemoteBackend's scanSSE.
func (s *Server) handleRunnerSendCommand(w http.ResponseWriter, r *http.Request) {
	var cmd bridge.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.cfg.Local.SendCommand(r.Context(), r.PathValue("id"), cmd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		writeSSEEvent(w, ev)
		flusher.Flush()
	}
}

// handleRunnerInterrupt implements POST /runner/sandboxes/{id}/interrupt.
func (s *Server) handleRunnerInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Local.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunnerMark implements POST /runner/sandboxes/{id}/mark.
func (s *Server) handleRunnerMark(w http.ResponseWriter, r *http.Request) {
	var req markWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if req.State == "running" {
		s.cfg.Local.MarkRunning(r.Context(), id)
	} else {
		s.cfg.Local.MarkWaiting(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunnerPersist implements POST /runner/sandboxes/{id}/persist.
func (s *Server) handleRunnerPersist(w http.ResponseWriter, r *http.Request) {
	var req persistWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	persisted := s.cfg.Local.PersistState(r.Context(), r.PathValue("id"), req.SessionID, req.AgentName)
	writeJSON(w, http.StatusOK, persistResultWire{Persisted: persisted})
}

// handleRunnerHealth implements GET /runner/health, spec.md §4.7
// "reports the resulting totals back through GetStats".
func (s *Server) handleRunnerHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Local == nil {
		writeError(w, http.StatusServiceUnavailable, "this process owns no sandboxes")
		return
	}
	stats, err := s.cfg.Local.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type createSandboxWire struct {
	AgentDir      string `json:"agentDir"`
	AgentName     string `json:"agentName"`
	SessionID     string `json:"sessionId"`
	TenantID      string `json:"tenantId"`
	SkipAgentCopy bool   `json:"skipAgentCopy"`
}

type sandboxHandleWire struct {
	SandboxID    string `json:"sandboxId"`
	WorkspaceDir string `json:"workspaceDir"`
}

type markWire struct {
	State string `json:"state"`
}

type persistWire struct {
	SessionID string `json:"sessionId"`
	AgentName string `json:"agentName"`
}

type persistResultWire struct {
	Persisted bool `json:"persisted"`
}
