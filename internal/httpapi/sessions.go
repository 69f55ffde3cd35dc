package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ash-systems/ash/internal/db"
	"github.com/ash-systems/ash/internal/router"
	"github.com/ash-systems/ash/internal/runner"
)

type createSessionRequest struct {
	Agent string `json:"agent"`
}

// handleCreateSession implements POST /api/sessions, spec.md §6.1
// "{agent} → 201 {session}; 404 missing agent; 503 capacity_reached or
// no_runners_available."
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.cfg.Router.CreateSession(r.Context(), tenantID(r), req.Agent)
	if err != nil {
		writeSessionCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func writeSessionCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, runner.ErrCapacityReached):
		writeError(w, http.StatusServiceUnavailable, "capacity_reached")
	case errors.Is(err, runner.ErrNoRunnersAvailable):
		writeError(w, http.StatusServiceUnavailable, "no_runners_available")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleListSessions implements GET /api/sessions, spec.md §6.1 "List
// (filter ?agent=)".
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.cfg.Router.ListSessions(r.Context(), tenantID(r), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetSession implements GET /api/sessions/{id}, spec.md §6.1.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.cfg.Router.GetSession(r.Context(), r.PathValue("id"), tenantID(r))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleEndSession implements DELETE /api/sessions/{id}, spec.md §6.1
// "End."
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Router.End(r.Context(), r.PathValue("id"), tenantID(r)); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePauseSession implements POST /api/sessions/{id}/pause, spec.md
// §6.1 "400 if not active."
func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Router.Pause(r.Context(), r.PathValue("id"), tenantID(r))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, router.ErrSessionNotActive):
		writeError(w, http.StatusBadRequest, "session is not active")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleResumeSession implements POST /api/sessions/{id}/resume, spec.md
// §6.1 "410 if ended; 503 on capacity."
func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.cfg.Router.Resume(r.Context(), r.PathValue("id"), tenantID(r))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, session)
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, router.ErrSessionEnded):
		writeError(w, http.StatusGone, "session has ended")
	case errors.Is(err, runner.ErrCapacityReached):
		writeError(w, http.StatusServiceUnavailable, "capacity_reached")
	case errors.Is(err, runner.ErrNoRunnersAvailable):
		writeError(w, http.StatusServiceUnavailable, "no_runners_available")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type sendMessageRequest struct {
	Content                string `json:"content"`
	IncludePartialMessages bool   `json:"includePartialMessages"`
}

// handleSendMessage implements POST /api/sessions/{id}/messages, spec.md
// §6.1 "{content, includePartialMessages?} → SSE event:
// message|error|done. 400 if session not active."
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	tenant := tenantID(r)

	// Pre-check outside the SSE response so a 400 can still carry a JSON
	// body instead of being forced into an SSE error frame.
	session, err := s.cfg.Router.GetSession(r.Context(), id, tenant)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if session.Status != db.SessionActive {
		writeError(w, http.StatusBadRequest, "session is not active")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.cfg.Router.SendMessage(r.Context(), id, tenant, req.Content, req.IncludePartialMessages, sink)
		sink.close()
	}()

	sink.run(w, flusher)

	if err := <-errCh; err != nil {
		writeSSEError(w, flusher, err.Error())
	}
}
