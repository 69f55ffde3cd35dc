package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type deployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleDeployAgent implements POST /api/agents, spec.md §6.1 "Deploy
// {name, path}; 400 if no CLAUDE.md at path." Deploying an existing
// (tenantId, name) redeploys it (spec.md §3 "version increments on each
// re-deploy").
func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	var req deployAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeError(w, http.StatusBadRequest, "name and path are required")
		return
	}
	if _, err := os.Stat(filepath.Join(req.Path, "CLAUDE.md")); err != nil {
		writeError(w, http.StatusBadRequest, "no CLAUDE.md found at path")
		return
	}

	tenant := tenantID(r)
	agent, err := s.cfg.DB.GetAgentByName(r.Context(), tenant, req.Name)
	switch {
	case err == nil:
		agent, err = s.cfg.DB.RedeployAgent(r.Context(), tenant, req.Name, req.Path)
	default:
		agent, err = s.cfg.DB.CreateAgent(r.Context(), uuid.NewString(), tenant, req.Name, req.Path)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleListAgents implements GET /api/agents, spec.md §6.1.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.DB.ListAgents(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleGetAgent implements GET /api/agents/{name}, spec.md §6.1.
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	agent, err := s.cfg.DB.GetAgentByName(r.Context(), tenantID(r), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleDeleteAgent implements DELETE /api/agents/{name}, spec.md §6.1 and
// §3 "deletion does not cascade to sessions".
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.cfg.DB.DeleteAgent(r.Context(), tenantID(r), name); err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
