package httpapi

import (
	"fmt"
	"net/http"
)

// handleHealth implements GET /health, spec.md §6.1. Grounded in the
// teacher's handleAPIHealth (internal/web/api_handlers.go): unauthenticated,
// a bare status marker for load balancer probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.DB.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics implements GET /metrics, spec.md §6.1. No library in the
// reference pack exposes Prometheus metrics, so this hand-writes the text
// exposition format directly; it is a thin enough format that the
// stdlib-only choice carries no real loss.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if s.cfg.Local != nil {
		if stats, err := s.cfg.Local.GetStats(r.Context()); err == nil {
			fmt.Fprintf(w, "# HELP ash_sandboxes_active Active sandboxes on this runner.\n")
			fmt.Fprintf(w, "# TYPE ash_sandboxes_active gauge\n")
			fmt.Fprintf(w, "ash_sandboxes_active %d\n", stats.ActiveCount)

			fmt.Fprintf(w, "# HELP ash_sandboxes_warming Sandboxes currently warming on this runner.\n")
			fmt.Fprintf(w, "# TYPE ash_sandboxes_warming gauge\n")
			fmt.Fprintf(w, "ash_sandboxes_warming %d\n", stats.WarmingCount)

			fmt.Fprintf(w, "# HELP ash_resume_warm_hits_total Resumes served from an already-live sandbox.\n")
			fmt.Fprintf(w, "# TYPE ash_resume_warm_hits_total counter\n")
			fmt.Fprintf(w, "ash_resume_warm_hits_total %d\n", stats.ResumeWarmHits)

			fmt.Fprintf(w, "# HELP ash_resume_cold_local_hits_total Cold resumes restored from local disk.\n")
			fmt.Fprintf(w, "# TYPE ash_resume_cold_local_hits_total counter\n")
			fmt.Fprintf(w, "ash_resume_cold_local_hits_total %d\n", stats.ResumeColdLocalHits)

			fmt.Fprintf(w, "# HELP ash_resume_cold_cloud_hits_total Cold resumes restored from cloud storage.\n")
			fmt.Fprintf(w, "# TYPE ash_resume_cold_cloud_hits_total counter\n")
			fmt.Fprintf(w, "ash_resume_cold_cloud_hits_total %d\n", stats.ResumeColdCloudHits)

			fmt.Fprintf(w, "# HELP ash_resume_cold_fresh_hits_total Cold resumes that found no snapshot at all.\n")
			fmt.Fprintf(w, "# TYPE ash_resume_cold_fresh_hits_total counter\n")
			fmt.Fprintf(w, "ash_resume_cold_fresh_hits_total %d\n", stats.ResumeColdFreshHits)
		}
	}
}
