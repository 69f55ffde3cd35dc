package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAPIKey enforces Authorization: Bearer <ASH_API_KEY> on client-facing
// routes when an API key is configured, spec.md §6.1 "All non-public
// routes require Authorization: Bearer <key> when an API key is
// configured; 401 otherwise." Grounded in the teacher's
// handleChatCompletions Bearer-token check (constant-time comparison
// against timing attacks).
func (s *Server) withAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next(w, r)
			return
		}
		if !bearerMatches(r, s.cfg.APIKey) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

// withInternalSecret enforces Authorization: Bearer <ASH_INTERNAL_SECRET>
// on runner-internal routes when one is configured, spec.md §6.2
// "Protected by a shared ASH_INTERNAL_SECRET bearer when configured."
func (s *Server) withInternalSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalSecret == "" {
			next(w, r)
			return
		}
		if !bearerMatches(r, s.cfg.InternalSecret) {
			writeError(w, http.StatusUnauthorized, "invalid or missing internal secret")
			return
		}
		next(w, r)
	}
}

func bearerMatches(r *http.Request, want string) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

// tenantID derives the requesting tenant, spec.md §6.1 "Tenant scoping:
// every read/write filters by tenantId derived from the API key." Ash
// serves one tenant per configured API key (see defaultTenantID).
func tenantID(r *http.Request) string {
	return defaultTenantID
}
