package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// isAuthorized implements spec.md §6/§7's dashboard/audit gate: either the
// caller's unspoofable remote address is a known validator, or it presents
// the admin API key. The key comparison is constant-time so response timing
// can't leak how many prefix bytes matched.
func (s *Server) isAuthorized(r *http.Request) bool {
	if s.deps.Validators != nil {
		if _, ok := s.deps.Validators.IsValidator(r); ok {
			return true
		}
	}
	return s.hasValidAdminKey(r)
}

func (s *Server) hasValidAdminKey(r *http.Request) bool {
	want := ""
	if s.deps.Config != nil {
		want = s.deps.Config.AdminAPIKey
	}
	if want == "" {
		return false
	}
	got := r.URL.Query().Get("api_key")
	if got == "" {
		got = r.Header.Get("X-Admin-Api-Key")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
