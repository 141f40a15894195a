package httpapi

import "net/http"

// handleRequestStatus implements GET /api/status/request/:request_id
// (spec.md §4.10): the feedback_url a worker polls to learn whether a
// sibling in the same fan-out already won the race.
func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tickets == nil {
		writeError(w, http.StatusNotImplemented, "request ticket store not configured")
		return
	}

	requestID := r.PathValue("request_id")
	status, ok := s.deps.Tickets.Status(requestID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request_id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
