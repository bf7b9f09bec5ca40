package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/audit"
)

// handleListAudit returns one page of audit entries.
//
// Query parameters: actor_id, action, target_type, target_id, since and
// until (RFC 3339), order (asc or desc), limit, cursor.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:    q.Get("actor_id"),
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
		Cursor:     q.Get("cursor"),
	}

	switch q.Get("order") {
	case "", "asc":
	case "desc":
		filter.Descending = true
	default:
		writeBadRequest(w, "order must be asc or desc")
		return
	}

	for name, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	page, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetAudit returns one audit entry.
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	entry, err := s.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
