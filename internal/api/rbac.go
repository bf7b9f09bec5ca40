package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/auth"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// checkRequest asks whether the caller's own role may perform an action.
type checkRequest struct {
	Module     string            `json:"module"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// setPermissionRequest is the body of PUT /rbac/permissions.
type setPermissionRequest struct {
	rbac.Key
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason"`
}

// setActiveRequest is the body of PUT /rbac/permissions/active.
type setActiveRequest struct {
	rbac.Key
	Active *bool  `json:"active"`
	Reason string `json:"reason"`
}

// setConditionsRequest is the body of PUT /rbac/permissions/conditions.
type setConditionsRequest struct {
	rbac.Key
	Conditions rbac.Conditions `json:"conditions"`
	Reason     string          `json:"reason"`
}

// bulkRequest is the body of POST /rbac/roles/{role}/bulk.
type bulkRequest struct {
	Changes []rbac.Change `json:"changes"`
	Reason  string        `json:"reason"`
}

// actorFromRequest builds the mutation actor from the verified identity.
func actorFromRequest(r *http.Request) rbac.Actor {
	id, _ := auth.IdentityFromContext(r.Context()) //nolint:errcheck // authMiddleware guarantees an identity
	return rbac.Actor{
		ID:        id.ActorID,
		Role:      id.Role,
		Source:    audit.SourceAPI,
		RequestID: requestIDFromContext(r.Context()),
	}
}

// decodeBody decodes the JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// handleCheck decides for the caller's own role. Attributes, when given,
// are matched by attribute conditions; without them such conditions deny.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Module == "" || req.Action == "" {
		writeBadRequest(w, "module and action are required")
		return
	}

	id, _ := auth.IdentityFromContext(r.Context()) //nolint:errcheck // authMiddleware guarantees an identity

	allowed := s.guard.Decide(r.Context(), rbac.Request{
		Key:        rbac.Key{Role: id.Role, Module: req.Module, Action: req.Action},
		Attributes: req.Attributes,
	}) == auth.Allow

	writeJSON(w, http.StatusOK, map[string]any{
		"role":    id.Role,
		"module":  req.Module,
		"action":  req.Action,
		"allowed": allowed,
	})
}

// handleGetMatrix returns the dense role → module → action matrix.
func (s *Server) handleGetMatrix(w http.ResponseWriter, r *http.Request) {
	matrix, err := s.service.GetMatrix(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrix": matrix})
}

// handleGetCatalog returns the stored roles, modules and actions.
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.service.Catalog(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

// handleListRolePermissions returns the stored permissions of one role.
func (s *Server) handleListRolePermissions(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	perms, err := s.service.ListByRole(r.Context(), role)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":        role,
		"permissions": perms,
		"count":       len(perms),
	})
}

// handleSetPermission sets is_allowed for one cell.
func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req setPermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Allowed == nil {
		writeBadRequest(w, "allowed is required")
		return
	}

	result, err := s.service.SetPermission(r.Context(), actorFromRequest(r), req.Key, *req.Allowed, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSetActive toggles is_active for one cell.
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeBadRequest(w, "active is required")
		return
	}

	result, err := s.service.SetActive(r.Context(), actorFromRequest(r), req.Key, *req.Active, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSetConditions replaces the conditions of one cell.
func (s *Server) handleSetConditions(w http.ResponseWriter, r *http.Request) {
	var req setConditionsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.service.SetConditions(r.Context(), actorFromRequest(r), req.Key, req.Conditions, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleApplyBulk applies a batch of changes to one role atomically.
func (s *Server) handleApplyBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.service.ApplyBulk(r.Context(), actorFromRequest(r), chi.URLParam(r, "role"), req.Changes, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleInitializeDefaults seeds every registered cell that has no row.
func (s *Server) handleInitializeDefaults(w http.ResponseWriter, r *http.Request) {
	policy := s.defaults
	if policy == nil {
		policy = rbac.DenyAllExcept()
	}

	result, err := s.service.InitializeDefaults(r.Context(), actorFromRequest(r), policy)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListHistory returns permission history rows ordered by seq.
//
// Query parameters: role, module, action, permission_id, actor_id,
// after_seq, limit.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rbac.HistoryFilter{
		Role:         q.Get("role"),
		Module:       q.Get("module"),
		Action:       q.Get("action"),
		PermissionID: q.Get("permission_id"),
		ActorID:      q.Get("actor_id"),
	}

	if v := q.Get("after_seq"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			writeBadRequest(w, "after_seq must be a non-negative integer")
			return
		}
		filter.AfterSeq = seq
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := s.service.History(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{
		"entries": entries,
		"count":   len(entries),
	}
	if len(entries) > 0 {
		resp["next_after_seq"] = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetHistory returns one history row.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.HistoryEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
