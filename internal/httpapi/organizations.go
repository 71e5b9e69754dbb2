package httpapi

import (
	"net/http"
	"strconv"

	"bestai.org/internal/audit"
	"bestai.org/internal/token"
)

func identityFrom(w http.ResponseWriter, r *http.Request) (token.Identity, bool) {
	ident, ok := token.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing identity")
	}
	return ident, ok
}

func parseID(w http.ResponseWriter, r *http.Request, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request, rest []string) {
	ident, ok := identityFrom(w, r)
	if !ok {
		return
	}

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			orgs, err := a.svc.ListOrganizations(r.Context(), ident)
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
		case http.MethodPost:
			var req struct {
				Name string `json:"name"`
			}
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid request body")
				return
			}
			org, err := a.svc.CreateOrganization(r.Context(), ident, req.Name)
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			audit.Record(r.Context(), audit.Event{
				Action:    "organization.create",
				TargetID:  strconv.FormatInt(org.ID, 10),
				RequestID: RequestIDFromContext(r.Context()),
			})
			writeJSON(w, http.StatusCreated, org)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		if err := a.svc.DeleteOrganization(r.Context(), ident, id); err != nil {
			handleServiceError(w, r, err)
			return
		}
		audit.Record(r.Context(), audit.Event{
			Action:    "organization.delete",
			TargetID:  rest[0],
			RequestID: RequestIDFromContext(r.Context()),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case len(rest) == 2 && rest[1] == "users":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		users, err := a.svc.OrganizationUsers(r.Context(), ident, id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case len(rest) == 2 && rest[1] == "assign-user":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		var req struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := a.svc.AssignUser(r.Context(), ident, id, req.UserID, req.Role); err != nil {
			handleServiceError(w, r, err)
			return
		}
		audit.Record(r.Context(), audit.Event{
			Action:    "organization.assign_user",
			TargetID:  rest[0],
			RequestID: RequestIDFromContext(r.Context()),
			Details:   map[string]any{"user_id": req.UserID, "role": req.Role},
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})

	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}
