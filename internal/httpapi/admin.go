package httpapi

import (
	"net/http"

	"bestai.org/internal/audit"
	"bestai.org/internal/platform"
)

func (a *API) handleAdmin(w http.ResponseWriter, r *http.Request, rest []string) {
	ident, ok := identityFrom(w, r)
	if !ok {
		return
	}
	if len(rest) != 1 || rest[0] != "users" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		users, err := a.svc.AdminListUsers(r.Context(), ident, r.URL.Query().Get("search"))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case http.MethodPost:
		var req platform.AdminCreateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		userID, err := a.svc.AdminCreateUser(r.Context(), ident, req)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		audit.Record(r.Context(), audit.Event{
			Action:    "admin.user_create",
			TargetID:  userID,
			RequestID: RequestIDFromContext(r.Context()),
			Details:   map[string]any{"role": req.Role, "organization": req.Organization},
		})
		writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID})

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
