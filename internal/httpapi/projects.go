package httpapi

import (
	"net/http"
)

func (a *API) handleProjects(w http.ResponseWriter, r *http.Request, rest []string) {
	ident, ok := identityFrom(w, r)
	if !ok {
		return
	}
	if len(rest) != 0 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		projects, err := a.svc.ListProjects(r.Context(), ident)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"projects": projects})

	case http.MethodPost:
		var req struct {
			OrganizationID int64  `json:"organization_id"`
			Name           string `json:"name"`
			Description    string `json:"description"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		pr, err := a.svc.CreateProject(r.Context(), ident, req.OrganizationID, req.Name, req.Description)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, pr)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
