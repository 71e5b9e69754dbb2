// Package httpapi exposes the service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"bestai.org/internal/obs"
	"bestai.org/internal/platform"
)

// API binds the service layer to routes.
type API struct {
	svc      *platform.Service
	verifier TokenVerifier
	ready    func(ctx context.Context) error
}

func New(svc *platform.Service, verifier TokenVerifier, ready func(ctx context.Context) error) *API {
	return &API{svc: svc, verifier: verifier, ready: ready}
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router()
	h = MaxBodyBytes(1<<20, h)
	h = RateLimit(rate.Limit(50), 100, h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return h
}

func (a *API) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/health", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/api/", Authenticate(a.verifier, http.HandlerFunc(a.dispatch)))
	return mux
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) dispatch(w http.ResponseWriter, r *http.Request) {
	parts := pathTail(r.URL.Path, "/api")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	switch parts[0] {
	case "organizations":
		a.handleOrganizations(w, r, parts[1:])
	case "projects":
		a.handleProjects(w, r, parts[1:])
	case "api-keys":
		a.handleAPIKeys(w, r, parts[1:])
	case "admin":
		a.handleAdmin(w, r, parts[1:])
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

// handleServiceError translates the service error taxonomy to HTTP.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *platform.ProjectConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       "projects already bound to an api key",
			"project_ids": conflict.ProjectIDs,
			"request_id":  RequestIDFromContext(r.Context()),
		})
		return
	}
	switch {
	case errors.Is(err, platform.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, platform.ErrMissingTenantContext):
		writeError(w, r, http.StatusForbidden, "no organization group on token")
	case errors.Is(err, platform.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, platform.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, platform.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
