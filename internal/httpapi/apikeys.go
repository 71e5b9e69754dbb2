package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"bestai.org/internal/audit"
	"bestai.org/internal/catalog"
	"bestai.org/internal/platform"
	"bestai.org/internal/token"
)

func (a *API) handleAPIKeys(w http.ResponseWriter, r *http.Request, rest []string) {
	ident, ok := identityFrom(w, r)
	if !ok {
		return
	}

	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			var projectID int64
			if raw := r.URL.Query().Get("project_id"); raw != "" {
				id, ok := parseID(w, r, raw)
				if !ok {
					return
				}
				projectID = id
			}
			keys, err := a.svc.ListAPIKeys(r.Context(), ident, projectID)
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
		case http.MethodPost:
			a.issueAPIKey(w, r, ident)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}

	case len(rest) == 1:
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			key, err := a.svc.GetAPIKey(r.Context(), ident, id)
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, key)
		case http.MethodDelete:
			if err := a.svc.DeleteAPIKey(r.Context(), ident, id); err != nil {
				handleServiceError(w, r, err)
				return
			}
			audit.Record(r.Context(), audit.Event{
				Action:    "api_key.delete",
				TargetID:  rest[0],
				RequestID: RequestIDFromContext(r.Context()),
			})
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}

	case len(rest) == 2 && rest[1] == "rate-limit-policies":
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		a.handleRateLimitPolicies(w, r, ident, id)

	case len(rest) == 2 && rest[1] == "traffic-policies":
		id, ok := parseID(w, r, rest[0])
		if !ok {
			return
		}
		a.handleTrafficPolicies(w, r, ident, id)

	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) issueAPIKey(w http.ResponseWriter, r *http.Request, ident token.Identity) {
	var req platform.IssueKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := a.svc.IssueAPIKey(r.Context(), ident, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.Event{
		Action:    "api_key.issue",
		TargetID:  strconv.FormatInt(out.Key.ID, 10),
		RequestID: RequestIDFromContext(r.Context()),
		Details:   map[string]any{"secret_stored": out.SecretStored},
	})
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) handleRateLimitPolicies(w http.ResponseWriter, r *http.Request, ident token.Identity, keyID int64) {
	switch r.Method {
	case http.MethodGet:
		pols, err := a.svc.ListRateLimitPolicies(r.Context(), ident, keyID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": pols})
	case http.MethodPost:
		var req struct {
			PolicyName        string `json:"policy_name"`
			RequestsPerSecond int    `json:"requests_per_second"`
			RequestsPerMinute int    `json:"requests_per_minute"`
			RequestsPerHour   int    `json:"requests_per_hour"`
			RequestsPerDay    int    `json:"requests_per_day"`
			BurstLimit        int    `json:"burst_limit"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		pol, err := a.svc.CreateRateLimitPolicy(r.Context(), ident, catalog.RateLimitPolicy{
			APIKeyID:          keyID,
			PolicyName:        req.PolicyName,
			RequestsPerSecond: req.RequestsPerSecond,
			RequestsPerMinute: req.RequestsPerMinute,
			RequestsPerHour:   req.RequestsPerHour,
			RequestsPerDay:    req.RequestsPerDay,
			BurstLimit:        req.BurstLimit,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, pol)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTrafficPolicies(w http.ResponseWriter, r *http.Request, ident token.Identity, keyID int64) {
	switch r.Method {
	case http.MethodGet:
		pols, err := a.svc.ListTrafficPolicies(r.Context(), ident, keyID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": pols})
	case http.MethodPost:
		var req struct {
			PolicyName      string          `json:"policy_name"`
			DailyQuota      int64           `json:"daily_quota"`
			MonthlyQuota    int64           `json:"monthly_quota"`
			DailyCostUSD    float64         `json:"daily_cost_usd"`
			MonthlyCostUSD  float64         `json:"monthly_cost_usd"`
			ThrottlingRules json.RawMessage `json:"throttling_rules"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
		pol, err := a.svc.CreateTrafficPolicy(r.Context(), ident, catalog.TrafficPolicy{
			APIKeyID:       keyID,
			PolicyName:     req.PolicyName,
			DailyQuota:     req.DailyQuota,
			MonthlyQuota:   req.MonthlyQuota,
			DailyCostUSD:   req.DailyCostUSD,
			MonthlyCostUSD: req.MonthlyCostUSD,
			ThrottlingRule: req.ThrottlingRules,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, pol)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
