package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bestai.org/internal/catalog"
	"bestai.org/internal/platform"
	"bestai.org/internal/secrets"
	"bestai.org/internal/token"
)

func registered(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "http://id.local/realms/bestai",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

// stubVerifier maps fixed bearer tokens to identities.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, raw string) (*token.Claims, error) {
	switch raw {
	case "sa-token":
		return &token.Claims{
			RegisteredClaims: registered("root"),
			RealmAccess:      token.RealmAccess{Roles: []string{"system-admin"}},
		}, nil
	case "oa-token":
		return &token.Claims{
			RegisteredClaims: registered("user-1"),
			RealmAccess:      token.RealmAccess{Roles: []string{"organization-admin"}},
			Groups:           []string{"/acme"},
		}, nil
	case "":
		return nil, token.ErrMissingToken
	default:
		return nil, token.ErrInvalidSignature
	}
}

// memStore implements only what the routed tests touch; everything else
// panics via the embedded nil interface.
type memStore struct {
	catalog.Store
	orgs     []catalog.Organization
	projects []catalog.Project
	bound    map[int64]int64
	keys     []catalog.APIKey

	listFilter int64 // project id of the last key listing
}

func (m *memStore) ListOrganizations(context.Context) ([]catalog.Organization, error) {
	return m.orgs, nil
}

func (m *memStore) UpsertOrganizationByName(_ context.Context, name string) (catalog.Organization, error) {
	for _, o := range m.orgs {
		if o.Name == name {
			return o, nil
		}
	}
	o := catalog.Organization{ID: int64(len(m.orgs) + 1), Name: name, CreatedAt: time.Now()}
	m.orgs = append(m.orgs, o)
	return o, nil
}

func (m *memStore) CreateOrganization(_ context.Context, name string) (catalog.Organization, error) {
	for _, o := range m.orgs {
		if o.Name == name {
			return catalog.Organization{}, catalog.ErrConflict
		}
	}
	return m.UpsertOrganizationByName(context.Background(), name)
}

func (m *memStore) ReplaceAdminBinding(context.Context, string, int64) error { return nil }

func (m *memStore) GetProjects(_ context.Context, ids []int64) ([]catalog.Project, error) {
	var out []catalog.Project
	for _, id := range ids {
		for _, p := range m.projects {
			if p.ID == id {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (m *memStore) ProjectAssignments(_ context.Context, ids []int64) (map[int64]int64, error) {
	out := map[int64]int64{}
	for _, id := range ids {
		if kid, ok := m.bound[id]; ok {
			out[id] = kid
		}
	}
	return out, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, k catalog.APIKey) (catalog.APIKey, error) {
	k.ID = int64(len(m.keys) + 1)
	k.CreatedAt = time.Now()
	k.ExpiresAt = k.CreatedAt.AddDate(0, 0, k.ExpirationDays)
	k.IsActive = true
	m.keys = append(m.keys, k)
	return k, nil
}

func (m *memStore) AssignKeyProjects(context.Context, int64, []int64) error { return nil }

func (m *memStore) EnsureDefaultRateLimitPolicy(context.Context, catalog.RateLimitPolicy) error {
	return nil
}

func (m *memStore) ListAPIKeys(_ context.Context, orgID, projectID int64) ([]catalog.APIKey, error) {
	m.listFilter = projectID
	var out []catalog.APIKey
	for _, k := range m.keys {
		if orgID != 0 && k.OrganizationID != orgID {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (m *memStore) CreateTrafficPolicy(_ context.Context, p catalog.TrafficPolicy) (catalog.TrafficPolicy, error) {
	return p, nil
}

type stubSecrets struct{}

func (stubSecrets) Issue(context.Context, secrets.Record) (secrets.Credential, error) {
	return secrets.Credential{Token: "ba_test", Stored: true}, nil
}

func (stubSecrets) Delete(context.Context, int64) error { return nil }

type stubDirectory struct{}

func (stubDirectory) Login(context.Context) (platform.Session, error) {
	return nil, context.Canceled
}

func newTestAPI(store *memStore) *API {
	svc := platform.NewService(store, stubDirectory{}, stubSecrets{})
	return New(svc, stubVerifier{}, nil)
}

func doRequest(t *testing.T, h http.Handler, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsPublic(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/organizations", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" || body["request_id"] == "" {
		t.Fatalf("error body missing fields: %v", body)
	}
}

func TestAPIRejectsBadToken(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/organizations", "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestListOrganizationsAsSystemAdmin(t *testing.T) {
	store := &memStore{orgs: []catalog.Organization{{ID: 1, Name: "acme"}, {ID: 2, Name: "globex"}}}
	api := newTestAPI(store)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/organizations", "sa-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Organizations []catalog.Organization `json:"organizations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Organizations) != 2 {
		t.Fatalf("expected 2 organizations, got %d", len(body.Organizations))
	}
}

func TestListOrganizationsAsOrgAdminReconciles(t *testing.T) {
	store := &memStore{}
	api := newTestAPI(store)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/organizations", "oa-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.orgs) != 1 || store.orgs[0].Name != "acme" {
		t.Fatalf("organization not reconciled from token group: %+v", store.orgs)
	}
}

func TestCreateOrganizationForbiddenForOrgAdmin(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/organizations", "oa-token", `{"name":"newco"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rec.Code)
	}
}

func TestIssueAPIKey(t *testing.T) {
	store := &memStore{
		orgs:     []catalog.Organization{{ID: 1, Name: "acme"}},
		projects: []catalog.Project{{ID: 5, OrganizationID: 1, Name: "billing"}},
	}
	api := newTestAPI(store)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/api-keys", "oa-token",
		`{"reference_name":"prod-key","project_ids":[5]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token        string `json:"token"`
		SecretStored bool   `json:"secret_stored"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Token == "" || !body.SecretStored {
		t.Fatalf("unexpected issuance body: %s", rec.Body.String())
	}
}

func TestListAPIKeysProjectFilter(t *testing.T) {
	store := &memStore{
		orgs: []catalog.Organization{{ID: 1, Name: "acme"}},
		keys: []catalog.APIKey{{ID: 3, OrganizationID: 1, ReferenceName: "prod-key"}},
	}
	api := newTestAPI(store)

	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/api-keys?project_id=5", "oa-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if store.listFilter != 5 {
		t.Fatalf("project filter not forwarded to the store, got %d", store.listFilter)
	}
}

func TestIssueAPIKeyConflictListsProjects(t *testing.T) {
	store := &memStore{
		orgs:     []catalog.Organization{{ID: 1, Name: "acme"}},
		projects: []catalog.Project{{ID: 5, OrganizationID: 1, Name: "billing"}},
		bound:    map[int64]int64{5: 99},
	}
	api := newTestAPI(store)

	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/api-keys", "oa-token",
		`{"reference_name":"prod-key","project_ids":[5]}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ProjectIDs []int64 `json:"project_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ProjectIDs) != 1 || body.ProjectIDs[0] != 5 {
		t.Fatalf("conflict body must list blocked projects, got %v", body.ProjectIDs)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodPut, "/api/organizations", "sa-token", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") == "" {
		t.Fatal("Allow header missing")
	}
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(&memStore{})
	rec := doRequest(t, api.Handler(), http.MethodGet, "/api/nope", "sa-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}
