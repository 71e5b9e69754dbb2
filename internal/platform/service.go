package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"bestai.org/internal/catalog"
	"bestai.org/internal/idp"
	"bestai.org/internal/obs"
	"bestai.org/internal/secrets"
	"bestai.org/internal/token"
)

const (
	defaultExpirationDays    = 30
	defaultRequestsPerMinute = 60
	defaultRequestsPerDay    = 10000
	defaultTrafficPolicyName = "default"
	realmRoleOrgAdmin        = "organization-admin"
)

// Session is the slice of the identity provider admin API the service uses.
type Session interface {
	ListUsers(ctx context.Context, search string) ([]idp.User, error)
	CreateUser(ctx context.Context, nu idp.NewUser) (string, error)
	AssignRealmRole(ctx context.Context, userID, role string) error
	EnsureGroup(ctx context.Context, name string) (string, error)
	SetExclusiveGroup(ctx context.Context, userID, groupName string) error
}

// Directory opens admin sessions against the identity provider.
type Directory interface {
	Login(ctx context.Context) (Session, error)
}

// NewIdentityDirectory adapts the concrete identity client to Directory.
func NewIdentityDirectory(c *idp.Client) Directory {
	return clientDirectory{c: c}
}

type clientDirectory struct{ c *idp.Client }

func (d clientDirectory) Login(ctx context.Context) (Session, error) {
	return d.c.Login(ctx)
}

// SecretIssuer stores and deletes issued key material.
type SecretIssuer interface {
	Issue(ctx context.Context, rec secrets.Record) (secrets.Credential, error)
	Delete(ctx context.Context, apiKeyID int64) error
}

// Service wires the catalog, the identity provider and the secret store into
// the operations the HTTP layer exposes.
type Service struct {
	store     catalog.Store
	directory Directory
	secrets   SecretIssuer
}

func NewService(store catalog.Store, directory Directory, issuer SecretIssuer) *Service {
	return &Service{store: store, directory: directory, secrets: issuer}
}

// EnsureOrgBound makes the caller's organization real before any tenant
// operation: the organization row exists and the caller's admin binding
// points at it. System admins pass through untouched with a zero org.
func (s *Service) EnsureOrgBound(ctx context.Context, ident token.Identity) (catalog.Organization, error) {
	if ident.IsSystemAdmin() {
		return catalog.Organization{}, nil
	}
	if !ident.IsOrgAdmin() {
		return catalog.Organization{}, ErrForbidden
	}
	if ident.OrgName == "" {
		return catalog.Organization{}, ErrMissingTenantContext
	}

	org, err := s.store.UpsertOrganizationByName(ctx, ident.OrgName)
	if err != nil {
		return catalog.Organization{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := s.store.ReplaceAdminBinding(ctx, ident.UserID, org.ID); err != nil {
		return catalog.Organization{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	obs.OrgReconciliations.Inc()
	return org, nil
}

// ListOrganizations returns every organization for system admins and the
// caller's own, reconciled, organization otherwise.
func (s *Service) ListOrganizations(ctx context.Context, ident token.Identity) ([]catalog.Organization, error) {
	if ident.IsSystemAdmin() {
		orgs, err := s.store.ListOrganizations(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return orgs, nil
	}
	org, err := s.EnsureOrgBound(ctx, ident)
	if err != nil {
		return nil, err
	}
	return []catalog.Organization{org}, nil
}

func (s *Service) CreateOrganization(ctx context.Context, ident token.Identity, name string) (catalog.Organization, error) {
	if !ident.IsSystemAdmin() {
		return catalog.Organization{}, ErrForbidden
	}
	if name == "" {
		return catalog.Organization{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	org, err := s.store.CreateOrganization(ctx, name)
	if errors.Is(err, catalog.ErrConflict) {
		return catalog.Organization{}, fmt.Errorf("%w: organization %q exists", ErrConflict, name)
	}
	if err != nil {
		return catalog.Organization{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// Best-effort: make the matching identity provider group exist so admins
	// can be added to it later. The catalog row is authoritative either way.
	if sess, err := s.directory.Login(ctx); err != nil {
		obs.Warn("identity group ensure skipped", map[string]any{"org": name, "error": err.Error()})
	} else if _, err := sess.EnsureGroup(ctx, name); err != nil {
		obs.Warn("identity group ensure failed", map[string]any{"org": name, "error": err.Error()})
	}
	return org, nil
}

func (s *Service) DeleteOrganization(ctx context.Context, ident token.Identity, orgID int64) error {
	if !ident.IsSystemAdmin() {
		return ErrForbidden
	}
	err := s.store.DeleteOrganization(ctx, orgID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// OrgUser is an identity provider user joined with its catalog role in the
// organization, when one is bound.
type OrgUser struct {
	idp.User
	OrgRole string `json:"org_role,omitempty"`
}

// OrganizationUsers lists identity provider users that belong to the
// organization's group, for system admins or the organization's own admin.
func (s *Service) OrganizationUsers(ctx context.Context, ident token.Identity, orgID int64) ([]OrgUser, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := s.authorizeOrg(ctx, ident, org); err != nil {
		return nil, err
	}

	sess, err := s.directory.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	all, err := sess.ListUsers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	bindings, err := s.store.ListBindings(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	boundRole := make(map[string]string, len(bindings))
	for _, b := range bindings {
		boundRole[b.UserID] = b.Role
	}

	want := "/" + org.Name
	var out []OrgUser
	for _, u := range all {
		for _, g := range u.Groups {
			if g == want {
				out = append(out, OrgUser{User: u, OrgRole: boundRole[u.ID]})
				break
			}
		}
	}
	return out, nil
}

// AssignUser binds an identity provider user to the organization with a role.
// The OA role additionally grants the realm role and rewrites the user's
// provider group; both must succeed before the binding is written, because
// the token-derived org claim depends on correct group membership. An OA
// assignment replaces any prior OA binding the user held.
func (s *Service) AssignUser(ctx context.Context, ident token.Identity, orgID int64, userID, role string) error {
	if role != catalog.RoleOA && role != catalog.RolePA {
		return fmt.Errorf("%w: role must be %s or %s", ErrValidation, catalog.RoleOA, catalog.RolePA)
	}
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	org, err := s.store.GetOrganization(ctx, orgID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := s.authorizeOrg(ctx, ident, org); err != nil {
		return err
	}

	if role == catalog.RoleOA {
		sess, err := s.directory.Login(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if err := sess.AssignRealmRole(ctx, userID, realmRoleOrgAdmin); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if err := sess.SetExclusiveGroup(ctx, userID, org.Name); err != nil {
			return fmt.Errorf("%w: group sync: %v", ErrUpstream, err)
		}
		if err := s.store.ReplaceAdminBinding(ctx, userID, org.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil
	}

	if err := s.store.BindUser(ctx, userID, org.ID, catalog.RolePA); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// authorizeOrg admits system admins anywhere and organization admins only
// inside their own, reconciled, organization.
func (s *Service) authorizeOrg(ctx context.Context, ident token.Identity, org catalog.Organization) error {
	if ident.IsSystemAdmin() {
		return nil
	}
	own, err := s.EnsureOrgBound(ctx, ident)
	if err != nil {
		return err
	}
	if own.ID != org.ID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) CreateProject(ctx context.Context, ident token.Identity, orgID int64, name, description string) (catalog.Project, error) {
	if name == "" {
		return catalog.Project{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if ident.IsSystemAdmin() {
		if orgID == 0 {
			return catalog.Project{}, fmt.Errorf("%w: organization_id is required", ErrValidation)
		}
	} else {
		org, err := s.EnsureOrgBound(ctx, ident)
		if err != nil {
			return catalog.Project{}, err
		}
		orgID = org.ID
	}

	pr, err := s.store.CreateProject(ctx, orgID, name, description)
	if errors.Is(err, catalog.ErrConflict) {
		return catalog.Project{}, fmt.Errorf("%w: project %q exists", ErrConflict, name)
	}
	if err != nil {
		return catalog.Project{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return pr, nil
}

func (s *Service) ListProjects(ctx context.Context, ident token.Identity) ([]catalog.Project, error) {
	orgID := int64(0)
	if !ident.IsSystemAdmin() {
		org, err := s.EnsureOrgBound(ctx, ident)
		if err != nil {
			return nil, err
		}
		orgID = org.ID
	}
	projects, err := s.store.ListProjects(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return projects, nil
}

// IssueKeyRequest is a request to mint an API key over a set of projects.
// Both policy blocks are optional; defaults are applied when absent.
type IssueKeyRequest struct {
	ReferenceName  string             `json:"reference_name"`
	ProjectIDs     []int64            `json:"project_ids"`
	ExpirationDays int                `json:"expiration_days"`
	RateLimits     *RateLimitSpec     `json:"rate_limits,omitempty"`
	TrafficPolicy  *TrafficPolicySpec `json:"traffic_policy,omitempty"`
}

// RateLimitSpec is the request and secret-payload shape of a rate-limit
// policy. Zero fields are unset.
type RateLimitSpec struct {
	RequestsPerSecond int `json:"requests_per_second,omitempty"`
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int `json:"requests_per_day,omitempty"`
	BurstLimit        int `json:"burst_limit,omitempty"`
}

func (r RateLimitSpec) payload() map[string]any {
	out := map[string]any{}
	for k, v := range map[string]int{
		"requests_per_second": r.RequestsPerSecond,
		"requests_per_minute": r.RequestsPerMinute,
		"requests_per_hour":   r.RequestsPerHour,
		"requests_per_day":    r.RequestsPerDay,
		"burst_limit":         r.BurstLimit,
	} {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// TrafficPolicySpec is the request and secret-payload shape of a traffic
// policy.
type TrafficPolicySpec struct {
	DailyQuota      int64           `json:"daily_quota,omitempty"`
	MonthlyQuota    int64           `json:"monthly_quota,omitempty"`
	DailyCostUSD    float64         `json:"daily_cost_usd,omitempty"`
	MonthlyCostUSD  float64         `json:"monthly_cost_usd,omitempty"`
	ThrottlingRules json.RawMessage `json:"throttling_rules,omitempty"`
}

func (t TrafficPolicySpec) payload() map[string]any {
	out := map[string]any{}
	if t.DailyQuota != 0 {
		out["daily_quota"] = t.DailyQuota
	}
	if t.MonthlyQuota != 0 {
		out["monthly_quota"] = t.MonthlyQuota
	}
	if t.DailyCostUSD != 0 {
		out["daily_cost_usd"] = t.DailyCostUSD
	}
	if t.MonthlyCostUSD != 0 {
		out["monthly_cost_usd"] = t.MonthlyCostUSD
	}
	if len(t.ThrottlingRules) > 0 {
		out["throttling_rules"] = t.ThrottlingRules
	}
	return out
}

// IssuedKey is the issuance outcome. Token is returned exactly once;
// SecretStored is false when the secret store write failed and the token
// exists only in this response.
type IssuedKey struct {
	Key          catalog.APIKey `json:"api_key"`
	Token        string         `json:"token"`
	SecretStored bool           `json:"secret_stored"`
}

/// IssueAPIKey runs the issuance flow: validate, authorize, check project
// exclusivity, persist the key and its default policies, then store the
// secret best-effort.
func (s *Service) IssueAPIKey(ctx context.Context, ident token.Identity, req IssueKeyRequest) (IssuedKey, error) {
	if req.ReferenceName == "" {
		return IssuedKey{}, fmt.Errorf("%w: reference_name is required", ErrValidation)
	}
	projectIDs := dedupePositive(req.ProjectIDs)
	if len(projectIDs) == 0 {
		return IssuedKey{}, fmt.Errorf("%w: at least one valid project id is required", ErrValidation)
	}
	// Zero means absent. A negative value is kept and yields an already
	// expired key.
	days := req.ExpirationDays
	if days == 0 {
		days = defaultExpirationDays
	}

	var callerOrg catalog.Organization
	if !ident.IsSystemAdmin() {
		var err error
		callerOrg, err = s.EnsureOrgBound(ctx, ident)
		if err != nil {
			return IssuedKey{}, err
		}
	}

	projects, err := s.store.GetProjects(ctx, projectIDs)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(projects) != len(projectIDs) {
		return IssuedKey{}, fmt.Errorf("%w: one or more projects do not exist", ErrNotFound)
	}
	orgID := projects[0].OrganizationID
	for _, pr := range projects[1:] {
		if pr.OrganizationID != orgID {
			return IssuedKey{}, fmt.Errorf("%w: projects span multiple organizations", ErrValidation)
		}
	}
	if !ident.IsSystemAdmin() && orgID != callerOrg.ID {
		return IssuedKey{}, ErrForbidden
	}

	assigned, err := s.store.ProjectAssignments(ctx, projectIDs)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(assigned) > 0 {
		blocked := make([]int64, 0, len(assigned))
		for pid := range assigned {
			blocked = append(blocked, pid)
		}
		sort.Slice(blocked, func(i, j int) bool { return blocked[i] < blocked[j] })
		return IssuedKey{}, &ProjectConflictError{ProjectIDs: blocked}
	}

	key, err := s.store.CreateAPIKey(ctx, catalog.APIKey{
		ReferenceName:  req.ReferenceName,
		OrganizationID: orgID,
		ProjectIDs:     projectIDs,
		CreatedBy:      ident.UserID,
		ExpirationDays: days,
	})
	if errors.Is(err, catalog.ErrConflict) {
		return IssuedKey{}, fmt.Errorf("%w: reference name %q exists", ErrConflict, req.ReferenceName)
	}
	if err != nil {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	if err := s.store.AssignKeyProjects(ctx, key.ID, projectIDs); err != nil {
		// The key row is useless without its projects; drop it before
		// reporting the lost race.
		if delErr := s.store.DeleteAPIKey(ctx, key.ID); delErr != nil {
			obs.Warn("orphan api key cleanup failed", map[string]any{"api_key_id": key.ID, "error": delErr.Error()})
		}
		if errors.Is(err, catalog.ErrConflict) {
			blocked := projectIDs
			var pce *catalog.ProjectConflictError
			if errors.As(err, &pce) {
				blocked = pce.ProjectIDs
			}
			return IssuedKey{}, &ProjectConflictError{ProjectIDs: blocked}
		}
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	rateLimits := RateLimitSpec{
		RequestsPerMinute: defaultRequestsPerMinute,
		RequestsPerDay:    defaultRequestsPerDay,
	}
	if req.RateLimits != nil {
		rateLimits = *req.RateLimits
	}
	if err := s.store.EnsureDefaultRateLimitPolicy(ctx, catalog.RateLimitPolicy{
		APIKeyID:          key.ID,
		RequestsPerSecond: rateLimits.RequestsPerSecond,
		RequestsPerMinute: rateLimits.RequestsPerMinute,
		RequestsPerHour:   rateLimits.RequestsPerHour,
		RequestsPerDay:    rateLimits.RequestsPerDay,
		BurstLimit:        rateLimits.BurstLimit,
	}); err != nil {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	trafficPolicy := TrafficPolicySpec{}
	if req.TrafficPolicy != nil {
		trafficPolicy = *req.TrafficPolicy
	}
	if len(trafficPolicy.ThrottlingRules) == 0 {
		trafficPolicy.ThrottlingRules, _ = json.Marshal(map[string]any{
			"requests_per_minute": rateLimits.RequestsPerMinute,
			"requests_per_day":    rateLimits.RequestsPerDay,
		})
	}
	if _, err := s.store.CreateTrafficPolicy(ctx, catalog.TrafficPolicy{
		APIKeyID:       key.ID,
		PolicyName:     defaultTrafficPolicyName,
		DailyQuota:     trafficPolicy.DailyQuota,
		MonthlyQuota:   trafficPolicy.MonthlyQuota,
		DailyCostUSD:   trafficPolicy.DailyCostUSD,
		MonthlyCostUSD: trafficPolicy.MonthlyCostUSD,
		ThrottlingRule: trafficPolicy.ThrottlingRules,
	}); err != nil && !errors.Is(err, catalog.ErrConflict) {
		return IssuedKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	cred, err := s.secrets.Issue(ctx, secrets.Record{
		APIKeyID:       key.ID,
		OrganizationID: orgID,
		ProjectIDs:     projectIDs,
		CreatedAt:      key.CreatedAt,
		ExpiresAt:      key.ExpiresAt,
		RateLimits:     rateLimits.payload(),
		TrafficPolicy:  trafficPolicy.payload(),
	})
	if err != nil {
		obs.SecretFallbacks.Inc()
		obs.Warn("secret store write failed, returning fallback credential", map[string]any{
			"api_key_id": key.ID, "error": err.Error(),
		})
	}
	return IssuedKey{Key: key, Token: cred.Token, SecretStored: cred.Stored}, nil
}

func dedupePositive(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ListAPIKeys lists the caller's visible keys. A non-zero projectID keeps
// only keys attached to that project.
func (s *Service) ListAPIKeys(ctx context.Context, ident token.Identity, projectID int64) ([]catalog.APIKey, error) {
	orgID := int64(0)
	if !ident.IsSystemAdmin() {
		org, err := s.EnsureOrgBound(ctx, ident)
		if err != nil {
			return nil, err
		}
		orgID = org.ID
	}
	keys, err := s.store.ListAPIKeys(ctx, orgID, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return keys, nil
}

// GetAPIKey returns one key with its project bindings.
func (s *Service) GetAPIKey(ctx context.Context, ident token.Identity, keyID int64) (catalog.APIKey, error) {
	if err := s.authorizeKey(ctx, ident, keyID); err != nil {
		return catalog.APIKey{}, err
	}
	key, err := s.store.GetAPIKey(ctx, keyID)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.APIKey{}, ErrNotFound
	}
	if err != nil {
		return catalog.APIKey{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return key, nil
}

// DeleteAPIKey removes the key and its dependents from the catalog and then
// tries to delete the stored secret. A secret store failure is logged but the
// deletion still succeeds: the catalog is authoritative.
func (s *Service) DeleteAPIKey(ctx context.Context, ident token.Identity, keyID int64) error {
	if err := s.authorizeKey(ctx, ident, keyID); err != nil {
		return err
	}
	err := s.store.DeleteAPIKey(ctx, keyID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := s.secrets.Delete(ctx, keyID); err != nil {
		obs.Warn("secret store delete failed", map[string]any{"api_key_id": keyID, "error": err.Error()})
	}
	return nil
}

func (s *Service) authorizeKey(ctx context.Context, ident token.Identity, keyID int64) error {
	orgID, err := s.store.KeyOrganization(ctx, keyID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if ident.IsSystemAdmin() {
		return nil
	}
	own, err := s.EnsureOrgBound(ctx, ident)
	if err != nil {
		return err
	}
	if orgID != own.ID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) ListRateLimitPolicies(ctx context.Context, ident token.Identity, keyID int64) ([]catalog.RateLimitPolicy, error) {
	if err := s.authorizeKey(ctx, ident, keyID); err != nil {
		return nil, err
	}
	pols, err := s.store.ListRateLimitPolicies(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return pols, nil
}

func (s *Service) CreateRateLimitPolicy(ctx context.Context, ident token.Identity, pol catalog.RateLimitPolicy) (catalog.RateLimitPolicy, error) {
	if pol.PolicyName == "" {
		return catalog.RateLimitPolicy{}, fmt.Errorf("%w: policy_name is required", ErrValidation)
	}
	if pol.RequestsPerSecond <= 0 && pol.RequestsPerMinute <= 0 && pol.RequestsPerHour <= 0 &&
		pol.RequestsPerDay <= 0 && pol.BurstLimit <= 0 {
		return catalog.RateLimitPolicy{}, fmt.Errorf("%w: at least one limit must be positive", ErrValidation)
	}
	if err := s.authorizeKey(ctx, ident, pol.APIKeyID); err != nil {
		return catalog.RateLimitPolicy{}, err
	}
	out, err := s.store.CreateRateLimitPolicy(ctx, pol)
	if errors.Is(err, catalog.ErrConflict) {
		return catalog.RateLimitPolicy{}, fmt.Errorf("%w: policy %q exists", ErrConflict, pol.PolicyName)
	}
	if err != nil {
		return catalog.RateLimitPolicy{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return out, nil
}

func (s *Service) ListTrafficPolicies(ctx context.Context, ident token.Identity, keyID int64) ([]catalog.TrafficPolicy, error) {
	if err := s.authorizeKey(ctx, ident, keyID); err != nil {
		return nil, err
	}
	pols, err := s.store.ListTrafficPolicies(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return pols, nil
}

func (s *Service) CreateTrafficPolicy(ctx context.Context, ident token.Identity, pol catalog.TrafficPolicy) (catalog.TrafficPolicy, error) {
	if pol.PolicyName == "" {
		return catalog.TrafficPolicy{}, fmt.Errorf("%w: policy_name is required", ErrValidation)
	}
	if err := s.authorizeKey(ctx, ident, pol.APIKeyID); err != nil {
		return catalog.TrafficPolicy{}, err
	}
	out, err := s.store.CreateTrafficPolicy(ctx, pol)
	if errors.Is(err, catalog.ErrConflict) {
		return catalog.TrafficPolicy{}, fmt.Errorf("%w: policy %q exists", ErrConflict, pol.PolicyName)
	}
	if err != nil {
		return catalog.TrafficPolicy{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return out, nil
}

// AdminListUsers lists identity provider users for system admins.
func (s *Service) AdminListUsers(ctx context.Context, ident token.Identity, search string) ([]idp.User, error) {
	if !ident.IsSystemAdmin() {
		return nil, ErrForbidden
	}
	sess, err := s.directory.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	users, err := sess.ListUsers(ctx, search)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return users, nil
}

// AdminCreateUserRequest describes a user to provision across the identity
// provider and the catalog.
type AdminCreateUserRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Password     string `json:"password"`
	Role         string `json:"role"`
	Organization string `json:"organization,omitempty"`
}

// AdminCreateUser provisions an identity provider user: create it, assign
// its realm role, reconcile the named organization, rewrite the user's
// exclusive group and record the admin binding. Group sync must succeed
// before the binding is written; the provisioning is not committed without
// it, since the token-derived org claim depends on correct group membership.
func (s *Service) AdminCreateUser(ctx context.Context, ident token.Identity, req AdminCreateUserRequest) (string, error) {
	if !ident.IsSystemAdmin() {
		return "", ErrForbidden
	}
	if req.Username == "" || req.Password == "" {
		return "", fmt.Errorf("%w: username and password are required", ErrValidation)
	}
	if req.Organization == "" {
		return "", fmt.Errorf("%w: organization is required", ErrValidation)
	}
	if req.Role == "" {
		req.Role = realmRoleOrgAdmin
	}

	sess, err := s.directory.Login(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	userID, err := sess.CreateUser(ctx, idp.NewUser{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := sess.AssignRealmRole(ctx, userID, req.Role); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	org, err := s.store.UpsertOrganizationByName(ctx, req.Organization)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := sess.SetExclusiveGroup(ctx, userID, org.Name); err != nil {
		return "", fmt.Errorf("%w: group sync: %v", ErrUpstream, err)
	}
	if err := s.store.ReplaceAdminBinding(ctx, userID, org.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return userID, nil
}
