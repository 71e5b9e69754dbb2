package catalog

import "context"

// Store is the persistence surface the service layer depends on.
type Store interface {
	// Organizations.
	UpsertOrganizationByName(ctx context.Context, name string) (Organization, error)
	CreateOrganization(ctx context.Context, name string) (Organization, error)
	GetOrganization(ctx context.Context, id int64) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	DeleteOrganization(ctx context.Context, id int64) error

	// User bindings.
	ReplaceAdminBinding(ctx context.Context, userID string, orgID int64) error
	BindUser(ctx context.Context, userID string, orgID int64, role string) error
	ListBindings(ctx context.Context, orgID int64) ([]UserBinding, error)

	// Projects.
	CreateProject(ctx context.Context, orgID int64, name, description string) (Project, error)
	ListProjects(ctx context.Context, orgID int64) ([]Project, error)
	GetProjects(ctx context.Context, ids []int64) ([]Project, error)
	ProjectAssignments(ctx context.Context, projectIDs []int64) (map[int64]int64, error)

	// API keys.
	CreateAPIKey(ctx context.Context, k APIKey) (APIKey, error)
	AssignKeyProjects(ctx context.Context, keyID int64, projectIDs []int64) error
	ListAPIKeys(ctx context.Context, orgID, projectID int64) ([]APIKey, error)
	GetAPIKey(ctx context.Context, id int64) (APIKey, error)
	KeyOrganization(ctx context.Context, id int64) (int64, error)
	DeleteAPIKey(ctx context.Context, id int64) error

	// Policies.
	EnsureDefaultRateLimitPolicy(ctx context.Context, p RateLimitPolicy) error
	CreateRateLimitPolicy(ctx context.Context, p RateLimitPolicy) (RateLimitPolicy, error)
	ListRateLimitPolicies(ctx context.Context, keyID int64) ([]RateLimitPolicy, error)
	CreateTrafficPolicy(ctx context.Context, p TrafficPolicy) (TrafficPolicy, error)
	ListTrafficPolicies(ctx context.Context, keyID int64) ([]TrafficPolicy, error)
}
