package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Store on top of database/sql with the pgx stdlib
// driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}

func (p *Postgres) UpsertOrganizationByName(ctx context.Context, name string) (Organization, error) {
	var org Organization
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at`, name).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("upsert organization: %w", err)
	}
	return org, nil
}

func (p *Postgres) CreateOrganization(ctx context.Context, name string) (Organization, error) {
	var org Organization
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name)
		VALUES ($1)
		RETURNING id, name, created_at`, name).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if isUniqueViolation(err) {
		return Organization{}, fmt.Errorf("%w: organization %q exists", ErrConflict, name)
	}
	if err != nil {
		return Organization{}, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id int64) (Organization, error) {
	var org Organization
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

func (p *Postgres) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteOrganization(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete organization: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceAdminBinding drops the user's admin binding wherever it points and
// rebinds it to the given organization, in one transaction.
func (p *Postgres) ReplaceAdminBinding(ctx context.Context, userID string, orgID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_organizations WHERE user_id = $1 AND role = 'OA'`,
		userID); err != nil {
		return fmt.Errorf("unbind admin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_organizations (user_id, organization_id, role)
		VALUES ($1, $2, 'OA')
		ON CONFLICT DO NOTHING`,
		userID, orgID); err != nil {
		return fmt.Errorf("bind admin: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) BindUser(ctx context.Context, userID string, orgID int64, role string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_organizations (user_id, organization_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, organization_id, role) DO NOTHING`,
		userID, orgID, role)
	if err != nil {
		return fmt.Errorf("bind user: %w", err)
	}
	return nil
}

func (p *Postgres) ListBindings(ctx context.Context, orgID int64) ([]UserBinding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, organization_id, role, created_at
		FROM user_organizations
		WHERE organization_id = $1
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []UserBinding
	for rows.Next() {
		var b UserBinding
		if err := rows.Scan(&b.UserID, &b.OrganizationID, &b.Role, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateProject(ctx context.Context, orgID int64, name, description string) (Project, error) {
	var pr Project
	var desc sql.NullString
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO projects (organization_id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, organization_id, name, description, created_at`,
		orgID, name, nullableString(description)).
		Scan(&pr.ID, &pr.OrganizationID, &pr.Name, &desc, &pr.CreatedAt)
	if isUniqueViolation(err) {
		return Project{}, fmt.Errorf("%w: project %q exists in organization %d", ErrConflict, name, orgID)
	}
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	pr.Description = desc.String
	return pr, nil
}

// ListProjects returns the projects of one organization, or all projects when
// orgID is zero.
func (p *Postgres) ListProjects(ctx context.Context, orgID int64) ([]Project, error) {
	query := `SELECT id, organization_id, name, description, created_at FROM projects`
	args := []any{}
	if orgID != 0 {
		query += ` WHERE organization_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var pr Project
		var desc sql.NullString
		if err := rows.Scan(&pr.ID, &pr.OrganizationID, &pr.Name, &desc, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.Description = desc.String
		out = append(out, pr)
	}
	return out, rows.Err()
}

func int64Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func (p *Postgres) GetProjects(ctx context.Context, ids []int64) ([]Project, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, organization_id, name, description, created_at
		FROM projects WHERE id IN (%s) ORDER BY id`, int64Placeholders(len(ids)))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var pr Project
		var desc sql.NullString
		if err := rows.Scan(&pr.ID, &pr.OrganizationID, &pr.Name, &desc, &pr.CreatedAt); err != nil {
			return nil, err
		}
		pr.Description = desc.String
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ProjectAssignments reports which of the given projects are already attached
// to an active key, keyed by project id.
func (p *Postgres) ProjectAssignments(ctx context.Context, projectIDs []int64) (map[int64]int64, error) {
	if len(projectIDs) == 0 {
		return map[int64]int64{}, nil
	}
	args := make([]any, len(projectIDs))
	for i, id := range projectIDs {
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT akp.project_id, akp.api_key_id
		FROM api_key_projects akp
		JOIN api_keys ak ON ak.id = akp.api_key_id
		WHERE ak.is_active AND akp.project_id IN (%s)`, int64Placeholders(len(projectIDs)))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("project assignments: %w", err)
	}
	defer rows.Close()

	out := map[int64]int64{}
	for rows.Next() {
		var projectID, keyID int64
		if err := rows.Scan(&projectID, &keyID); err != nil {
			return nil, err
		}
		out[projectID] = keyID
	}
	return out, rows.Err()
}

// CreateAPIKey inserts the key row. The first requested project is also
// recorded in the legacy project_id column for older readers.
func (p *Postgres) CreateAPIKey(ctx context.Context, k APIKey) (APIKey, error) {
	var primary sql.NullInt64
	if len(k.ProjectIDs) > 0 {
		primary = sql.NullInt64{Int64: k.ProjectIDs[0], Valid: true}
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (reference_name, project_id, organization_id, created_by, expiration_days, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, now() + make_interval(days => $5), TRUE)
		RETURNING id, created_at, expires_at`,
		k.ReferenceName, primary, k.OrganizationID, k.CreatedBy, k.ExpirationDays).
		Scan(&k.ID, &k.CreatedAt, &k.ExpiresAt)
	if isUniqueViolation(err) {
		return APIKey{}, fmt.Errorf("%w: reference name %q exists", ErrConflict, k.ReferenceName)
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	k.IsActive = true
	return k, nil
}

func (p *Postgres) AssignKeyProjects(ctx context.Context, keyID int64, projectIDs []int64) error {
	for _, pid := range projectIDs {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO api_key_projects (api_key_id, project_id)
			VALUES ($1, $2)`, keyID, pid)
		if isUniqueViolation(err) {
			return &ProjectConflictError{ProjectIDs: []int64{pid}}
		}
		if err != nil {
			return fmt.Errorf("assign key project: %w", err)
		}
	}
	return nil
}

// ListAPIKeys returns keys with their attached project ids aggregated. A zero
// orgID lists across all organizations; a non-zero projectID keeps only keys
// attached to that project, through either the legacy column or the join
// table.
func (p *Postgres) ListAPIKeys(ctx context.Context, orgID, projectID int64) ([]APIKey, error) {
	query := `
		SELECT ak.id, ak.reference_name, COALESCE(ak.organization_id, 0), ak.created_by,
		       ak.expiration_days, ak.created_at, ak.expires_at, ak.is_active,
		       COALESCE(array_agg(akp.project_id) FILTER (WHERE akp.project_id IS NOT NULL), '{}')
		FROM api_keys ak
		LEFT JOIN api_key_projects akp ON akp.api_key_id = ak.id`
	args := []any{}
	var conds []string
	if orgID != 0 {
		args = append(args, orgID)
		conds = append(conds, fmt.Sprintf("ak.organization_id = $%d", len(args)))
	}
	if projectID != 0 {
		args = append(args, projectID)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(ak.project_id = $%d OR EXISTS (SELECT 1 FROM api_key_projects x WHERE x.api_key_id = ak.id AND x.project_id = $%d))", n, n))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` GROUP BY ak.id ORDER BY ak.id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanAPIKey(rows *sql.Rows) (APIKey, error) {
	var k APIKey
	var projects projectIDList
	if err := rows.Scan(&k.ID, &k.ReferenceName, &k.OrganizationID, &k.CreatedBy,
		&k.ExpirationDays, &k.CreatedAt, &k.ExpiresAt, &k.IsActive, &projects); err != nil {
		return APIKey{}, err
	}
	k.ProjectIDs = projects
	return k, nil
}

// projectIDList parses the text form of a Postgres bigint array, e.g. {1,2}.
type projectIDList []int64

func (l *projectIDList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported array source %T", src)
	}
	raw = strings.Trim(raw, "{}")
	if raw == "" {
		*l = nil
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &id); err != nil {
			return fmt.Errorf("parse bigint array element %q: %w", part, err)
		}
		out = append(out, id)
	}
	*l = out
	return nil
}

func (p *Postgres) GetAPIKey(ctx context.Context, id int64) (APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ak.id, ak.reference_name, COALESCE(ak.organization_id, 0), ak.created_by,
		       ak.expiration_days, ak.created_at, ak.expires_at, ak.is_active,
		       COALESCE(array_agg(akp.project_id) FILTER (WHERE akp.project_id IS NOT NULL), '{}')
		FROM api_keys ak
		LEFT JOIN api_key_projects akp ON akp.api_key_id = ak.id
		WHERE ak.id = $1
		GROUP BY ak.id`, id)
	if err != nil {
		return APIKey{}, fmt.Errorf("get api key: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return APIKey{}, err
		}
		return APIKey{}, ErrNotFound
	}
	return scanAPIKey(rows)
}

// KeyOrganization resolves the owning organization, falling back to the
// legacy primary project's organization for rows written before the key table
// carried one.
func (p *Postgres) KeyOrganization(ctx context.Context, id int64) (int64, error) {
	var orgID sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(ak.organization_id, p.organization_id)
		FROM api_keys ak
		LEFT JOIN projects p ON p.id = ak.project_id
		WHERE ak.id = $1`, id).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("key organization: %w", err)
	}
	return orgID.Int64, nil
}

func (p *Postgres) DeleteAPIKey(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureDefaultRateLimitPolicy writes the key's 'default' policy, keeping any
// existing one.
func (p *Postgres) EnsureDefaultRateLimitPolicy(ctx context.Context, pol RateLimitPolicy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_policies (api_key_id, policy_name, requests_per_second, requests_per_minute, requests_per_hour, requests_per_day, burst_limit)
		VALUES ($1, 'default', $2, $3, $4, $5, $6)
		ON CONFLICT (api_key_id, policy_name) DO NOTHING`,
		pol.APIKeyID, nullableInt(pol.RequestsPerSecond), nullableInt(pol.RequestsPerMinute),
		nullableInt(pol.RequestsPerHour), nullableInt(pol.RequestsPerDay), nullableInt(pol.BurstLimit))
	if err != nil {
		return fmt.Errorf("ensure default rate limit policy: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRateLimitPolicy(ctx context.Context, pol RateLimitPolicy) (RateLimitPolicy, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rate_limit_policies (api_key_id, policy_name, requests_per_second, requests_per_minute, requests_per_hour, requests_per_day, burst_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		pol.APIKeyID, pol.PolicyName, nullableInt(pol.RequestsPerSecond), nullableInt(pol.RequestsPerMinute),
		nullableInt(pol.RequestsPerHour), nullableInt(pol.RequestsPerDay), nullableInt(pol.BurstLimit)).
		Scan(&pol.ID, &pol.CreatedAt)
	if isUniqueViolation(err) {
		return RateLimitPolicy{}, fmt.Errorf("%w: policy %q exists for key %d", ErrConflict, pol.PolicyName, pol.APIKeyID)
	}
	if err != nil {
		return RateLimitPolicy{}, fmt.Errorf("create rate limit policy: %w", err)
	}
	return pol, nil
}

func (p *Postgres) ListRateLimitPolicies(ctx context.Context, keyID int64) ([]RateLimitPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, api_key_id, policy_name, requests_per_second, requests_per_minute, requests_per_hour, requests_per_day, burst_limit, created_at
		FROM rate_limit_policies
		WHERE api_key_id = $1
		ORDER BY id`, keyID)
	if err != nil {
		return nil, fmt.Errorf("list rate limit policies: %w", err)
	}
	defer rows.Close()

	var out []RateLimitPolicy
	for rows.Next() {
		var pol RateLimitPolicy
		var perSecond, perMinute, perHour, perDay, burst sql.NullInt64
		if err := rows.Scan(&pol.ID, &pol.APIKeyID, &pol.PolicyName,
			&perSecond, &perMinute, &perHour, &perDay, &burst, &pol.CreatedAt); err != nil {
			return nil, err
		}
		pol.RequestsPerSecond = int(perSecond.Int64)
		pol.RequestsPerMinute = int(perMinute.Int64)
		pol.RequestsPerHour = int(perHour.Int64)
		pol.RequestsPerDay = int(perDay.Int64)
		pol.BurstLimit = int(burst.Int64)
		out = append(out, pol)
	}
	return out, rows.Err()
}

// CreateTrafficPolicy inserts the policy with its quotas, costs and JSON
// rules. Deployments whose traffic table predates the cost columns get a
// reduced insert instead of an error.
func (p *Postgres) CreateTrafficPolicy(ctx context.Context, pol TrafficPolicy) (TrafficPolicy, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO traffic_policies (api_key_id, policy_name, daily_quota, monthly_quota, daily_cost_usd, monthly_cost_usd, throttling_rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		pol.APIKeyID, pol.PolicyName, nullableInt64(pol.DailyQuota), nullableInt64(pol.MonthlyQuota),
		nullableFloat(pol.DailyCostUSD), nullableFloat(pol.MonthlyCostUSD), pol.ThrottlingRule).
		Scan(&pol.ID, &pol.CreatedAt)
	if isUndefinedColumn(err) {
		err = p.db.QueryRowContext(ctx, `
			INSERT INTO traffic_policies (api_key_id, policy_name, daily_quota, monthly_quota, throttling_rules)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			pol.APIKeyID, pol.PolicyName, nullableInt64(pol.DailyQuota), nullableInt64(pol.MonthlyQuota), pol.ThrottlingRule).
			Scan(&pol.ID, &pol.CreatedAt)
		pol.DailyCostUSD = 0
		pol.MonthlyCostUSD = 0
	}
	if isUniqueViolation(err) {
		return TrafficPolicy{}, fmt.Errorf("%w: policy %q exists for key %d", ErrConflict, pol.PolicyName, pol.APIKeyID)
	}
	if err != nil {
		return TrafficPolicy{}, fmt.Errorf("create traffic policy: %w", err)
	}
	return pol, nil
}

func (p *Postgres) ListTrafficPolicies(ctx context.Context, keyID int64) ([]TrafficPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, api_key_id, policy_name, daily_quota, monthly_quota, daily_cost_usd, monthly_cost_usd,
		       COALESCE(throttling_rules, 'null'::jsonb), created_at
		FROM traffic_policies
		WHERE api_key_id = $1
		ORDER BY id`, keyID)
	if err != nil {
		return nil, fmt.Errorf("list traffic policies: %w", err)
	}
	defer rows.Close()

	var out []TrafficPolicy
	for rows.Next() {
		var pol TrafficPolicy
		var dailyQuota, monthlyQuota sql.NullInt64
		var dailyCost, monthlyCost sql.NullFloat64
		if err := rows.Scan(&pol.ID, &pol.APIKeyID, &pol.PolicyName,
			&dailyQuota, &monthlyQuota, &dailyCost, &monthlyCost,
			&pol.ThrottlingRule, &pol.CreatedAt); err != nil {
			return nil, err
		}
		pol.DailyQuota = dailyQuota.Int64
		pol.MonthlyQuota = monthlyQuota.Int64
		pol.DailyCostUSD = dailyCost.Float64
		pol.MonthlyCostUSD = monthlyCost.Float64
		out = append(out, pol)
	}
	return out, rows.Err()
}
