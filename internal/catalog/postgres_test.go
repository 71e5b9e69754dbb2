package catalog

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgres(db), mock
}

func TestUpsertOrganizationByName(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO organizations")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}).AddRow(7, "acme", now))

	org, err := store.UpsertOrganizationByName(context.Background(), "acme")
	if err != nil {
		t.Fatalf("UpsertOrganizationByName: %v", err)
	}
	if org.ID != 7 || org.Name != "acme" {
		t.Fatalf("unexpected org %+v", org)
	}
}

func TestCreateOrganizationConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO organizations")).
		WithArgs("acme").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateOrganization(context.Background(), "acme")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetOrganizationNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, created_at FROM organizations WHERE id")).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at"}))

	_, err := store.GetOrganization(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplaceAdminBindingTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_organizations WHERE user_id = $1 AND role = 'OA'")).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_organizations")).
		WithArgs("user-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ReplaceAdminBinding(context.Background(), "user-1", 7); err != nil {
		t.Fatalf("ReplaceAdminBinding: %v", err)
	}
}

func TestReplaceAdminBindingRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_organizations")).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_organizations")).
		WithArgs("user-1", int64(7)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if err := store.ReplaceAdminBinding(context.Background(), "user-1", 7); err == nil {
		t.Fatal("expected error")
	}
}

func TestProjectAssignments(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_key_projects akp")).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "api_key_id"}).
			AddRow(2, 40).
			AddRow(3, 41))

	got, err := store.ProjectAssignments(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("ProjectAssignments: %v", err)
	}
	if len(got) != 2 || got[2] != 40 || got[3] != 41 {
		t.Fatalf("unexpected assignments %v", got)
	}
}

func TestCreateAPIKeyRecordsPrimaryProject(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs("billing-key", int64(5), int64(7), "user-1", 30).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "expires_at"}).
			AddRow(42, now, now.AddDate(0, 0, 30)))

	k, err := store.CreateAPIKey(context.Background(), APIKey{
		ReferenceName:  "billing-key",
		OrganizationID: 7,
		ProjectIDs:     []int64{5, 6},
		CreatedBy:      "user-1",
		ExpirationDays: 30,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if k.ID != 42 || !k.IsActive {
		t.Fatalf("unexpected key %+v", k)
	}
}

func TestCreateAPIKeyDuplicateReferenceName(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO api_keys")).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.CreateAPIKey(context.Background(), APIKey{ReferenceName: "dup", ProjectIDs: []int64{1}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAssignKeyProjectsExclusivityBackstop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_key_projects")).
		WithArgs(int64(42), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_key_projects")).
		WithArgs(int64(42), int64(6)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.AssignKeyProjects(context.Background(), 42, []int64{5, 6})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var pce *ProjectConflictError
	if !errors.As(err, &pce) {
		t.Fatalf("expected ProjectConflictError, got %T", err)
	}
	if len(pce.ProjectIDs) != 1 || pce.ProjectIDs[0] != 6 {
		t.Fatalf("conflict must name the losing project, got %v", pce.ProjectIDs)
	}
}

func TestListAPIKeysAggregatesProjects(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys ak")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "reference_name", "organization_id", "created_by",
			"expiration_days", "created_at", "expires_at", "is_active", "projects",
		}).AddRow(42, "billing-key", 7, "user-1", 30, now, now, true, "{5,6}"))

	keys, err := store.ListAPIKeys(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %d", len(keys))
	}
	if len(keys[0].ProjectIDs) != 2 || keys[0].ProjectIDs[0] != 5 || keys[0].ProjectIDs[1] != 6 {
		t.Fatalf("unexpected project ids %v", keys[0].ProjectIDs)
	}
}

func TestListAPIKeysProjectFilter(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(
		"(ak.project_id = $2 OR EXISTS (SELECT 1 FROM api_key_projects x WHERE x.api_key_id = ak.id AND x.project_id = $2))")).
		WithArgs(int64(7), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "reference_name", "organization_id", "created_by",
			"expiration_days", "created_at", "expires_at", "is_active", "projects",
		}).AddRow(42, "billing-key", 7, "user-1", 30, now, now, true, "{5}"))

	keys, err := store.ListAPIKeys(context.Background(), 7, 5)
	if err != nil {
		t.Fatalf("ListAPIKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != 42 {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestProjectIDListScan(t *testing.T) {
	cases := []struct {
		in   any
		want []int64
	}{
		{"{}", nil},
		{"{1}", []int64{1}},
		{"{1,2,3}", []int64{1, 2, 3}},
		{[]byte("{10, 20}"), []int64{10, 20}},
		{nil, nil},
	}
	for _, tc := range cases {
		var l projectIDList
		if err := l.Scan(tc.in); err != nil {
			t.Fatalf("Scan(%v): %v", tc.in, err)
		}
		if len(l) != len(tc.want) {
			t.Fatalf("Scan(%v) = %v, want %v", tc.in, l, tc.want)
		}
		for i := range l {
			if l[i] != tc.want[i] {
				t.Fatalf("Scan(%v) = %v, want %v", tc.in, l, tc.want)
			}
		}
	}
}

func TestKeyOrganizationLegacyFallback(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(ak.organization_id, p.organization_id)")).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"org"}).AddRow(7))

	orgID, err := store.KeyOrganization(context.Background(), 42)
	if err != nil {
		t.Fatalf("KeyOrganization: %v", err)
	}
	if orgID != 7 {
		t.Fatalf("expected org 7, got %d", orgID)
	}
}

func TestEnsureDefaultRateLimitPolicyWritesNullableLimits(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO rate_limit_policies (api_key_id, policy_name, requests_per_second, requests_per_minute, requests_per_hour, requests_per_day, burst_limit)")).
		WithArgs(int64(42), nil, int64(60), nil, int64(10000), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.EnsureDefaultRateLimitPolicy(context.Background(), RateLimitPolicy{
		APIKeyID:          42,
		RequestsPerMinute: 60,
		RequestsPerDay:    10000,
	})
	if err != nil {
		t.Fatalf("EnsureDefaultRateLimitPolicy: %v", err)
	}
}

func TestCreateTrafficPolicyLegacyColumnFallback(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rules := []byte(`{"burst":10}`)

	mock.ExpectQuery(regexp.QuoteMeta(
		"INSERT INTO traffic_policies (api_key_id, policy_name, daily_quota, monthly_quota, daily_cost_usd, monthly_cost_usd, throttling_rules)")).
		WithArgs(int64(42), "default", int64(1000), nil, 2.5, nil, rules).
		WillReturnError(&pgconn.PgError{Code: "42703"})
	mock.ExpectQuery(regexp.QuoteMeta(
		"INSERT INTO traffic_policies (api_key_id, policy_name, daily_quota, monthly_quota, throttling_rules)")).
		WithArgs(int64(42), "default", int64(1000), nil, rules).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, now))

	pol, err := store.CreateTrafficPolicy(context.Background(), TrafficPolicy{
		APIKeyID:       42,
		PolicyName:     "default",
		DailyQuota:     1000,
		DailyCostUSD:   2.5,
		ThrottlingRule: rules,
	})
	if err != nil {
		t.Fatalf("CreateTrafficPolicy: %v", err)
	}
	if pol.ID != 9 {
		t.Fatalf("unexpected policy %+v", pol)
	}
	if string(pol.ThrottlingRule) != string(rules) {
		t.Fatalf("throttling rules must survive the fallback, got %s", pol.ThrottlingRule)
	}
	if pol.DailyCostUSD != 0 || pol.MonthlyCostUSD != 0 {
		t.Fatalf("cost fields are not stored by the legacy table: %+v", pol)
	}
}

func TestDeleteAPIKeyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.DeleteAPIKey(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
