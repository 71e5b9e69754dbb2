// Package catalog is the relational source of truth for tenants, projects,
// API keys and their attached policies.
package catalog

import (
	"database/sql"
	"time"
)

type Organization struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Project struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type APIKey struct {
	ID             int64     `json:"id"`
	ReferenceName  string    `json:"reference_name"`
	OrganizationID int64     `json:"organization_id"`
	ProjectIDs     []int64   `json:"project_ids"`
	CreatedBy      string    `json:"created_by"`
	ExpirationDays int       `json:"expiration_days"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IsActive       bool      `json:"is_active"`
}

// Binding roles stored in user_organizations.
const (
	RoleOA = "OA"
	RolePA = "PA"
)

// UserBinding ties an identity provider user to an organization with a role.
type UserBinding struct {
	UserID         string    `json:"user_id"`
	OrganizationID int64     `json:"organization_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// RateLimitPolicy carries the full limit set; zero values mean the limit is
// unset and are stored as NULL.
type RateLimitPolicy struct {
	ID                int64     `json:"id"`
	APIKeyID          int64     `json:"api_key_id"`
	PolicyName        string    `json:"policy_name"`
	RequestsPerSecond int       `json:"requests_per_second,omitempty"`
	RequestsPerMinute int       `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int       `json:"requests_per_hour,omitempty"`
	RequestsPerDay    int       `json:"requests_per_day,omitempty"`
	BurstLimit        int       `json:"burst_limit,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type TrafficPolicy struct {
	ID             int64     `json:"id"`
	APIKeyID       int64     `json:"api_key_id"`
	PolicyName     string    `json:"policy_name"`
	DailyQuota     int64     `json:"daily_quota,omitempty"`
	MonthlyQuota   int64     `json:"monthly_quota,omitempty"`
	DailyCostUSD   float64   `json:"daily_cost_usd,omitempty"`
	MonthlyCostUSD float64   `json:"monthly_cost_usd,omitempty"`
	ThrottlingRule []byte    `json:"throttling_rules"`
	CreatedAt      time.Time `json:"created_at"`
}

// nullableString maps empty strings to SQL NULL on write.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullableInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v != 0}
}
