package token

import (
	"context"
	"strings"
)

// Role is the administrative role resolved from realm-role claims.
type Role int

const (
	RoleNone Role = iota
	RoleOrgAdmin
	RoleSystemAdmin
)

// Realm role names recognized by the resolver. "system-owner" is a legacy
// alias that grants the same privilege as "system-admin" everywhere.
const (
	roleSystemAdmin = "system-admin"
	roleSystemOwner = "system-owner"
	roleOrgAdmin    = "organization-admin"
)

func (r Role) String() string {
	switch r {
	case RoleSystemAdmin:
		return "system_admin"
	case RoleOrgAdmin:
		return "org_admin"
	default:
		return "none"
	}
}

// ResolveRole maps realm roles to the administrative role. SystemAdmin wins
// when both match.
func ResolveRole(roles []string) Role {
	var orgAdmin bool
	for _, role := range roles {
		switch role {
		case roleSystemAdmin, roleSystemOwner:
			return RoleSystemAdmin
		case roleOrgAdmin:
			orgAdmin = true
		}
	}
	if orgAdmin {
		return RoleOrgAdmin
	}
	return RoleNone
}

// ResolveOrgName derives the caller's single organization name from the
// groups claim. Group entries may be full paths ("/volvo"); the leading
// separator is stripped and duplicates collapse. Membership in zero or more
// than one organization yields no usable org context — callers decide whether
// that is fatal.
func ResolveOrgName(groups []string) (string, bool) {
	seen := make(map[string]struct{}, len(groups))
	var name string
	for _, g := range groups {
		g = strings.TrimPrefix(strings.TrimSpace(g), "/")
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		name = g
	}
	if len(seen) != 1 {
		return "", false
	}
	return name, true
}

// Identity is the authenticated caller as derived from a verified token.
type Identity struct {
	UserID   string
	Username string
	Role     Role
	// OrgName is the claimed organization for OrgAdmin callers; empty when
	// the groups claim was absent or ambiguous.
	OrgName string
}

// IdentityFromClaims resolves role and tenant context from verified claims.
func IdentityFromClaims(c *Claims) Identity {
	id := Identity{
		UserID:   c.Subject,
		Username: c.PreferredUsername,
		Role:     ResolveRole(c.RealmAccess.Roles),
	}
	if id.Username == "" {
		id.Username = c.Subject
	}
	if name, ok := ResolveOrgName(c.Groups); ok {
		id.OrgName = name
	}
	return id
}

// IsSystemAdmin reports realm-wide administrative privilege.
func (i Identity) IsSystemAdmin() bool { return i.Role == RoleSystemAdmin }

// IsOrgAdmin reports organization-scoped administrative privilege.
func (i Identity) IsOrgAdmin() bool { return i.Role == RoleOrgAdmin }

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
