package domain

import (
	"context"
	"time"
)

// Role is one of the closed set of authorization roles. User-defined roles
// are not supported.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleTenantAdmin  Role = "tenant_admin"
	RoleAgentManager Role = "agent_manager"
	RoleAnalyst      Role = "analyst"
	RoleOperator     Role = "operator"
	RoleViewer       Role = "viewer"
	RoleAPIUser      Role = "api_user"
)

// AllRoles lists every valid authorization role for validation purposes.
var AllRoles = []Role{
	RoleSuperAdmin, RoleTenantAdmin, RoleAgentManager,
	RoleAnalyst, RoleOperator, RoleViewer, RoleAPIUser,
}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermTenantRead     Permission = "tenant.read"
	PermTenantWrite    Permission = "tenant.write"
	PermUserManage     Permission = "user.manage"
	PermAgentSubmit    Permission = "agent.submit"
	PermAgentControl   Permission = "agent.control"
	PermTaskViewOwn    Permission = "task.view.own"
	PermTaskViewAny    Permission = "task.view.any"
	PermCollabInitiate Permission = "collab.initiate"
	PermInsightRead    Permission = "insight.read"
	PermCacheClear     Permission = "cache.clear"
	PermAuditRead      Permission = "audit.read"
)

// RolePermissions maps each role to its granted permissions. The mapping is
// fixed; permissions are never attached directly to a user.
var RolePermissions = map[Role][]Permission{
	RoleSuperAdmin: {
		PermTenantRead, PermTenantWrite, PermUserManage,
		PermAgentSubmit, PermAgentControl,
		PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead,
		PermCacheClear, PermAuditRead,
	},
	RoleTenantAdmin: {
		PermTenantRead, PermUserManage,
		PermAgentSubmit, PermAgentControl,
		PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead,
		PermCacheClear, PermAuditRead,
	},
	RoleAgentManager: {
		PermTenantRead,
		PermAgentSubmit, PermAgentControl,
		PermTaskViewOwn, PermTaskViewAny,
		PermCollabInitiate, PermInsightRead,
	},
	RoleAnalyst: {
		PermTenantRead,
		PermTaskViewOwn, PermTaskViewAny,
		PermInsightRead, PermAuditRead,
	},
	RoleOperator: {
		PermTenantRead,
		PermAgentSubmit,
		PermTaskViewOwn,
		PermCollabInitiate,
	},
	RoleViewer: {
		PermTenantRead,
		PermTaskViewOwn,
	},
	RoleAPIUser: {
		PermAgentSubmit,
		PermTaskViewOwn,
	},
}

// HasPermission reports whether role carries perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// IsValidRole reports whether s names a known role.
func IsValidRole(s string) bool {
	for _, r := range AllRoles {
		if string(r) == s {
			return true
		}
	}
	return false
}

// UserStatus gates whether a user may authenticate.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// User is an authenticated principal scoped to a tenant. Email is unique per
// tenant. Password rotations bump PasswordVersion, invalidating prior
// sessions.
type User struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"` // encoded argon2id hash with per-user salt
	PasswordVersion int        `json:"password_version"`
	Role            Role       `json:"role"`
	Status          UserStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Session is a TTL-bounded, individually revocable login session. The token
// is opaque to clients.
type Session struct {
	Token           string    `json:"token"`
	UserID          string    `json:"user_id"`
	TenantID        string    `json:"tenant_id"`
	Role            Role      `json:"role"`
	PasswordVersion int       `json:"password_version"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Revoked         bool      `json:"revoked"`
}

// Live reports whether the session can still be used at time now.
func (s *Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Context helpers for the authenticated session.

const sessionCtxKey ctxKey = "session"

// ContextWithSession returns a new context carrying the authenticated session.
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, s)
}

// SessionFromContext extracts the session from the context, or nil.
func SessionFromContext(ctx context.Context) *Session {
	if v, ok := ctx.Value(sessionCtxKey).(*Session); ok {
		return v
	}
	return nil
}
