// Package auth provides API key authentication for the hub's operator
// endpoints. Agents authenticate separately with bearer tokens at the
// websocket and registration endpoints.
package auth

import (
	"context"
)

// Mode defines the authentication mode.
type Mode string

const (
	// ModeNone disables authentication. Development default.
	ModeNone Mode = "none"
	// ModeAPIKey enables API key authentication.
	ModeAPIKey Mode = "api_key"
)

// Role defines operator roles.
type Role string

const (
	// RoleAdmin has full access, including instance deletion.
	RoleAdmin Role = "admin"
	// RoleOperator can query and stream.
	RoleOperator Role = "operator"
	// RoleViewer can only read data.
	RoleViewer Role = "viewer"
)

// Config holds authentication configuration.
type Config struct {
	// Mode is the authentication mode (none, api_key).
	Mode Mode `json:"mode"`
	// APIKeys is the list of valid operator keys.
	APIKeys []string `json:"api_keys,omitempty"`
	// APIKeyRoles maps keys to roles. Unmapped keys default to RoleOperator.
	APIKeyRoles map[string][]Role `json:"api_key_roles,omitempty"`
	// SkipPaths are paths that never require authentication.
	// /healthz and /readyz are always skipped.
	SkipPaths []string `json:"skip_paths,omitempty"`
}

// DefaultConfig returns a configuration with auth disabled.
func DefaultConfig() *Config {
	return &Config{
		Mode:      ModeNone,
		SkipPaths: []string{"/healthz", "/readyz"},
	}
}

// User is an authenticated operator.
type User struct {
	// ID is derived from the key hash; never the key itself.
	ID    string
	Roles []Role
}

// HasRole checks if the user has a specific role. Admin implies all roles.
func (u *User) HasRole(role Role) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the user has any of the specified roles.
func (u *User) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

type contextKey struct{ name string }

var userContextKey = &contextKey{"user"}

// SetUserInContext stores the user in the context.
func SetUserInContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserFromContext retrieves the user from the context, or nil.
func GetUserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// HasAnyRole checks if the user in the context has any of the given roles.
func HasAnyRole(ctx context.Context, roles ...Role) bool {
	user := GetUserFromContext(ctx)
	if user == nil {
		return false
	}
	return user.HasAnyRole(roles...)
}
