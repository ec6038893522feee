package auth

import (
	"time"

	"github.com/google/uuid"
)

// User is an identity established by an auth driver. Usernames are unique per
// driver: the same username arriving through different drivers is two users.
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Driver    string    `json:"driver"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceAccount is a machine identity owned by a project. It carries exactly
// one project role and can only mint tokens scoped to its project.
type ServiceAccount struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ProjectID uuid.UUID `json:"project_id"`
	RoleID    uuid.UUID `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleSet holds the role ids captured at token mint time, split by scope
type RoleSet struct {
	Global  []uuid.UUID `json:"global"`
	Project []uuid.UUID `json:"project"`
}

// Claims are the facts a token asserts. Role ids are captured at mint time
// and resolved to names on every request, so deleting a role revokes its
// grants from live tokens immediately.
type Claims struct {
	ExpiresAt        time.Time  `json:"expires_at"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`
	ServiceAccountID *uuid.UUID `json:"service_account_id,omitempty"`
	Roles            RoleSet    `json:"roles"`
	ProjectID        *uuid.UUID `json:"project_id,omitempty"`
}

// Expired reports whether the claims are past their expiry
func (c *Claims) Expired() bool {
	return time.Now().After(c.ExpiresAt)
}

// Scoped reports whether the claims carry a project scope
func (c *Claims) Scoped() bool {
	return c.ProjectID != nil
}

// IsServiceAccount reports whether the principal is a service account
func (c *Claims) IsServiceAccount() bool {
	return c.ServiceAccountID != nil
}

// Identity is the authenticated principal attached to a request context.
// GlobalRoles and ProjectRoles hold resolved role names; ProjectRoles is only
// populated for project scoped tokens.
type Identity struct {
	Claims       Claims
	Token        string
	Driver       string
	GlobalRoles  []string
	ProjectRoles []string
}

// RoleNames returns the effective role name set for policy evaluation
func (i *Identity) RoleNames() []string {
	names := make([]string, 0, len(i.GlobalRoles)+len(i.ProjectRoles))
	names = append(names, i.GlobalRoles...)
	names = append(names, i.ProjectRoles...)
	return names
}
