package rbac

import (
	"time"

	"github.com/google/uuid"
)

// Role is a named grouping of policies. A role is either global
// (ProjectID nil) or scoped to a single project.
type Role struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// System-managed role names. These cannot be created, modified, or deleted
// through the API regardless of caller privilege.
const (
	RoleAdmin                 = "admin"
	RoleViewer                = "viewer"
	RoleDefaultMember         = "default_member"
	RoleDefaultServiceAccount = "default_service_account"
)

// IsProtectedRole reports whether name is a system-managed role name
func IsProtectedRole(name string) bool {
	switch name {
	case RoleAdmin, RoleViewer, RoleDefaultMember, RoleDefaultServiceAccount:
		return true
	}
	return false
}

// Policy is a named authorization rule
type Policy struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Rule        string    `json:"rule"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Policy tags that auto-attach a policy to a default role
const (
	TagProjectMember  = "project_member"
	TagServiceAccount = "service_account"
)

// TagRoles maps auto-attach tags to the protected role that receives the policy
var TagRoles = map[string]string{
	TagProjectMember:  RoleDefaultMember,
	TagServiceAccount: RoleDefaultServiceAccount,
}

// RolePolicy joins a role to a policy it grants
type RolePolicy struct {
	RoleID   uuid.UUID `json:"role_id"`
	PolicyID uuid.UUID `json:"policy_id"`
}

// Credentials describe the requester during policy evaluation. Roles holds
// the effective role name set: global roles always, project roles only when
// the request carries a matching project scope.
type Credentials struct {
	Roles            []string
	UserID           string
	ServiceAccountID string
	ProjectID        string
}

// attribute returns the named credential attribute for generic rule checks
func (c Credentials) attribute(key string) (string, bool) {
	switch key {
	case "user_id":
		return c.UserID, c.UserID != ""
	case "service_account_id":
		return c.ServiceAccountID, c.ServiceAccountID != ""
	case "project_id":
		return c.ProjectID, c.ProjectID != ""
	}
	return "", false
}
