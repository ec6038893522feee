// Package projects implements project management and membership. Projects are
// the tenancy boundary: tokens are scoped to a project, roles may be scoped to
// a project, and project owned resources live inside one.
package projects

import (
	"time"

	"github.com/google/uuid"
)

// Project is a tenant
type Project struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Member is a user's membership in a project together with the project roles
// they hold there. UserID is not a foreign key: users belong to whichever
// auth driver issued them and may outlive or predate the projects schema.
type Member struct {
	ProjectID uuid.UUID   `json:"project_id"`
	UserID    uuid.UUID   `json:"user_id"`
	RoleIDs   []uuid.UUID `json:"role_ids"`
	CreatedAt time.Time   `json:"created_at"`
}
