package projects

import "github.com/sandwichcloud/deli-counter/pkg/storage/postgres"

// Migrations returns the projects schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     100,
			Description: "Create projects table",
			SQL: `
				CREATE TABLE IF NOT EXISTS projects (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     101,
			Description: "Create project_members table",
			SQL: `
				CREATE TABLE IF NOT EXISTS project_members (
					project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					user_id UUID NOT NULL,
					role_id UUID NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (project_id, user_id, role_id)
				);

				CREATE INDEX idx_project_members_user_id ON project_members(user_id);
			`,
		},
	}
}
