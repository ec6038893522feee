package rbac

import "github.com/sandwichcloud/deli-counter/pkg/storage/postgres"

// Migrations returns the RBAC schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     200,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					project_id UUID REFERENCES projects(id) ON DELETE CASCADE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_roles_name_scope
					ON roles(name, COALESCE(project_id, '00000000-0000-0000-0000-000000000000'::uuid));
				CREATE INDEX idx_roles_project_id ON roles(project_id);
			`,
		},
		{
			Version:     201,
			Description: "Create policies table",
			SQL: `
				CREATE TABLE IF NOT EXISTS policies (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					rule TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					tags TEXT[] NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_policies_tags ON policies USING GIN(tags);
			`,
		},
		{
			Version:     202,
			Description: "Create role_policies table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_policies (
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					policy_id UUID NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
					PRIMARY KEY (role_id, policy_id)
				);

				CREATE INDEX idx_role_policies_policy_id ON role_policies(policy_id);
			`,
		},
	}
}
