package resources

import "github.com/sandwichcloud/deli-counter/pkg/storage/postgres"

// Migrations returns the resource inventory schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     400,
			Description: "Create regions and zones tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS regions (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS zones (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					region_id UUID NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_zones_region_id ON zones(region_id);
			`,
		},
		{
			Version:     401,
			Description: "Create images table",
			SQL: `
				CREATE TABLE IF NOT EXISTS images (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					region_id UUID NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
					file_name VARCHAR(1024) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (name, project_id)
				);

				CREATE INDEX idx_images_project_id ON images(project_id);
			`,
		},
	}
}
