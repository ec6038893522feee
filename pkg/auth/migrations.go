package auth

import "github.com/sandwichcloud/deli-counter/pkg/storage/postgres"

// Migrations returns the auth schema migrations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     300,
			Description: "Create users and user_roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					username VARCHAR(255) NOT NULL,
					driver VARCHAR(64) NOT NULL,
					email VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (username, driver)
				);

				CREATE TABLE IF NOT EXISTS user_roles (
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, role_id)
				);
			`,
		},
		{
			Version:     301,
			Description: "Create builtin_users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS builtin_users (
					user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
					password_hash BYTEA NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     302,
			Description: "Create service_accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS service_accounts (
					id UUID PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (name, project_id)
				);
			`,
		},
		{
			Version:     303,
			Description: "Create tokens and token_roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS tokens (
					id UUID PRIMARY KEY,
					token_hash CHAR(64) NOT NULL UNIQUE,
					user_id UUID REFERENCES users(id) ON DELETE CASCADE,
					service_account_id UUID REFERENCES service_accounts(id) ON DELETE CASCADE,
					project_id UUID REFERENCES projects(id) ON DELETE CASCADE,
					expires_at TIMESTAMPTZ NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_tokens_expires_at ON tokens(expires_at);

				CREATE TABLE IF NOT EXISTS token_roles (
					token_id UUID NOT NULL REFERENCES tokens(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					project_scoped BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (token_id, role_id)
				);
			`,
		},
	}
}
