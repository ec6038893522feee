// Package config loads application configuration from an optional YAML file
// and environment variables. Environment variables always win over the file,
// so a deployment can ship a base config and override secrets per instance.
//
// All environment variables carry the DELI_ prefix:
//
//	DELI_CONFIG_FILE          path to a YAML config file (optional)
//	DELI_HOST                 bind address (default 0.0.0.0)
//	DELI_PORT                 API port (default 8080)
//	DELI_HEALTH_PORT          health/metrics port (default 9090)
//	DELI_POSTGRES_URL         PostgreSQL connection URL (required)
//	DELI_LOG_LEVEL            debug|info|warn|error (default info)
//	DELI_TOKEN_BACKEND        encrypted|database (default encrypted)
//	DELI_TOKEN_TTL            token lifetime (default 6h)
//	DELI_TOKEN_KEYS           comma separated base64 keys, newest first
//	DELI_REDIS_URL            Redis address for the revocation denylist
//	DELI_AUTH_DRIVERS         comma separated driver names (default builtin)
//
// Driver specific settings (DELI_GITHUB_*, DELI_OIDC_*) are documented on
// their config structs.
package config
