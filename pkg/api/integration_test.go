//go:build integration

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sandwichcloud/deli-counter/pkg/audit"
	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/config"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
	"github.com/sandwichcloud/deli-counter/pkg/resources"
	"github.com/sandwichcloud/deli-counter/pkg/storage/postgres"
)

// setupPostgres starts a disposable PostgreSQL container and applies the full
// schema. Tests are skipped when no container runtime is available.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	if _, err := testcontainers.ProviderDocker.GetProvider(); err != nil {
		t.Skip("container runtime not available, skipping integration tests")
	}

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("deli_test"),
		tcpostgres.WithUsername("deli"),
		tcpostgres.WithPassword("deli_test_password"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	var migrations []postgres.Migration
	migrations = append(migrations, projects.Migrations()...)
	migrations = append(migrations, rbac.Migrations()...)
	migrations = append(migrations, auth.Migrations()...)
	migrations = append(migrations, resources.Migrations()...)
	migrations = append(migrations, audit.Migrations()...)
	require.NoError(t, postgres.Migrate(ctx, db, migrations))

	return db
}

type integrationFixture struct {
	server  *Server
	stores  Stores
	issuer  *auth.Issuer
	manager *auth.Manager
}

func setupFixture(t *testing.T, db *sql.DB) *integrationFixture {
	t.Helper()
	ctx := context.Background()

	codec, err := auth.NewCodec([][]byte{make([]byte, 32)})
	require.NoError(t, err)
	tokenStore, err := auth.NewEncryptedTokenStore(codec, nil)
	require.NoError(t, err)

	metrics := observability.NewMetrics(nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	stores := Stores{
		Users:     auth.NewUserStore(db),
		Roles:     rbac.NewStore(db),
		Projects:  projects.NewStore(db),
		Resources: resources.NewStore(db),
		Audit:     audit.NewStore(db),
	}

	manager := auth.NewManager(tokenStore, stores.Roles, metrics, logger)
	issuer := auth.NewIssuer(tokenStore, stores.Users, time.Hour, metrics)
	manager.AddDriver(auth.NewBuiltinDriver(stores.Users, stores.Roles, issuer, metrics, logger))

	// A minimal policy set: admins can do everything the tests touch
	adminRole := &rbac.Role{Name: rbac.RoleAdmin}
	require.NoError(t, stores.Roles.CreateRole(ctx, adminRole))
	memberRole := &rbac.Role{Name: rbac.RoleDefaultMember}
	require.NoError(t, stores.Roles.CreateRole(ctx, memberRole))
	saRole := &rbac.Role{Name: rbac.RoleDefaultServiceAccount}
	require.NoError(t, stores.Roles.CreateRole(ctx, saRole))

	for _, name := range []string{
		"projects:create", "projects:list", "projects:get",
		"regions:create", "regions:list",
		"images:create", "images:get",
	} {
		policy := &rbac.Policy{Name: name, Rule: "role:admin"}
		require.NoError(t, stores.Roles.CreatePolicy(ctx, policy))
	}
	require.NoError(t, manager.ReloadPolicies(ctx))

	cfg := &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: "0", HealthPort: "1"},
		RateLimit: config.RateLimitConfig{LoginRequestsPerMinute: 100},
	}
	return &integrationFixture{
		server:  NewServer(cfg, stores, manager, issuer, metrics, logger),
		stores:  stores,
		issuer:  issuer,
		manager: manager,
	}
}

// adminToken creates a user holding the admin role and mints a token for it
func (f *integrationFixture) adminToken(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	user, err := f.stores.Users.GetOrCreateUser(ctx, "admin", auth.DriverBuiltin, "")
	require.NoError(t, err)
	adminRole, err := f.stores.Roles.GetRoleByName(ctx, rbac.RoleAdmin, nil)
	require.NoError(t, err)
	require.NoError(t, f.stores.Users.SetUserGlobalRoles(ctx, user.ID, []uuid.UUID{adminRole.ID}))

	token, _, err := f.issuer.IssueUserToken(ctx, auth.DriverBuiltin, user)
	require.NoError(t, err)
	return token
}

func (f *integrationFixture) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestEndToEnd(t *testing.T) {
	db := setupPostgres(t)
	f := setupFixture(t, db)
	token := f.adminToken(t)

	t.Run("project lifecycle", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/projects", token, `{"name": "production"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var project struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
		require.NotEmpty(t, project.ID)

		rec = f.request(t, http.MethodGet, "/v1/projects/"+project.ID, token, "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.request(t, http.MethodPost, "/v1/projects", token, `{"name": "production"}`)
		require.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("region inventory", func(t *testing.T) {
		rec := f.request(t, http.MethodPost, "/v1/regions", token, `{"name": "us-east"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = f.request(t, http.MethodGet, "/v1/regions", token, "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "us-east")
	})

	t.Run("authentication boundaries", func(t *testing.T) {
		rec := f.request(t, http.MethodGet, "/v1/projects", "", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = f.request(t, http.MethodGet, "/v1/projects", "deli_bogus", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("policy denial", func(t *testing.T) {
		ctx := context.Background()
		user, err := f.stores.Users.GetOrCreateUser(ctx, "nobody", auth.DriverBuiltin, "")
		require.NoError(t, err)
		plainToken, _, err := f.issuer.IssueUserToken(ctx, auth.DriverBuiltin, user)
		require.NoError(t, err)

		rec := f.request(t, http.MethodPost, "/v1/projects", plainToken, `{"name": "denied"}`)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}
