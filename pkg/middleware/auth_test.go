package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

type authFixture struct {
	authenticator *Authenticator
	manager       *auth.Manager
	store         auth.TokenStore
	mock          sqlmock.Sqlmock
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	codec, err := auth.NewCodec([][]byte{key})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	store, err := auth.NewEncryptedTokenStore(codec, nil)
	if err != nil {
		t.Fatalf("NewEncryptedTokenStore failed: %v", err)
	}

	metrics := observability.NewMetrics(nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	users := auth.NewUserStore(db)
	roles := rbac.NewStore(db)
	projectStore := projects.NewStore(db)
	manager := auth.NewManager(store, roles, metrics, logger)

	return &authFixture{
		authenticator: NewAuthenticator(manager, users, roles, projectStore, metrics, logger),
		manager:       manager,
		store:         store,
		mock:          mock,
	}
}

func (f *authFixture) mintUserToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	claims := &auth.Claims{
		ExpiresAt: time.Now().Add(time.Hour),
		UserID:    &userID,
	}
	token, err := f.store.Mint(context.Background(), claims)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return token
}

func (f *authFixture) expectUserLookup(userID uuid.UUID, driver string) {
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "username", "driver", "email", "created_at", "updated_at"}).
		AddRow(userID, "alice", driver, "", now, now)
	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").WillReturnRows(rows)
}

func identityProbe(t *testing.T, got **auth.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		*got = identity
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("missing header is a 400", func(t *testing.T) {
		f := newAuthFixture(t)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/tokens", nil)

		f.authenticator.Authenticate(identityProbe(t, new(*auth.Identity))).ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("non bearer scheme is a 400", func(t *testing.T) {
		f := newAuthFixture(t)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/tokens", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		f.authenticator.Authenticate(identityProbe(t, new(*auth.Identity))).ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid token is a 401", func(t *testing.T) {
		f := newAuthFixture(t)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/tokens", nil)
		req.Header.Set("Authorization", "Bearer deli_bogus")

		f.authenticator.Authenticate(identityProbe(t, new(*auth.Identity))).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token attaches the identity", func(t *testing.T) {
		f := newAuthFixture(t)
		userID := uuid.New()
		token := f.mintUserToken(t, userID)
		f.expectUserLookup(userID, auth.DriverBuiltin)

		var identity *auth.Identity
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/tokens", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		f.authenticator.Authenticate(identityProbe(t, &identity)).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if identity.Driver != auth.DriverBuiltin {
			t.Errorf("Driver = %q, want builtin", identity.Driver)
		}
		if identity.Token != token {
			t.Error("identity should carry the presented token")
		}
	})

	t.Run("deleted user invalidates the token", func(t *testing.T) {
		f := newAuthFixture(t)
		userID := uuid.New()
		token := f.mintUserToken(t, userID)
		f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "driver", "email", "created_at", "updated_at"}))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/tokens", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		f.authenticator.Authenticate(identityProbe(t, new(*auth.Identity))).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func withIdentity(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
}

func TestRequireProjectScope(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("unscoped token is a 403", func(t *testing.T) {
		userID := uuid.New()
		identity := &auth.Identity{Claims: auth.Claims{UserID: &userID}}
		rec := httptest.NewRecorder()
		req := withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), identity)

		RequireProjectScope(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("scoped token passes", func(t *testing.T) {
		userID, projectID := uuid.New(), uuid.New()
		identity := &auth.Identity{Claims: auth.Claims{UserID: &userID, ProjectID: &projectID}}
		rec := httptest.NewRecorder()
		req := withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), identity)

		RequireProjectScope(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})
}

func TestLoadResource(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	t.Run("missing resource is a 404", func(t *testing.T) {
		loader := func(ctx context.Context, r *http.Request) (*Resource, error) {
			return nil, ErrResourceNotFound
		}
		rec := httptest.NewRecorder()
		LoadResource(loader, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("next should not run")
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("loaded resource reaches the handler", func(t *testing.T) {
		want := &Resource{Object: "zone", Target: map[string]string{"project_id": "p1"}}
		loader := func(ctx context.Context, r *http.Request) (*Resource, error) {
			return want, nil
		}
		rec := httptest.NewRecorder()
		LoadResource(loader, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource, ok := ResourceFromContext(r.Context())
			if !ok || resource != want {
				t.Error("resource missing from context")
			}
			w.WriteHeader(http.StatusNoContent)
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})
}

func TestEnforcePolicy(t *testing.T) {
	f := newAuthFixture(t)
	f.mock.ExpectQuery("SELECT (.+) FROM policies ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "rule", "description", "tags", "created_at", "updated_at"}).
			AddRow(uuid.New(), "images:get", "role:admin or project_id:%(project_id)s", "", "{}", time.Now(), time.Now()))
	if err := f.manager.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	userID, projectID := uuid.New(), uuid.New()

	t.Run("allow", func(t *testing.T) {
		identity := &auth.Identity{
			Claims:      auth.Claims{UserID: &userID, ProjectID: &projectID},
			GlobalRoles: []string{"admin"},
		}
		rec := httptest.NewRecorder()
		req := withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), identity)
		EnforcePolicy(f.manager, "images:get", next).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})

	t.Run("deny is a 403", func(t *testing.T) {
		identity := &auth.Identity{
			Claims:      auth.Claims{UserID: &userID},
			GlobalRoles: []string{"viewer"},
		}
		rec := httptest.NewRecorder()
		req := withIdentity(httptest.NewRequest(http.MethodGet, "/", nil), identity)
		EnforcePolicy(f.manager, "images:get", next).ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("empty policy is authentication only", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		EnforcePolicy(f.manager, "", next).ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", rec.Code)
		}
	})
}
