package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/config"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
	"github.com/sandwichcloud/deli-counter/pkg/resources"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	codec, err := auth.NewCodec([][]byte{make([]byte, 32)})
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	store, err := auth.NewEncryptedTokenStore(codec, nil)
	if err != nil {
		t.Fatalf("NewEncryptedTokenStore failed: %v", err)
	}

	metrics := observability.NewMetrics(nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	stores := Stores{
		Users:     auth.NewUserStore(db),
		Roles:     rbac.NewStore(db),
		Projects:  projects.NewStore(db),
		Resources: resources.NewStore(db),
	}

	manager := auth.NewManager(store, stores.Roles, metrics, logger)
	issuer := auth.NewIssuer(store, stores.Users, time.Hour, metrics)
	manager.AddDriver(auth.NewBuiltinDriver(stores.Users, stores.Roles, issuer, metrics, logger))

	cfg := &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: "0", HealthPort: "1"},
		RateLimit: config.RateLimitConfig{LoginRequestsPerMinute: 3},
	}
	return NewServer(cfg, stores, manager, issuer, metrics, logger), mock
}

func TestDiscoverIsUnauthenticated(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/discover", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "builtin") {
		t.Errorf("discovery should list the builtin driver, got %s", rec.Body.String())
	}
}

func TestGuardedRouteRequiresAuth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/projects", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a missing authorization header", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("generated when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/discover", nil))
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("response should carry a request id")
		}
	})

	t.Run("propagated when present", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/auth/discover", nil)
		req.Header.Set("X-Request-ID", "req-123")
		server.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
			t.Errorf("X-Request-ID = %q, want req-123", got)
		}
	})
}

func TestLoginRateLimit(t *testing.T) {
	server, _ := newTestServer(t)

	var last int
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/builtin/login", strings.NewReader("{"))
		req.RemoteAddr = "192.0.2.1:1234"
		server.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after the window is exhausted", last)
	}

	t.Run("other clients are unaffected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/builtin/login", strings.NewReader("{"))
		req.RemoteAddr = "192.0.2.2:1234"
		server.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			t.Errorf("status = %d, a fresh client should not be limited", rec.Code)
		}
	})

	t.Run("unlimited routes are unaffected", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/auth/discover", nil)
			req.RemoteAddr = "192.0.2.1:1234"
			server.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
		}
	})
}
