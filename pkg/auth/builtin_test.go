package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// newBuiltinRouter mounts the builtin driver behind a guard that skips
// policy evaluation, so the handlers can be exercised directly.
func newBuiltinRouter(t *testing.T) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(nil)
	driver := NewBuiltinDriver(NewUserStore(db), rbac.NewStore(db), nil, metrics, logger)

	router := mux.NewRouter()
	driver.RegisterRoutes(router, func(policy string, next http.HandlerFunc) http.Handler {
		return next
	})
	return router, mock
}

func userRows(id uuid.UUID, username, driver string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "username", "driver", "email", "created_at", "updated_at"}).
		AddRow(id, username, driver, "", now, now)
}

func TestBuiltinUserManagement(t *testing.T) {
	t.Run("admin user cannot be deleted", func(t *testing.T) {
		router, mock := newBuiltinRouter(t)
		adminID := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
			WillReturnRows(userRows(adminID, AdminUsername, DriverBuiltin))

		req := httptest.NewRequest(http.MethodDelete, "/v1/auth/builtin/users/"+adminID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("admin user roles are frozen", func(t *testing.T) {
		router, mock := newBuiltinRouter(t)
		adminID := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
			WillReturnRows(userRows(adminID, AdminUsername, DriverBuiltin))

		path := "/v1/auth/builtin/users/" + adminID.String() + "/roles/" + uuid.NewString()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("regular user can be deleted", func(t *testing.T) {
		router, mock := newBuiltinRouter(t)
		userID := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
			WillReturnRows(userRows(userID, "carol", DriverBuiltin))
		mock.ExpectExec("DELETE FROM users").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest(http.MethodDelete, "/v1/auth/builtin/users/"+userID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("users owned by other drivers are hidden", func(t *testing.T) {
		router, mock := newBuiltinRouter(t)
		userID := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
			WillReturnRows(userRows(userID, "carol", "github"))

		req := httptest.NewRequest(http.MethodDelete, "/v1/auth/builtin/users/"+userID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}
