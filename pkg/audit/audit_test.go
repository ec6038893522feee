package audit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestRecord(t *testing.T) {
	store, mock := newStore(t)
	userID := uuid.New()

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := &Event{
		UserID: &userID,
		Driver: "builtin",
		Method: http.MethodPost,
		Path:   "/v1/projects",
		Status: http.StatusCreated,
	}
	if err := store.Record(context.Background(), event); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if event.ID == uuid.Nil {
		t.Error("Record should assign an id")
	}
	if event.Timestamp.IsZero() {
		t.Error("Record should assign a timestamp")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestList(t *testing.T) {
	store, mock := newStore(t)
	now := time.Now()
	userID := uuid.New()

	columns := []string{"id", "timestamp", "user_id", "service_account_id", "project_id",
		"driver", "method", "path", "status", "request_id", "source_ip"}
	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(uuid.New(), now, userID, nil, nil, "builtin", "POST", "/v1/projects", 201, "req-1", "192.0.2.1"))

	events, err := store.List(context.Background(), Filter{UserID: &userID})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Path != "/v1/projects" {
		t.Errorf("Path = %q, want /v1/projects", events[0].Path)
	}
}

func TestMiddleware(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	t.Run("mutating request is recorded", func(t *testing.T) {
		store, mock := newStore(t)
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.MatchExpectationsInOrder(false)

		middleware := NewMiddleware(store, logger)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

		req := httptest.NewRequest(http.MethodPost, "/v1/projects", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want 201", rec.Code)
		}

		// The insert happens off the request goroutine
		deadline := time.After(time.Second)
		for {
			if mock.ExpectationsWereMet() == nil {
				break
			}
			select {
			case <-deadline:
				t.Fatal("audit event was not recorded")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	t.Run("principal holder is visible to the handler", func(t *testing.T) {
		store, mock := newStore(t)
		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(0, 1))

		middleware := NewMiddleware(store, logger)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := contextkeys.PrincipalHolder(r.Context())
			if !ok {
				t.Error("principal holder missing from context")
			} else {
				principal.Driver = "builtin"
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/regions/abc", nil))

		deadline := time.After(time.Second)
		for mock.ExpectationsWereMet() != nil {
			select {
			case <-deadline:
				t.Fatal("audit event was not recorded")
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	t.Run("reads are not recorded", func(t *testing.T) {
		store, mock := newStore(t)
		middleware := NewMiddleware(store, logger)
		handler := middleware.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/projects", nil))

		time.Sleep(20 * time.Millisecond)
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unexpected database activity: %v", err)
		}
	})
}
