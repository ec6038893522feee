package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestStoreCreateRole(t *testing.T) {
	t.Run("success assigns id and timestamps", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO roles").
			WillReturnResult(sqlmock.NewResult(0, 1))

		role := &Role{Name: "operator"}
		if err := store.CreateRole(context.Background(), role); err != nil {
			t.Fatalf("CreateRole failed: %v", err)
		}
		if role.ID == uuid.Nil {
			t.Error("expected a generated id")
		}
		if role.CreatedAt.IsZero() {
			t.Error("expected CreatedAt to be set")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("duplicate name maps to ErrDuplicate", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO roles").
			WillReturnError(&pq.Error{Code: "23505"})

		err := store.CreateRole(context.Background(), &Role{Name: "operator"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("want ErrDuplicate, got %v", err)
		}
	})
}

func TestStoreGetRole(t *testing.T) {
	roleID := uuid.New()
	projectID := uuid.New()
	now := time.Now()

	t.Run("found with project scope", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"id", "name", "project_id", "description", "created_at", "updated_at"}).
			AddRow(roleID, "operator", projectID.String(), "ops", now, now)
		mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").
			WithArgs(roleID).
			WillReturnRows(rows)

		role, err := store.GetRole(context.Background(), roleID)
		if err != nil {
			t.Fatalf("GetRole failed: %v", err)
		}
		if role.Name != "operator" {
			t.Errorf("Name = %q, want operator", role.Name)
		}
		if role.ProjectID == nil || *role.ProjectID != projectID {
			t.Errorf("ProjectID = %v, want %v", role.ProjectID, projectID)
		}
	})

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM roles WHERE id").
			WithArgs(roleID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "project_id", "description", "created_at", "updated_at"}))

		_, err := store.GetRole(context.Background(), roleID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("want ErrNotFound, got %v", err)
		}
	})
}

func TestStoreRoleNamesByIDs(t *testing.T) {
	store, mock := newMockStore(t)

	t.Run("empty input short circuits", func(t *testing.T) {
		names, err := store.RoleNamesByIDs(context.Background(), nil)
		if err != nil {
			t.Fatalf("RoleNamesByIDs failed: %v", err)
		}
		if names != nil {
			t.Errorf("names = %v, want nil", names)
		}
	})

	t.Run("resolves names", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"name"}).AddRow("admin").AddRow("viewer")
		mock.ExpectQuery("SELECT name FROM roles WHERE id = ANY").
			WillReturnRows(rows)

		names, err := store.RoleNamesByIDs(context.Background(), []uuid.UUID{uuid.New(), uuid.New()})
		if err != nil {
			t.Fatalf("RoleNamesByIDs failed: %v", err)
		}
		if len(names) != 2 || names[0] != "admin" || names[1] != "viewer" {
			t.Errorf("names = %v, want [admin viewer]", names)
		}
	})
}

func TestStoreDeleteRole(t *testing.T) {
	roleID := uuid.New()

	t.Run("missing maps to ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("DELETE FROM roles WHERE id").
			WithArgs(roleID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.DeleteRole(context.Background(), roleID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("want ErrNotFound, got %v", err)
		}
	})
}

func TestStorePolicies(t *testing.T) {
	t.Run("create duplicate maps to ErrDuplicate", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO policies").
			WillReturnError(&pq.Error{Code: "23505"})

		err := store.CreatePolicy(context.Background(), &Policy{Name: "instances:get", Rule: "role:admin"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("want ErrDuplicate, got %v", err)
		}
	})

	t.Run("list scans tags", func(t *testing.T) {
		store, mock := newMockStore(t)
		id := uuid.New()
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "name", "rule", "description", "tags", "created_at", "updated_at"}).
			AddRow(id, "images:create", "role:member", "", "{project_member}", now, now)
		mock.ExpectQuery("SELECT (.+) FROM policies ORDER BY name").
			WillReturnRows(rows)

		policies, err := store.ListPolicies(context.Background())
		if err != nil {
			t.Fatalf("ListPolicies failed: %v", err)
		}
		if len(policies) != 1 {
			t.Fatalf("got %d policies, want 1", len(policies))
		}
		if len(policies[0].Tags) != 1 || policies[0].Tags[0] != TagProjectMember {
			t.Errorf("Tags = %v, want [project_member]", policies[0].Tags)
		}
	})
}
