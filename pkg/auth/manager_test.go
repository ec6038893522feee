package auth

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := newEncryptedStore(t, nil)
	return NewManager(store, rbac.NewStore(db), observability.NewMetrics(nil), testLogger()), mock
}

func policyRows(policies map[string]string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "name", "rule", "description", "tags", "created_at", "updated_at"})
	now := time.Now()
	for name, rule := range policies {
		rows.AddRow(uuid.New(), name, rule, "", "{}", now, now)
	}
	return rows
}

func TestManagerDrivers(t *testing.T) {
	manager, _ := newTestManager(t)

	manager.AddDriver(NewNullDriver())
	manager.AddDriver(NewNullDriver()) // same name, last wins

	drivers := manager.Drivers()
	if len(drivers) != 1 {
		t.Fatalf("got %d drivers, want 1", len(drivers))
	}
	if _, ok := manager.Driver(DriverNull); !ok {
		t.Error("null driver should be registered")
	}
	if _, ok := manager.Driver("missing"); ok {
		t.Error("unknown driver should not resolve")
	}
}

func TestManagerReloadPolicies(t *testing.T) {
	t.Run("loads and swaps the enforcer", func(t *testing.T) {
		manager, mock := newTestManager(t)
		mock.ExpectQuery("SELECT (.+) FROM policies ORDER BY name").
			WillReturnRows(policyRows(map[string]string{
				"admin_required": "role:admin",
				"images:create":  "rule:admin_required or role:member",
			}))

		if err := manager.ReloadPolicies(context.Background()); err != nil {
			t.Fatalf("ReloadPolicies failed: %v", err)
		}
		creds := rbac.Credentials{Roles: []string{"admin"}}
		if !manager.Enforce("images:create", nil, creds) {
			t.Error("admin should pass images:create after reload")
		}
	})

	t.Run("keeps previous enforcer on broken reload", func(t *testing.T) {
		manager, mock := newTestManager(t)
		mock.ExpectQuery("SELECT (.+) FROM policies ORDER BY name").
			WillReturnRows(policyRows(map[string]string{"ok": "role:admin"}))
		if err := manager.ReloadPolicies(context.Background()); err != nil {
			t.Fatalf("initial reload failed: %v", err)
		}

		mock.ExpectQuery("SELECT (.+) FROM policies ORDER BY name").
			WillReturnRows(policyRows(map[string]string{
				"a": "rule:b",
				"b": "rule:a",
			}))
		if err := manager.ReloadPolicies(context.Background()); err == nil {
			t.Fatal("cyclic reload should fail")
		}

		// The original policy set is still live
		if !manager.Enforce("ok", nil, rbac.Credentials{Roles: []string{"admin"}}) {
			t.Error("previous enforcer should still serve")
		}
	})
}

func TestManagerEnforceFailsClosed(t *testing.T) {
	manager, _ := newTestManager(t)

	if manager.Enforce("anything", nil, rbac.Credentials{Roles: []string{"admin"}}) {
		t.Error("enforcement with no loaded policies must deny")
	}
}

func TestManagerDryRunPolicies(t *testing.T) {
	manager, _ := newTestManager(t)

	if err := manager.DryRunPolicies([]rbac.Policy{{Name: "ok", Rule: "role:admin"}}); err != nil {
		t.Errorf("valid dry run failed: %v", err)
	}
	if err := manager.DryRunPolicies([]rbac.Policy{{Name: "bad", Rule: "role:admin or"}}); err == nil {
		t.Error("invalid dry run should fail")
	}
}
