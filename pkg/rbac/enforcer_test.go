package rbac

import (
	"errors"
	"strings"
	"testing"
)

func policySet(rules map[string]string) []Policy {
	policies := make([]Policy, 0, len(rules))
	for name, rule := range rules {
		policies = append(policies, Policy{Name: name, Rule: rule})
	}
	return policies
}

func TestNewEnforcer(t *testing.T) {
	t.Run("compiles a valid set", func(t *testing.T) {
		enforcer, err := NewEnforcer(policySet(map[string]string{
			"admin_required":   "role:admin",
			"instances:create": "rule:admin_required or role:member",
		}))
		if err != nil {
			t.Fatalf("NewEnforcer failed: %v", err)
		}
		if enforcer.Len() != 2 {
			t.Errorf("Len() = %d, want 2", enforcer.Len())
		}
	})

	t.Run("rejects malformed rules naming the policy", func(t *testing.T) {
		_, err := NewEnforcer(policySet(map[string]string{
			"good": "role:admin",
			"bad":  "role:admin or",
		}))
		var defErr *DefinitionError
		if !errors.As(err, &defErr) {
			t.Fatalf("want DefinitionError, got %v", err)
		}
		if len(defErr.Policies) != 1 || defErr.Policies[0] != "bad" {
			t.Errorf("Policies = %v, want [bad]", defErr.Policies)
		}
	})

	t.Run("rejects unknown rule references", func(t *testing.T) {
		_, err := NewEnforcer(policySet(map[string]string{
			"dangling": "rule:no_such_policy",
		}))
		var defErr *DefinitionError
		if !errors.As(err, &defErr) {
			t.Fatalf("want DefinitionError, got %v", err)
		}
		if !strings.Contains(defErr.Reason, "no_such_policy") {
			t.Errorf("Reason = %q, want it to name the missing rule", defErr.Reason)
		}
	})

	t.Run("rejects cyclic rule references", func(t *testing.T) {
		_, err := NewEnforcer(policySet(map[string]string{
			"a": "rule:b",
			"b": "rule:c",
			"c": "rule:a",
		}))
		var defErr *DefinitionError
		if !errors.As(err, &defErr) {
			t.Fatalf("want DefinitionError, got %v", err)
		}
		if !strings.Contains(defErr.Reason, "cyclic") {
			t.Errorf("Reason = %q, want cyclic", defErr.Reason)
		}
	})

	t.Run("rejects self reference", func(t *testing.T) {
		_, err := NewEnforcer(policySet(map[string]string{
			"self": "rule:self",
		}))
		var defErr *DefinitionError
		if !errors.As(err, &defErr) {
			t.Fatalf("want DefinitionError, got %v", err)
		}
	})
}

func TestEnforce(t *testing.T) {
	enforcer, err := NewEnforcer(policySet(map[string]string{
		"admin_required":    "role:admin",
		"project_member":    "project_id:%(project_id)s",
		"instances:get":     "rule:admin_required or (role:member and rule:project_member)",
		"instances:delete":  "rule:admin_required",
		"read_only":         "role:viewer",
		"instances:list":    "rule:admin_required or rule:read_only or role:member",
		"service_account":   "service_account_id:%(service_account_id)s",
		"tokens:selfdelete": "user_id:%(user_id)s",
	}))
	if err != nil {
		t.Fatalf("NewEnforcer failed: %v", err)
	}

	adminCreds := Credentials{Roles: []string{"admin"}, UserID: "u-admin"}
	memberCreds := Credentials{Roles: []string{"member"}, UserID: "u-member", ProjectID: "p1"}
	viewerCreds := Credentials{Roles: []string{"viewer"}, UserID: "u-viewer"}

	t.Run("admin allowed everywhere", func(t *testing.T) {
		target := map[string]string{"project_id": "p2"}
		if !enforcer.Enforce("instances:get", target, adminCreds) {
			t.Error("admin should pass instances:get")
		}
		if !enforcer.Enforce("instances:delete", target, adminCreds) {
			t.Error("admin should pass instances:delete")
		}
	})

	t.Run("member allowed in own project only", func(t *testing.T) {
		own := map[string]string{"project_id": "p1"}
		other := map[string]string{"project_id": "p2"}
		if !enforcer.Enforce("instances:get", own, memberCreds) {
			t.Error("member should pass in own project")
		}
		if enforcer.Enforce("instances:get", other, memberCreds) {
			t.Error("member should fail in another project")
		}
		if enforcer.Enforce("instances:delete", own, memberCreds) {
			t.Error("member should fail delete")
		}
	})

	t.Run("viewer allowed to list but not get", func(t *testing.T) {
		if !enforcer.Enforce("instances:list", nil, viewerCreds) {
			t.Error("viewer should pass instances:list")
		}
		if enforcer.Enforce("instances:get", map[string]string{"project_id": "p1"}, viewerCreds) {
			t.Error("viewer should fail instances:get")
		}
	})

	t.Run("self targeted rule", func(t *testing.T) {
		if !enforcer.Enforce("tokens:selfdelete", map[string]string{"user_id": "u-member"}, memberCreds) {
			t.Error("owner should pass self delete")
		}
		if enforcer.Enforce("tokens:selfdelete", map[string]string{"user_id": "u-admin"}, memberCreds) {
			t.Error("non owner should fail self delete")
		}
	})

	t.Run("unknown policy fails closed", func(t *testing.T) {
		if enforcer.Enforce("no:such:policy", nil, adminCreds) {
			t.Error("unknown policy must deny")
		}
	})

	t.Run("known reports loaded policies", func(t *testing.T) {
		if !enforcer.Known("instances:get") {
			t.Error("Known should report instances:get")
		}
		if enforcer.Known("missing") {
			t.Error("Known should not report missing")
		}
	})
}
