// Command deli-admin bootstraps a fresh installation: it runs the schema
// migrations, seeds the protected roles and the default policy set, and
// optionally creates a builtin admin user. It is idempotent and safe to run
// against an installation that is already seeded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sandwichcloud/deli-counter/pkg/audit"
	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/config"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
	"github.com/sandwichcloud/deli-counter/pkg/resources"
	"github.com/sandwichcloud/deli-counter/pkg/storage/postgres"
)

// seedPolicy is a default policy plus the roles it attaches to beyond the
// tag driven defaults. The admin role receives every policy.
type seedPolicy struct {
	name   string
	rule   string
	tags   []string
	viewer bool
}

const (
	ruleAdmin         = "role:admin"
	ruleReader        = "role:admin or role:viewer or role:default_member or role:default_service_account"
	ruleProjectMember = "role:admin or role:default_member"
)

// defaultPolicies is the policy set a fresh installation starts with.
// Policies tagged project_member or service_account are also attached to the
// matching default role, which is what new project members receive.
func defaultPolicies() []seedPolicy {
	ps := []seedPolicy{
		{name: "projects:create", rule: ruleAdmin},
		{name: "projects:list", rule: ruleReader, tags: []string{rbac.TagProjectMember}, viewer: true},
		{name: "projects:get", rule: ruleReader, tags: []string{rbac.TagProjectMember}, viewer: true},
		{name: "projects:update", rule: ruleAdmin},
		{name: "projects:delete", rule: ruleAdmin},
		{name: "projects:members:add", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "projects:members:list", rule: ruleReader, tags: []string{rbac.TagProjectMember}, viewer: true},
		{name: "projects:members:remove", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},

		{name: "service_accounts:create", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "service_accounts:list", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "service_accounts:get", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "service_accounts:update", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "service_accounts:delete", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "service_accounts:token", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},

		{name: "regions:create", rule: ruleAdmin},
		{name: "regions:list", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}, viewer: true},
		{name: "regions:get", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}, viewer: true},
		{name: "regions:delete", rule: ruleAdmin},

		{name: "zones:create", rule: ruleAdmin},
		{name: "zones:list", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}, viewer: true},
		{name: "zones:get", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}, viewer: true},
		{name: "zones:delete", rule: ruleAdmin},

		{name: "images:create", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
		{name: "images:list", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}},
		{name: "images:get", rule: ruleReader, tags: []string{rbac.TagProjectMember, rbac.TagServiceAccount}},
		{name: "images:delete", rule: ruleProjectMember, tags: []string{rbac.TagProjectMember}},
	}

	// Administration surfaces are admin only
	for _, name := range []string{
		"roles:global:create", "roles:global:list", "roles:global:get",
		"roles:global:update", "roles:global:delete",
		"roles:project:create", "roles:project:list", "roles:project:get",
		"roles:project:update", "roles:project:delete",
		"roles:policies:attach", "roles:policies:detach", "roles:policies:list",
		"policies:create", "policies:list", "policies:get",
		"policies:update", "policies:delete",
		"users:get", "users:roles:update",
		"builtin:users:create", "builtin:users:list", "builtin:users:get",
		"builtin:users:delete", "builtin:users:password", "builtin:users:roles",
		"audit:list",
	} {
		rule := ruleAdmin
		viewer := false
		if strings.HasSuffix(name, ":list") || strings.HasSuffix(name, ":get") {
			rule = "role:admin or role:viewer"
			viewer = true
		}
		ps = append(ps, seedPolicy{name: name, rule: rule, viewer: viewer})
	}
	return ps
}

var protectedRoles = map[string]string{
	rbac.RoleAdmin:                 "Full administrative access",
	rbac.RoleViewer:                "Read only access to all resources",
	rbac.RoleDefaultMember:         "Default role for project members",
	rbac.RoleDefaultServiceAccount: "Default role for project service accounts",
}

func main() {
	adminUsername := flag.String("admin-username", "", "Create a builtin admin user with this username")
	adminPassword := flag.String("admin-password", "", "Password for the builtin admin user")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.ParsedLogLevel(), os.Stdout)

	db, err := postgres.Connect(cfg.Database.ConnectionConfig())
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var migrations []postgres.Migration
	migrations = append(migrations, projects.Migrations()...)
	migrations = append(migrations, rbac.Migrations()...)
	migrations = append(migrations, auth.Migrations()...)
	migrations = append(migrations, resources.Migrations()...)
	migrations = append(migrations, audit.Migrations()...)
	if err := postgres.Migrate(ctx, db, migrations); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	roles := rbac.NewStore(db)
	users := auth.NewUserStore(db)

	if err := seed(ctx, roles, logger); err != nil {
		logger.WithError(err).Error("seeding failed")
		os.Exit(1)
	}

	if *adminUsername != "" {
		if *adminPassword == "" {
			logger.Error("admin-password is required with admin-username")
			os.Exit(1)
		}
		if err := createAdmin(ctx, users, roles, *adminUsername, *adminPassword); err != nil {
			logger.WithError(err).Error("failed to create admin user")
			os.Exit(1)
		}
		logger.WithField("username", *adminUsername).Info("builtin admin user ready")
	}

	logger.Info("bootstrap complete")
}

// seed creates the protected roles and default policies, then attaches each
// policy to the roles its rule and tags imply. Existing rows are left alone.
func seed(ctx context.Context, store *rbac.Store, logger *observability.Logger) error {
	roles := make(map[string]*rbac.Role)
	for name, description := range protectedRoles {
		role, err := ensureRole(ctx, store, name, description)
		if err != nil {
			return err
		}
		roles[name] = role
	}

	for _, p := range defaultPolicies() {
		policy, created, err := ensurePolicy(ctx, store, p)
		if err != nil {
			return err
		}
		if created {
			logger.WithField("policy", p.name).Debug("created policy")
		}

		attach := []string{rbac.RoleAdmin}
		if p.viewer {
			attach = append(attach, rbac.RoleViewer)
		}
		for _, tag := range p.tags {
			attach = append(attach, rbac.TagRoles[tag])
		}
		for _, roleName := range attach {
			if err := store.AttachPolicy(ctx, roles[roleName].ID, policy.ID); err != nil {
				return fmt.Errorf("failed to attach %s to %s: %w", p.name, roleName, err)
			}
		}
	}
	return nil
}

func ensureRole(ctx context.Context, store *rbac.Store, name, description string) (*rbac.Role, error) {
	role, err := store.GetRoleByName(ctx, name, nil)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, err
	}

	role = &rbac.Role{Name: name, Description: description}
	if err := store.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", name, err)
	}
	return role, nil
}

func ensurePolicy(ctx context.Context, store *rbac.Store, p seedPolicy) (*rbac.Policy, bool, error) {
	policy, err := store.GetPolicyByName(ctx, p.name)
	if err == nil {
		return policy, false, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, false, err
	}

	policy = &rbac.Policy{Name: p.name, Rule: p.rule, Tags: p.tags}
	if err := store.CreatePolicy(ctx, policy); err != nil {
		return nil, false, fmt.Errorf("failed to create policy %s: %w", p.name, err)
	}
	return policy, true, nil
}

// createAdmin creates (or finds) a builtin user, sets its password, and
// grants it the admin role.
func createAdmin(ctx context.Context, users *auth.UserStore, roles *rbac.Store, username, password string) error {
	user, err := users.GetOrCreateUser(ctx, username, auth.DriverBuiltin, "")
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := users.SetBuiltinPassword(ctx, user.ID, hash); err != nil {
		return err
	}

	adminRole, err := roles.GetRoleByName(ctx, rbac.RoleAdmin, nil)
	if err != nil {
		return err
	}
	return users.SetUserGlobalRoles(ctx, user.ID, []uuid.UUID{adminRole.ID})
}
