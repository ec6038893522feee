package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store sentinel errors
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store handles role and policy persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateRole creates a new role. The name must be unique within its scope:
// among global roles when ProjectID is nil, within the project otherwise.
func (s *Store) CreateRole(ctx context.Context, role *Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO roles (id, name, project_id, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query, role.ID, role.Name, role.ProjectID, role.Description, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("role %q: %w", role.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

const roleColumns = `id, name, project_id, description, created_at, updated_at`

func scanRole(scanner interface{ Scan(dest ...interface{}) error }) (*Role, error) {
	var role Role
	var projectID sql.NullString
	err := scanner.Scan(&role.ID, &role.Name, &projectID, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		id, err := uuid.Parse(projectID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid project id on role %s: %w", role.ID, err)
		}
		role.ProjectID = &id
	}
	return &role, nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID uuid.UUID) (*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by name within a scope. Pass a nil projectID
// for global roles.
func (s *Store) GetRoleByName(ctx context.Context, name string, projectID *uuid.UUID) (*Role, error) {
	var row *sql.Row
	if projectID == nil {
		query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1 AND project_id IS NULL`
		row = s.db.QueryRowContext(ctx, query, name)
	} else {
		query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1 AND project_id = $2`
		row = s.db.QueryRowContext(ctx, query, name, *projectID)
	}
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists roles in a scope. Pass a nil projectID for global roles.
func (s *Store) ListRoles(ctx context.Context, projectID *uuid.UUID) ([]Role, error) {
	var rows *sql.Rows
	var err error
	if projectID == nil {
		query := `SELECT ` + roleColumns + ` FROM roles WHERE project_id IS NULL ORDER BY name`
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := `SELECT ` + roleColumns + ` FROM roles WHERE project_id = $1 ORDER BY name`
		rows, err = s.db.QueryContext(ctx, query, *projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// RoleNamesByIDs resolves role ids to names, silently skipping unknown ids
// (a role deleted after token mint simply no longer grants anything).
func (s *Store) RoleNamesByIDs(ctx context.Context, ids []uuid.UUID) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	query := `SELECT name FROM roles WHERE id = ANY($1) ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(strIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpdateRole updates a role's description. Names are immutable.
func (s *Store) UpdateRole(ctx context.Context, role *Role) error {
	now := time.Now().UTC()
	query := `UPDATE roles SET description = $2, updated_at = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, role.ID, role.Description, now)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role %s: %w", role.ID, ErrNotFound)
	}
	role.UpdatedAt = now
	return nil
}

// DeleteRole deletes a role and its policy attachments
func (s *Store) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	return nil
}

// DeleteProjectRoles removes every role scoped to the given project
func (s *Store) DeleteProjectRoles(ctx context.Context, projectID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE project_id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project roles: %w", err)
	}
	return nil
}

// CreatePolicy creates a new policy
func (s *Store) CreatePolicy(ctx context.Context, policy *Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO policies (id, name, rule, description, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.Name, policy.Rule, policy.Description, pq.Array(policy.Tags), now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %q: %w", policy.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}

	policy.CreatedAt = now
	policy.UpdatedAt = now
	return nil
}

const policyColumns = `id, name, rule, description, tags, created_at, updated_at`

func scanPolicy(scanner interface{ Scan(dest ...interface{}) error }) (*Policy, error) {
	var policy Policy
	err := scanner.Scan(&policy.ID, &policy.Name, &policy.Rule, &policy.Description,
		pq.Array(&policy.Tags), &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

// GetPolicy retrieves a policy by ID
func (s *Store) GetPolicy(ctx context.Context, policyID uuid.UUID) (*Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	policy, err := scanPolicy(s.db.QueryRowContext(ctx, query, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// GetPolicyByName retrieves a policy by name
func (s *Store) GetPolicyByName(ctx context.Context, name string) (*Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE name = $1`
	policy, err := scanPolicy(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// ListPolicies lists every persisted policy
func (s *Store) ListPolicies(ctx context.Context) ([]Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, rows.Err()
}

// UpdatePolicy updates a policy's rule, description, and tags
func (s *Store) UpdatePolicy(ctx context.Context, policy *Policy) error {
	now := time.Now().UTC()
	query := `UPDATE policies SET rule = $2, description = $3, tags = $4, updated_at = $5 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.Rule, policy.Description, pq.Array(policy.Tags), now)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s: %w", policy.ID, ErrNotFound)
	}
	policy.UpdatedAt = now
	return nil
}

// DeletePolicy deletes a policy and its role attachments
func (s *Store) DeletePolicy(ctx context.Context, policyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s: %w", policyID, ErrNotFound)
	}
	return nil
}

// AttachPolicy grants a policy to a role. Attaching twice is a no-op.
func (s *Store) AttachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error {
	query := `
		INSERT INTO role_policies (role_id, policy_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, policy_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, roleID, policyID)
	if err != nil {
		return fmt.Errorf("failed to attach policy: %w", err)
	}
	return nil
}

// DetachPolicy removes a policy grant from a role
func (s *Store) DetachPolicy(ctx context.Context, roleID, policyID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM role_policies WHERE role_id = $1 AND policy_id = $2`, roleID, policyID)
	if err != nil {
		return fmt.Errorf("failed to detach policy: %w", err)
	}
	return nil
}

// RolePolicies lists the policies granted to a role
func (s *Store) RolePolicies(ctx context.Context, roleID uuid.UUID) ([]Policy, error) {
	query := `
		SELECT p.id, p.name, p.rule, p.description, p.tags, p.created_at, p.updated_at
		FROM policies p
		JOIN role_policies rp ON p.id = rp.policy_id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`
	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}
	return policies, rows.Err()
}
