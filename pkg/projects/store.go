package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store handles project and membership persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new project store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateProject creates a new project
func (s *Store) CreateProject(ctx context.Context, project *Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO projects (id, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query, project.ID, project.Name, project.Description, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %q: %w", project.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	project.CreatedAt = now
	project.UpdatedAt = now
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, projectID uuid.UUID) (*Project, error) {
	query := `SELECT id, name, description, created_at, updated_at FROM projects WHERE id = $1`
	var project Project
	err := s.db.QueryRowContext(ctx, query, projectID).
		Scan(&project.ID, &project.Name, &project.Description, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// GetProjectByName retrieves a project by name
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	query := `SELECT id, name, description, created_at, updated_at FROM projects WHERE name = $1`
	var project Project
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&project.ID, &project.Name, &project.Description, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// ListProjects lists all projects
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	query := `SELECT id, name, description, created_at, updated_at FROM projects ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Description,
			&project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project's description
func (s *Store) UpdateProject(ctx context.Context, project *Project) error {
	now := time.Now().UTC()
	query := `UPDATE projects SET description = $2, updated_at = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, project.ID, project.Description, now)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", project.ID, ErrNotFound)
	}
	project.UpdatedAt = now
	return nil
}

// DeleteProject deletes a project. Memberships, scoped roles, service
// accounts, and project owned resources cascade through foreign keys.
func (s *Store) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}

// AddMemberRole grants a project role to a user, adding them to the project
// if this is their first role. Granting an already held role is a no-op.
func (s *Store) AddMemberRole(ctx context.Context, projectID, userID, roleID uuid.UUID) error {
	query := `
		INSERT INTO project_members (project_id, user_id, role_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id, role_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, projectID, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to add member role: %w", err)
	}
	return nil
}

// RemoveMemberRole revokes a project role from a user
func (s *Store) RemoveMemberRole(ctx context.Context, projectID, userID, roleID uuid.UUID) error {
	query := `DELETE FROM project_members WHERE project_id = $1 AND user_id = $2 AND role_id = $3`
	_, err := s.db.ExecContext(ctx, query, projectID, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to remove member role: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a project entirely
func (s *Store) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM project_members WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	return nil
}

// MemberRoleIDs returns the project role ids a user holds in a project. An
// empty result means the user is not a member.
func (s *Store) MemberRoleIDs(ctx context.Context, projectID, userID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT role_id FROM project_members WHERE project_id = $1 AND user_id = $2`
	rows, err := s.db.QueryContext(ctx, query, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get member roles: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMembers lists a project's members with their role ids
func (s *Store) ListMembers(ctx context.Context, projectID uuid.UUID) ([]Member, error) {
	query := `
		SELECT user_id, role_id, created_at
		FROM project_members
		WHERE project_id = $1
		ORDER BY user_id, role_id
	`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	byUser := make(map[uuid.UUID]int)
	for rows.Next() {
		var userID, roleID uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&userID, &roleID, &createdAt); err != nil {
			return nil, err
		}
		idx, ok := byUser[userID]
		if !ok {
			members = append(members, Member{
				ProjectID: projectID,
				UserID:    userID,
				CreatedAt: createdAt,
			})
			idx = len(members) - 1
			byUser[userID] = idx
		}
		members[idx].RoleIDs = append(members[idx].RoleIDs, roleID)
	}
	return members, rows.Err()
}
