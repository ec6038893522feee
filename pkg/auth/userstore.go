package auth

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

// UserStore persists users, their global role grants, builtin credentials,
// and service accounts.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a new user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const userColumns = `id, username, driver, email, created_at, updated_at`

func scanUser(scanner interface{ Scan(dest ...interface{}) error }) (*User, error) {
	var user User
	err := scanner.Scan(&user.ID, &user.Username, &user.Driver, &user.Email,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrCreateUser returns the user for (username, driver), creating it on
// first login through that driver.
func (s *UserStore) GetOrCreateUser(ctx context.Context, username, driver, email string) (*User, error) {
	user, err := s.GetUserByUsername(ctx, username, driver)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	created := &User{
		ID:        uuid.New(),
		Username:  username,
		Driver:    driver,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, driver, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, created.ID, created.Username, created.Driver, created.Email, now, now)
	if isUniqueViolation(err) {
		// Lost a race with a concurrent first login
		return s.GetUserByUsername(ctx, username, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

// GetUser retrieves a user by ID
func (s *UserStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListUsers lists users, optionally filtered to a single driver
func (s *UserStore) ListUsers(ctx context.Context, driver string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE ($1 = '' OR driver = $1) ORDER BY username`, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// GetUserByUsername retrieves a user by username within a driver
func (s *UserStore) GetUserByUsername(ctx context.Context, username, driver string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 AND driver = $2`, username, driver))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user, their role grants, and builtin credentials
func (s *UserStore) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

// UserGlobalRoleIDs returns the global role ids granted to a user
func (s *UserStore) UserGlobalRoleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
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

// SetUserGlobalRoles replaces a user's global role grants
func (s *UserStore) SetUserGlobalRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear user roles: %w", err)
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, roleID); err != nil {
			return fmt.Errorf("failed to grant role: %w", err)
		}
	}
	return tx.Commit()
}

// SetBuiltinPassword stores or replaces a builtin user's password hash
func (s *UserStore) SetBuiltinPassword(ctx context.Context, userID uuid.UUID, passwordHash []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builtin_users (user_id, password_hash, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET password_hash = $2, updated_at = NOW()
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return nil
}

// BuiltinPasswordHash returns a builtin user's password hash
func (s *UserStore) BuiltinPasswordHash(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM builtin_users WHERE user_id = $1`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("builtin credentials for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get password hash: %w", err)
	}
	return hash, nil
}

const serviceAccountColumns = `id, name, project_id, role_id, created_at, updated_at`

func scanServiceAccount(scanner interface{ Scan(dest ...interface{}) error }) (*ServiceAccount, error) {
	var sa ServiceAccount
	err := scanner.Scan(&sa.ID, &sa.Name, &sa.ProjectID, &sa.RoleID, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

// CreateServiceAccount creates a service account. Names are unique per
// project.
func (s *UserStore) CreateServiceAccount(ctx context.Context, sa *ServiceAccount) error {
	if sa.ID == uuid.Nil {
		sa.ID = uuid.New()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_accounts (id, name, project_id, role_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sa.ID, sa.Name, sa.ProjectID, sa.RoleID, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("service account %q: %w", sa.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create service account: %w", err)
	}
	sa.CreatedAt = now
	sa.UpdatedAt = now
	return nil
}

// GetServiceAccount retrieves a service account by ID
func (s *UserStore) GetServiceAccount(ctx context.Context, id uuid.UUID) (*ServiceAccount, error) {
	sa, err := scanServiceAccount(s.db.QueryRowContext(ctx,
		`SELECT `+serviceAccountColumns+` FROM service_accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service account: %w", err)
	}
	return sa, nil
}

// ListServiceAccounts lists a project's service accounts
func (s *UserStore) ListServiceAccounts(ctx context.Context, projectID uuid.UUID) ([]ServiceAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceAccountColumns+` FROM service_accounts WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list service accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ServiceAccount
	for rows.Next() {
		sa, err := scanServiceAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *sa)
	}
	return accounts, rows.Err()
}

// UpdateServiceAccount changes a service account's role
func (s *UserStore) UpdateServiceAccount(ctx context.Context, sa *ServiceAccount) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_accounts SET role_id = $2, updated_at = $3 WHERE id = $1`, sa.ID, sa.RoleID, now)
	if err != nil {
		return fmt.Errorf("failed to update service account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service account %s: %w", sa.ID, ErrNotFound)
	}
	sa.UpdatedAt = now
	return nil
}

// DeleteServiceAccount removes a service account
func (s *UserStore) DeleteServiceAccount(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("service account %s: %w", id, ErrNotFound)
	}
	return nil
}
