package auth

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// DriverBuiltin is the builtin driver's name
const DriverBuiltin = "builtin"

// AdminUsername is the bootstrap administrator. The account cannot be
// deleted and its role grants cannot be changed, so a policy mistake can
// never lock every operator out.
const AdminUsername = "admin"

// BuiltinDriver authenticates against locally stored bcrypt password hashes.
// It is the only driver that manages its own users.
type BuiltinDriver struct {
	users   *UserStore
	roles   *rbac.Store
	issuer  *Issuer
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewBuiltinDriver creates the builtin username/password driver
func NewBuiltinDriver(users *UserStore, roles *rbac.Store, issuer *Issuer, metrics *observability.Metrics, logger *observability.Logger) *BuiltinDriver {
	return &BuiltinDriver{
		users:   users,
		roles:   roles,
		issuer:  issuer,
		metrics: metrics,
		logger:  logger.WithField("driver", DriverBuiltin),
	}
}

// Name returns the driver name
func (d *BuiltinDriver) Name() string { return DriverBuiltin }

// DiscoverOptions describes how to authenticate against this driver
func (d *BuiltinDriver) DiscoverOptions() map[string]interface{} {
	return map[string]interface{}{
		"login": map[string]interface{}{
			"path":   "/v1/auth/builtin/login",
			"fields": []string{"username", "password"},
		},
	}
}

// RegisterRoutes mounts the builtin driver's routes
func (d *BuiltinDriver) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.HandleFunc("/v1/auth/builtin/login", d.Login).Methods("POST")
	router.Handle("/v1/auth/builtin/users", guard("builtin:users:create", d.CreateUser)).Methods("POST")
	router.Handle("/v1/auth/builtin/users", guard("builtin:users:list", d.ListUsers)).Methods("GET")
	router.Handle("/v1/auth/builtin/users/{user_id}", guard("builtin:users:get", d.GetUser)).Methods("GET")
	router.Handle("/v1/auth/builtin/users/{user_id}", guard("builtin:users:delete", d.DeleteUser)).Methods("DELETE")
	router.Handle("/v1/auth/builtin/users/{user_id}/password", guard("builtin:users:password", d.SetPassword)).Methods("PUT")
	router.Handle("/v1/auth/builtin/users/{user_id}/roles/{role_id}", guard("builtin:users:roles", d.AddRole)).Methods("POST")
	router.Handle("/v1/auth/builtin/users/{user_id}/roles/{role_id}", guard("builtin:users:roles", d.RemoveRole)).Methods("DELETE")
}

// Login exchanges a username and password for an unscoped token
func (d *BuiltinDriver) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	user, err := d.users.GetUserByUsername(r.Context(), req.Username, DriverBuiltin)
	if errors.Is(err, ErrNotFound) {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverBuiltin, "failure").Inc()
		httputil.WriteForbidden(w, "invalid credentials")
		return
	}
	if err != nil {
		d.logger.WithError(err).Error("failed to look up user")
		httputil.WriteInternalError(w, err)
		return
	}

	hash, err := d.users.BuiltinPasswordHash(r.Context(), user.ID)
	if errors.Is(err, ErrNotFound) {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverBuiltin, "failure").Inc()
		httputil.WriteForbidden(w, "invalid credentials")
		return
	}
	if err != nil {
		d.logger.WithError(err).Error("failed to load password hash")
		httputil.WriteInternalError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverBuiltin, "failure").Inc()
		httputil.WriteForbidden(w, "invalid credentials")
		return
	}

	token, claims, err := d.issuer.IssueUserToken(r.Context(), DriverBuiltin, user)
	if err != nil {
		d.logger.WithError(err).Error("failed to mint token")
		httputil.WriteInternalError(w, err)
		return
	}
	d.metrics.AuthAttemptsTotal.WithLabelValues(DriverBuiltin, "success").Inc()
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":      token,
		"expires_at": claims.ExpiresAt,
	})
}

// CreateUser creates a builtin user with a password
func (d *BuiltinDriver) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	if _, err := d.users.GetUserByUsername(r.Context(), req.Username, DriverBuiltin); err == nil {
		httputil.WriteConflict(w, "a user with this username already exists")
		return
	} else if !errors.Is(err, ErrNotFound) {
		d.logger.WithError(err).Error("failed to look up user")
		httputil.WriteInternalError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		d.logger.WithError(err).Error("failed to hash password")
		httputil.WriteInternalError(w, err)
		return
	}

	user, err := d.users.GetOrCreateUser(r.Context(), req.Username, DriverBuiltin, req.Email)
	if err != nil {
		d.logger.WithError(err).Error("failed to create user")
		httputil.WriteInternalError(w, err)
		return
	}
	if err := d.users.SetBuiltinPassword(r.Context(), user.ID, hash); err != nil {
		d.logger.WithError(err).Error("failed to set password")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// userFromPath loads the addressed user and hides users owned by other
// drivers behind a 404.
func (d *BuiltinDriver) userFromPath(w http.ResponseWriter, r *http.Request) (*User, bool) {
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
	if !ok {
		return nil, false
	}
	user, err := d.users.GetUser(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return nil, false
	}
	if err != nil {
		d.logger.WithError(err).Error("failed to look up user")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if user.Driver != DriverBuiltin {
		httputil.WriteNotFound(w, "user not found")
		return nil, false
	}
	return user, true
}

// ListUsers lists the builtin users
func (d *BuiltinDriver) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := d.users.ListUsers(r.Context(), DriverBuiltin)
	if err != nil {
		d.logger.WithError(err).Error("failed to list users")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"users": users})
}

// GetUser returns a builtin user and their global role names
func (d *BuiltinDriver) GetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := d.userFromPath(w, r)
	if !ok {
		return
	}
	roleIDs, err := d.users.UserGlobalRoleIDs(r.Context(), user.ID)
	if err != nil {
		d.logger.WithError(err).Error("failed to get user roles")
		httputil.WriteInternalError(w, err)
		return
	}
	names, err := d.roles.RoleNamesByIDs(r.Context(), roleIDs)
	if err != nil {
		d.logger.WithError(err).Error("failed to resolve role names")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":         user,
		"global_roles": names,
	})
}

// DeleteUser removes a builtin user. The admin user cannot be deleted.
func (d *BuiltinDriver) DeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := d.userFromPath(w, r)
	if !ok {
		return
	}
	if user.Username == AdminUsername {
		httputil.WriteBadRequest(w, "the admin user cannot be deleted")
		return
	}
	if err := d.users.DeleteUser(r.Context(), user.ID); err != nil {
		d.logger.WithError(err).Error("failed to delete user")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddRole grants a global role to a builtin user
func (d *BuiltinDriver) AddRole(w http.ResponseWriter, r *http.Request) {
	user, ok := d.userFromPath(w, r)
	if !ok {
		return
	}
	if user.Username == AdminUsername {
		httputil.WriteBadRequest(w, "the admin user's roles cannot be changed")
		return
	}
	role, ok := d.globalRoleFromPath(w, r)
	if !ok {
		return
	}

	roleIDs, err := d.users.UserGlobalRoleIDs(r.Context(), user.ID)
	if err != nil {
		d.logger.WithError(err).Error("failed to get user roles")
		httputil.WriteInternalError(w, err)
		return
	}
	for _, id := range roleIDs {
		if id == role.ID {
			httputil.WriteNoContent(w)
			return
		}
	}
	if err := d.users.SetUserGlobalRoles(r.Context(), user.ID, append(roleIDs, role.ID)); err != nil {
		d.logger.WithError(err).Error("failed to grant role")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveRole revokes a global role from a builtin user
func (d *BuiltinDriver) RemoveRole(w http.ResponseWriter, r *http.Request) {
	user, ok := d.userFromPath(w, r)
	if !ok {
		return
	}
	if user.Username == AdminUsername {
		httputil.WriteBadRequest(w, "the admin user's roles cannot be changed")
		return
	}
	role, ok := d.globalRoleFromPath(w, r)
	if !ok {
		return
	}

	roleIDs, err := d.users.UserGlobalRoleIDs(r.Context(), user.ID)
	if err != nil {
		d.logger.WithError(err).Error("failed to get user roles")
		httputil.WriteInternalError(w, err)
		return
	}
	kept := roleIDs[:0]
	for _, id := range roleIDs {
		if id != role.ID {
			kept = append(kept, id)
		}
	}
	if err := d.users.SetUserGlobalRoles(r.Context(), user.ID, kept); err != nil {
		d.logger.WithError(err).Error("failed to revoke role")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// globalRoleFromPath resolves the addressed role. Project roles cannot be
// granted globally, so they 404 here.
func (d *BuiltinDriver) globalRoleFromPath(w http.ResponseWriter, r *http.Request) (*rbac.Role, bool) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "role_id")
	if !ok {
		return nil, false
	}
	role, err := d.roles.GetRole(r.Context(), roleID)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return nil, false
	}
	if err != nil {
		d.logger.WithError(err).Error("failed to get role")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if role.ProjectID != nil {
		httputil.WriteNotFound(w, "role not found")
		return nil, false
	}
	return role, true
}

// SetPassword replaces a builtin user's password
func (d *BuiltinDriver) SetPassword(w http.ResponseWriter, r *http.Request) {
	user, ok := d.userFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Password == "" {
		httputil.WriteBadRequest(w, "password is required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		d.logger.WithError(err).Error("failed to hash password")
		httputil.WriteInternalError(w, err)
		return
	}
	if err := d.users.SetBuiltinPassword(r.Context(), user.ID, hash); err != nil {
		d.logger.WithError(err).Error("failed to set password")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
