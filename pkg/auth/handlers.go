package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// IdentityFromContext retrieves the authenticated identity set by the
// request middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return identity, ok
}

// Handlers provides the token lifecycle, discovery, service account, and
// user role administration endpoints.
type Handlers struct {
	manager  *Manager
	issuer   *Issuer
	users    *UserStore
	roles    *rbac.Store
	projects *projects.Store
	logger   *observability.Logger
}

// NewHandlers creates the auth handlers
func NewHandlers(manager *Manager, issuer *Issuer, users *UserStore, roles *rbac.Store,
	projectStore *projects.Store, logger *observability.Logger) *Handlers {
	return &Handlers{
		manager:  manager,
		issuer:   issuer,
		users:    users,
		roles:    roles,
		projects: projectStore,
		logger:   logger,
	}
}

// RegisterRoutes registers the auth endpoints. Routes guarded with an empty
// policy name require authentication but no specific grant.
func (h *Handlers) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.HandleFunc("/v1/auth/discover", h.Discover).Methods("GET")

	router.Handle("/v1/auth/tokens", guard("", h.GetToken)).Methods("GET")
	router.Handle("/v1/auth/tokens", guard("", h.CheckToken)).Methods("HEAD")
	router.Handle("/v1/auth/tokens", guard("", h.RevokeToken)).Methods("DELETE")
	router.Handle("/v1/auth/tokens/scope", guard("", h.ScopeToken)).Methods("POST")

	router.Handle("/v1/auth/users/{user_id}", guard("users:get", h.GetUser)).Methods("GET")
	router.Handle("/v1/auth/users/{user_id}/roles", guard("users:roles:update", h.SetUserRoles)).Methods("PUT")

	router.Handle("/v1/auth/service-accounts", guard("service_accounts:create", h.CreateServiceAccount)).Methods("POST")
	router.Handle("/v1/auth/service-accounts", guard("service_accounts:list", h.ListServiceAccounts)).Methods("GET")
	router.Handle("/v1/auth/service-accounts/{service_account_id}", guard("service_accounts:get", h.GetServiceAccount)).Methods("GET")
	router.Handle("/v1/auth/service-accounts/{service_account_id}", guard("service_accounts:update", h.UpdateServiceAccount)).Methods("PUT")
	router.Handle("/v1/auth/service-accounts/{service_account_id}", guard("service_accounts:delete", h.DeleteServiceAccount)).Methods("DELETE")
	router.Handle("/v1/auth/service-accounts/{service_account_id}/tokens", guard("service_accounts:token", h.MintServiceAccountToken)).Methods("POST")
}

// Discover advertises the loaded drivers and their login options
func (h *Handlers) Discover(w http.ResponseWriter, r *http.Request) {
	drivers := make(map[string]interface{})
	for _, driver := range h.manager.Drivers() {
		drivers[driver.Name()] = driver.DiscoverOptions()
	}
	httputil.WriteSuccess(w, map[string]interface{}{"drivers": drivers})
}

// GetToken describes the caller's own token
func (h *Handlers) GetToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	resp := map[string]interface{}{
		"expires_at":    identity.Claims.ExpiresAt,
		"driver":        identity.Driver,
		"global_roles":  identity.GlobalRoles,
		"project_roles": identity.ProjectRoles,
	}
	if identity.Claims.UserID != nil {
		resp["user_id"] = identity.Claims.UserID
	}
	if identity.Claims.ServiceAccountID != nil {
		resp["service_account_id"] = identity.Claims.ServiceAccountID
	}
	if identity.Claims.ProjectID != nil {
		resp["project_id"] = identity.Claims.ProjectID
	}
	httputil.WriteSuccess(w, resp)
}

// CheckToken is a cheap validity probe: authentication already ran, so
// reaching here means the token is good.
func (h *Handlers) CheckToken(w http.ResponseWriter, r *http.Request) {
	httputil.WriteNoContent(w)
}

// RevokeToken revokes the caller's own token
func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	err := h.manager.TokenStore().Revoke(r.Context(), identity.Token)
	if errors.Is(err, ErrRevokeUnsupported) {
		httputil.WriteBadRequest(w, "the token backend does not support revocation")
		return
	}
	if errors.Is(err, ErrInvalidToken) {
		httputil.WriteUnauthorized(w, ErrInvalidToken.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to revoke token")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ScopeToken exchanges an unscoped user token for a project scoped one.
// Service accounts and already scoped tokens are refused; the caller must be
// a member of the target project.
func (h *Handlers) ScopeToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if identity.Claims.IsServiceAccount() {
		httputil.WriteForbidden(w, "service account tokens cannot be rescoped")
		return
	}
	if identity.Claims.Scoped() {
		httputil.WriteForbidden(w, "token is already scoped to a project")
		return
	}

	var req struct {
		ProjectID uuid.UUID `json:"project_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ProjectID == uuid.Nil {
		httputil.WriteBadRequest(w, "project_id is required")
		return
	}

	project, err := h.projects.GetProject(r.Context(), req.ProjectID)
	if errors.Is(err, projects.ErrNotFound) {
		httputil.WriteNotFound(w, "project not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get project")
		httputil.WriteInternalError(w, err)
		return
	}

	roleIDs, err := h.projects.MemberRoleIDs(r.Context(), project.ID, *identity.Claims.UserID)
	if err != nil {
		h.logger.WithError(err).Error("failed to get membership")
		httputil.WriteInternalError(w, err)
		return
	}
	if len(roleIDs) == 0 {
		httputil.WriteForbidden(w, "you are not a member of this project")
		return
	}

	token, claims, err := h.issuer.IssueScopedToken(r.Context(), identity.Driver, &identity.Claims, project.ID, roleIDs)
	if err != nil {
		h.logger.WithError(err).Error("failed to mint scoped token")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":      token,
		"expires_at": claims.ExpiresAt,
		"project_id": project.ID,
	})
}

// GetUser returns a user and their global role names
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
	if !ok {
		return
	}
	user, err := h.users.GetUser(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get user")
		httputil.WriteInternalError(w, err)
		return
	}

	roleIDs, err := h.users.UserGlobalRoleIDs(r.Context(), user.ID)
	if err != nil {
		h.logger.WithError(err).Error("failed to get user roles")
		httputil.WriteInternalError(w, err)
		return
	}
	names, err := h.roles.RoleNamesByIDs(r.Context(), roleIDs)
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve role names")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"user":         user,
		"global_roles": names,
	})
}

// SetUserRoles replaces a user's global role grants. Live tokens keep the
// role ids captured at mint; name resolution on each request picks up the
// change.
func (h *Handlers) SetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
	if !ok {
		return
	}
	user, err := h.users.GetUser(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "user not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get user")
		httputil.WriteInternalError(w, err)
		return
	}
	if user.Driver == DriverBuiltin && user.Username == AdminUsername {
		httputil.WriteBadRequest(w, "the admin user's roles cannot be changed")
		return
	}

	var req struct {
		Roles []string `json:"roles"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	roleIDs := make([]uuid.UUID, 0, len(req.Roles))
	for _, name := range req.Roles {
		role, err := h.roles.GetRoleByName(r.Context(), name, nil)
		if errors.Is(err, rbac.ErrNotFound) {
			httputil.WriteNotFound(w, "role "+name+" not found")
			return
		}
		if err != nil {
			h.logger.WithError(err).Error("failed to resolve role")
			httputil.WriteInternalError(w, err)
			return
		}
		roleIDs = append(roleIDs, role.ID)
	}

	if err := h.users.SetUserGlobalRoles(r.Context(), user.ID, roleIDs); err != nil {
		h.logger.WithError(err).Error("failed to set user roles")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// projectScope returns the caller's project scope or writes a 403
func (h *Handlers) projectScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok || identity.Claims.ProjectID == nil {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return uuid.Nil, false
	}
	return *identity.Claims.ProjectID, true
}

// resolveProjectRole resolves a role name against a project's scope, then
// global roles.
func (h *Handlers) resolveProjectRole(ctx context.Context, projectID uuid.UUID, name string) (*rbac.Role, error) {
	role, err := h.roles.GetRoleByName(ctx, name, &projectID)
	if errors.Is(err, rbac.ErrNotFound) {
		return h.roles.GetRoleByName(ctx, name, nil)
	}
	return role, err
}

// CreateServiceAccount creates a service account in the caller's project
func (h *Handlers) CreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectScope(w, r)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if req.Role == "" {
		req.Role = rbac.RoleDefaultServiceAccount
	}

	role, err := h.resolveProjectRole(r.Context(), projectID, req.Role)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "role "+req.Role+" not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve role")
		httputil.WriteInternalError(w, err)
		return
	}

	sa := &ServiceAccount{
		Name:      req.Name,
		ProjectID: projectID,
		RoleID:    role.ID,
	}
	err = h.users.CreateServiceAccount(r.Context(), sa)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a service account with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create service account")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, sa)
}

// ListServiceAccounts lists the caller's project's service accounts
func (h *Handlers) ListServiceAccounts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectScope(w, r)
	if !ok {
		return
	}
	accounts, err := h.users.ListServiceAccounts(r.Context(), projectID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list service accounts")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"service_accounts": accounts})
}

// serviceAccountFromPath loads a service account and hides accounts from
// other projects behind a 404.
func (h *Handlers) serviceAccountFromPath(w http.ResponseWriter, r *http.Request) (*ServiceAccount, bool) {
	projectID, ok := h.projectScope(w, r)
	if !ok {
		return nil, false
	}
	id, ok := httputil.ParsePathUUIDOrError(w, r, "service_account_id")
	if !ok {
		return nil, false
	}
	sa, err := h.users.GetServiceAccount(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "service account not found")
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get service account")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	if sa.ProjectID != projectID {
		httputil.WriteNotFound(w, "service account not found")
		return nil, false
	}
	return sa, true
}

// GetServiceAccount retrieves a service account
func (h *Handlers) GetServiceAccount(w http.ResponseWriter, r *http.Request) {
	sa, ok := h.serviceAccountFromPath(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, sa)
}

// UpdateServiceAccount changes a service account's role
func (h *Handlers) UpdateServiceAccount(w http.ResponseWriter, r *http.Request) {
	sa, ok := h.serviceAccountFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Role == "" {
		httputil.WriteBadRequest(w, "role is required")
		return
	}

	role, err := h.resolveProjectRole(r.Context(), sa.ProjectID, req.Role)
	if errors.Is(err, rbac.ErrNotFound) {
		httputil.WriteNotFound(w, "role "+req.Role+" not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve role")
		httputil.WriteInternalError(w, err)
		return
	}

	sa.RoleID = role.ID
	if err := h.users.UpdateServiceAccount(r.Context(), sa); err != nil {
		h.logger.WithError(err).Error("failed to update service account")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, sa)
}

// DeleteServiceAccount removes a service account. The default service
// account is managed with the project and cannot be deleted directly.
func (h *Handlers) DeleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	sa, ok := h.serviceAccountFromPath(w, r)
	if !ok {
		return
	}
	if sa.Name == rbac.RoleDefaultServiceAccount {
		httputil.WriteBadRequest(w, "the default service account cannot be deleted")
		return
	}
	if err := h.users.DeleteServiceAccount(r.Context(), sa.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete service account")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// MintServiceAccountToken mints a token for a service account, scoped to
// the account's project.
func (h *Handlers) MintServiceAccountToken(w http.ResponseWriter, r *http.Request) {
	sa, ok := h.serviceAccountFromPath(w, r)
	if !ok {
		return
	}
	token, claims, err := h.issuer.IssueServiceAccountToken(r.Context(), sa)
	if err != nil {
		h.logger.WithError(err).Error("failed to mint service account token")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":      token,
		"expires_at": claims.ExpiresAt,
		"project_id": sa.ProjectID,
	})
}
