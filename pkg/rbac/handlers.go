package rbac

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

// Guard wraps a handler with authentication and policy enforcement for the
// named policy. The server supplies it so handler packages stay decoupled
// from the middleware package.
type Guard func(policy string, next http.HandlerFunc) http.Handler

// ScopeFunc extracts the request's project scope, if any
type ScopeFunc func(r *http.Request) (uuid.UUID, bool)

// PolicyReloader rebuilds the live enforcer from persisted policies
type PolicyReloader interface {
	ReloadPolicies(ctx context.Context) error
}

// Handlers provides HTTP handlers for role and policy administration
type Handlers struct {
	store    *Store
	reloader PolicyReloader
	scope    ScopeFunc
	logger   *observability.Logger
}

// NewHandlers creates the RBAC admin handlers
func NewHandlers(store *Store, reloader PolicyReloader, scope ScopeFunc, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:    store,
		reloader: reloader,
		scope:    scope,
		logger:   logger,
	}
}

// RegisterRoutes registers role and policy administration routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guard Guard) {
	router.Handle("/v1/auth/roles/global", guard("roles:global:create", h.CreateGlobalRole)).Methods("POST")
	router.Handle("/v1/auth/roles/global", guard("roles:global:list", h.ListGlobalRoles)).Methods("GET")
	router.Handle("/v1/auth/roles/global/{role_id}", guard("roles:global:get", h.GetGlobalRole)).Methods("GET")
	router.Handle("/v1/auth/roles/global/{role_id}", guard("roles:global:update", h.UpdateGlobalRole)).Methods("PUT")
	router.Handle("/v1/auth/roles/global/{role_id}", guard("roles:global:delete", h.DeleteGlobalRole)).Methods("DELETE")

	router.Handle("/v1/auth/roles/project", guard("roles:project:create", h.CreateProjectRole)).Methods("POST")
	router.Handle("/v1/auth/roles/project", guard("roles:project:list", h.ListProjectRoles)).Methods("GET")
	router.Handle("/v1/auth/roles/project/{role_id}", guard("roles:project:get", h.GetProjectRole)).Methods("GET")
	router.Handle("/v1/auth/roles/project/{role_id}", guard("roles:project:update", h.UpdateProjectRole)).Methods("PUT")
	router.Handle("/v1/auth/roles/project/{role_id}", guard("roles:project:delete", h.DeleteProjectRole)).Methods("DELETE")

	router.Handle("/v1/auth/roles/{role_id}/policies", guard("roles:policies:list", h.ListRolePolicies)).Methods("GET")
	router.Handle("/v1/auth/roles/{role_id}/policies/{policy_id}", guard("roles:policies:attach", h.AttachPolicy)).Methods("PUT")
	router.Handle("/v1/auth/roles/{role_id}/policies/{policy_id}", guard("roles:policies:detach", h.DetachPolicy)).Methods("DELETE")

	router.Handle("/v1/auth/policies", guard("policies:create", h.CreatePolicy)).Methods("POST")
	router.Handle("/v1/auth/policies", guard("policies:list", h.ListPolicies)).Methods("GET")
	router.Handle("/v1/auth/policies/{policy_id}", guard("policies:get", h.GetPolicy)).Methods("GET")
	router.Handle("/v1/auth/policies/{policy_id}", guard("policies:update", h.UpdatePolicy)).Methods("PUT")
	router.Handle("/v1/auth/policies/{policy_id}", guard("policies:delete", h.DeletePolicy)).Methods("DELETE")
}

type roleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request, projectID *uuid.UUID) {
	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if IsProtectedRole(req.Name) {
		httputil.WriteBadRequest(w, "role name is reserved")
		return
	}

	role := &Role{
		Name:        req.Name,
		ProjectID:   projectID,
		Description: req.Description,
	}
	err := h.store.CreateRole(r.Context(), role)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a role with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create role")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// CreateGlobalRole creates a role visible in every project
func (h *Handlers) CreateGlobalRole(w http.ResponseWriter, r *http.Request) {
	h.createRole(w, r, nil)
}

// CreateProjectRole creates a role scoped to the request's project
func (h *Handlers) CreateProjectRole(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(r)
	if !ok {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return
	}
	h.createRole(w, r, &projectID)
}

// ListGlobalRoles lists global roles
func (h *Handlers) ListGlobalRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context(), nil)
	if err != nil {
		h.logger.WithError(err).Error("failed to list roles")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// ListProjectRoles lists roles scoped to the request's project
func (h *Handlers) ListProjectRoles(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(r)
	if !ok {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return
	}
	roles, err := h.store.ListRoles(r.Context(), &projectID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list roles")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// getRole fetches a role and verifies it belongs to the expected scope. A
// role outside the scope is reported as not found.
func (h *Handlers) getRole(w http.ResponseWriter, r *http.Request, projectID *uuid.UUID) (*Role, bool) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "role_id")
	if !ok {
		return nil, false
	}
	role, err := h.store.GetRole(r.Context(), roleID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "role not found")
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get role")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	inScope := role.ProjectID == nil && projectID == nil ||
		role.ProjectID != nil && projectID != nil && *role.ProjectID == *projectID
	if !inScope {
		httputil.WriteNotFound(w, "role not found")
		return nil, false
	}
	return role, true
}

// GetGlobalRole retrieves a global role
func (h *Handlers) GetGlobalRole(w http.ResponseWriter, r *http.Request) {
	role, ok := h.getRole(w, r, nil)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, role)
}

// GetProjectRole retrieves a role scoped to the request's project
func (h *Handlers) GetProjectRole(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(r)
	if !ok {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return
	}
	role, ok := h.getRole(w, r, &projectID)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, role)
}

func (h *Handlers) updateRole(w http.ResponseWriter, r *http.Request, projectID *uuid.UUID) {
	role, ok := h.getRole(w, r, projectID)
	if !ok {
		return
	}
	if IsProtectedRole(role.Name) {
		httputil.WriteBadRequest(w, "system roles cannot be modified")
		return
	}

	var req struct {
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	role.Description = req.Description
	if err := h.store.UpdateRole(r.Context(), role); err != nil {
		h.logger.WithError(err).Error("failed to update role")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateGlobalRole updates a global role's description
func (h *Handlers) UpdateGlobalRole(w http.ResponseWriter, r *http.Request) {
	h.updateRole(w, r, nil)
}

// UpdateProjectRole updates a project role's description
func (h *Handlers) UpdateProjectRole(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(r)
	if !ok {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return
	}
	h.updateRole(w, r, &projectID)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request, projectID *uuid.UUID) {
	role, ok := h.getRole(w, r, projectID)
	if !ok {
		return
	}
	if IsProtectedRole(role.Name) {
		httputil.WriteBadRequest(w, "system roles cannot be deleted")
		return
	}
	if err := h.store.DeleteRole(r.Context(), role.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete role")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DeleteGlobalRole deletes a global role
func (h *Handlers) DeleteGlobalRole(w http.ResponseWriter, r *http.Request) {
	h.deleteRole(w, r, nil)
}

// DeleteProjectRole deletes a role scoped to the request's project
func (h *Handlers) DeleteProjectRole(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.scope(r)
	if !ok {
		httputil.WriteForbidden(w, "a project scoped token is required")
		return
	}
	h.deleteRole(w, r, &projectID)
}

// ListRolePolicies lists the policies granted to a role
func (h *Handlers) ListRolePolicies(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "role_id")
	if !ok {
		return
	}
	if _, err := h.store.GetRole(r.Context(), roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "role not found")
			return
		}
		h.logger.WithError(err).Error("failed to get role")
		httputil.WriteInternalError(w, err)
		return
	}
	policies, err := h.store.RolePolicies(r.Context(), roleID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list role policies")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"policies": policies})
}

func (h *Handlers) rolePolicyIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roleID, ok := httputil.ParsePathUUIDOrError(w, r, "role_id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	policyID, ok := httputil.ParsePathUUIDOrError(w, r, "policy_id")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	if _, err := h.store.GetRole(r.Context(), roleID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "role not found")
			return uuid.Nil, uuid.Nil, false
		}
		h.logger.WithError(err).Error("failed to get role")
		httputil.WriteInternalError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	if _, err := h.store.GetPolicy(r.Context(), policyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "policy not found")
			return uuid.Nil, uuid.Nil, false
		}
		h.logger.WithError(err).Error("failed to get policy")
		httputil.WriteInternalError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return roleID, policyID, true
}

// AttachPolicy grants a policy to a role
func (h *Handlers) AttachPolicy(w http.ResponseWriter, r *http.Request) {
	roleID, policyID, ok := h.rolePolicyIDs(w, r)
	if !ok {
		return
	}
	if err := h.store.AttachPolicy(r.Context(), roleID, policyID); err != nil {
		h.logger.WithError(err).Error("failed to attach policy")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// DetachPolicy removes a policy grant from a role
func (h *Handlers) DetachPolicy(w http.ResponseWriter, r *http.Request) {
	roleID, policyID, ok := h.rolePolicyIDs(w, r)
	if !ok {
		return
	}
	if err := h.store.DetachPolicy(r.Context(), roleID, policyID); err != nil {
		h.logger.WithError(err).Error("failed to detach policy")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type policyRequest struct {
	Name        string   `json:"name"`
	Rule        string   `json:"rule"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// dryRunPolicies compiles a candidate policy set without touching the live
// enforcer. Parse errors, unknown rule references, and cycles all surface
// here so a broken policy never gets persisted.
func (h *Handlers) dryRunPolicies(ctx context.Context, mutate func([]Policy) []Policy) (bool, error) {
	current, err := h.store.ListPolicies(ctx)
	if err != nil {
		return false, err
	}
	if _, err := NewEnforcer(mutate(current)); err != nil {
		var defErr *DefinitionError
		if errors.As(err, &defErr) {
			return true, defErr
		}
		return false, err
	}
	return false, nil
}

func (h *Handlers) commitPolicies(w http.ResponseWriter, r *http.Request) bool {
	if err := h.reloader.ReloadPolicies(r.Context()); err != nil {
		h.logger.WithError(err).Error("failed to reload policies")
		httputil.WriteInternalError(w, err)
		return false
	}
	return true
}

// CreatePolicy creates a policy after a dry-run compile of the resulting set.
// Tags listed in TagRoles attach the new policy to the matching default role.
func (h *Handlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" || req.Rule == "" {
		httputil.WriteBadRequest(w, "name and rule are required")
		return
	}

	policy := Policy{
		Name:        req.Name,
		Rule:        req.Rule,
		Description: req.Description,
		Tags:        req.Tags,
	}
	isDefinition, err := h.dryRunPolicies(r.Context(), func(policies []Policy) []Policy {
		return append(policies, policy)
	})
	if isDefinition {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("policy dry run failed")
		httputil.WriteInternalError(w, err)
		return
	}

	err = h.store.CreatePolicy(r.Context(), &policy)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a policy with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create policy")
		httputil.WriteInternalError(w, err)
		return
	}

	for _, tag := range policy.Tags {
		roleName, ok := TagRoles[tag]
		if !ok {
			continue
		}
		role, err := h.store.GetRoleByName(r.Context(), roleName, nil)
		if err != nil {
			h.logger.WithError(err).WithField("role", roleName).Warn("tagged role not found, skipping attach")
			continue
		}
		if err := h.store.AttachPolicy(r.Context(), role.ID, policy.ID); err != nil {
			h.logger.WithError(err).WithField("role", roleName).Error("failed to attach tagged policy")
		}
	}

	if !h.commitPolicies(w, r) {
		return
	}
	httputil.WriteCreated(w, policy)
}

// ListPolicies lists every policy
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListPolicies(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to list policies")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"policies": policies})
}

// GetPolicy retrieves a policy
func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := httputil.ParsePathUUIDOrError(w, r, "policy_id")
	if !ok {
		return
	}
	policy, err := h.store.GetPolicy(r.Context(), policyID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "policy not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get policy")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, policy)
}

// UpdatePolicy changes a policy's rule after a dry-run compile
func (h *Handlers) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := httputil.ParsePathUUIDOrError(w, r, "policy_id")
	if !ok {
		return
	}
	policy, err := h.store.GetPolicy(r.Context(), policyID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "policy not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get policy")
		httputil.WriteInternalError(w, err)
		return
	}

	var req struct {
		Rule        string   `json:"rule"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Rule == "" {
		httputil.WriteBadRequest(w, "rule is required")
		return
	}

	updated := *policy
	updated.Rule = req.Rule
	updated.Description = req.Description
	updated.Tags = req.Tags

	isDefinition, err := h.dryRunPolicies(r.Context(), func(policies []Policy) []Policy {
		for i := range policies {
			if policies[i].ID == policyID {
				policies[i] = updated
			}
		}
		return policies
	})
	if isDefinition {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("policy dry run failed")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.store.UpdatePolicy(r.Context(), &updated); err != nil {
		h.logger.WithError(err).Error("failed to update policy")
		httputil.WriteInternalError(w, err)
		return
	}
	if !h.commitPolicies(w, r) {
		return
	}
	httputil.WriteSuccess(w, updated)
}

// DeletePolicy removes a policy after a dry-run compile of the remaining set,
// so deleting a policy that other rules reference fails with a 400 instead of
// breaking the live enforcer.
func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := httputil.ParsePathUUIDOrError(w, r, "policy_id")
	if !ok {
		return
	}
	policy, err := h.store.GetPolicy(r.Context(), policyID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "policy not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get policy")
		httputil.WriteInternalError(w, err)
		return
	}

	isDefinition, err := h.dryRunPolicies(r.Context(), func(policies []Policy) []Policy {
		remaining := policies[:0]
		for _, p := range policies {
			if p.ID != policy.ID {
				remaining = append(remaining, p)
			}
		}
		return remaining
	})
	if isDefinition {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("policy dry run failed")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.store.DeletePolicy(r.Context(), policy.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete policy")
		httputil.WriteInternalError(w, err)
		return
	}
	if !h.commitPolicies(w, r) {
		return
	}
	httputil.WriteNoContent(w)
}
