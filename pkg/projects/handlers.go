package projects

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// PrincipalFunc extracts the authenticated user id from a request. ok is
// false for service account principals.
type PrincipalFunc func(r *http.Request) (uuid.UUID, bool)

// Handlers provides HTTP handlers for project management
type Handlers struct {
	store     *Store
	roles     *rbac.Store
	principal PrincipalFunc
	logger    *observability.Logger
}

// NewHandlers creates the project handlers
func NewHandlers(store *Store, roles *rbac.Store, principal PrincipalFunc, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:     store,
		roles:     roles,
		principal: principal,
		logger:    logger,
	}
}

// RegisterRoutes registers project management routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.Handle("/v1/projects", guard("projects:create", h.CreateProject)).Methods("POST")
	router.Handle("/v1/projects", guard("projects:list", h.ListProjects)).Methods("GET")
	router.Handle("/v1/projects/{project_id}", guard("projects:get", h.GetProject)).Methods("GET")
	router.Handle("/v1/projects/{project_id}", guard("projects:update", h.UpdateProject)).Methods("PUT")
	router.Handle("/v1/projects/{project_id}", guard("projects:delete", h.DeleteProject)).Methods("DELETE")

	router.Handle("/v1/projects/{project_id}/members", guard("projects:members:add", h.AddMember)).Methods("POST")
	router.Handle("/v1/projects/{project_id}/members", guard("projects:members:list", h.ListMembers)).Methods("GET")
	router.Handle("/v1/projects/{project_id}/members/{user_id}", guard("projects:members:remove", h.RemoveMember)).Methods("DELETE")
}

// CreateProject creates a project. The creating user becomes a member with
// the default_member role.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}

	project := &Project{Name: req.Name, Description: req.Description}
	err := h.store.CreateProject(r.Context(), project)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a project with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create project")
		httputil.WriteInternalError(w, err)
		return
	}

	if userID, ok := h.principal(r); ok {
		if err := h.addMemberRole(r.Context(), project.ID, userID, rbac.RoleDefaultMember); err != nil {
			h.logger.WithError(err).WithField("project", project.ID).Warn("failed to add creator membership")
		}
	}
	httputil.WriteCreated(w, project)
}

// ListProjects lists all projects
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to list projects")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"projects": projects})
}

func (h *Handlers) projectFromPath(w http.ResponseWriter, r *http.Request) (*Project, bool) {
	projectID, ok := httputil.ParsePathUUIDOrError(w, r, "project_id")
	if !ok {
		return nil, false
	}
	project, err := h.store.GetProject(r.Context(), projectID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "project not found")
		return nil, false
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to get project")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return project, true
}

// GetProject retrieves a project
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, project)
}

// UpdateProject updates a project's description
func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Description string `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	project.Description = req.Description
	if err := h.store.UpdateProject(r.Context(), project); err != nil {
		h.logger.WithError(err).Error("failed to update project")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, project)
}

// DeleteProject deletes a project and everything scoped to it
func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteProject(r.Context(), project.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete project")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// addMemberRole resolves a role name against the project scope, falling back
// to global roles, and grants it.
func (h *Handlers) addMemberRole(ctx context.Context, projectID, userID uuid.UUID, roleName string) error {
	role, err := h.roles.GetRoleByName(ctx, roleName, &projectID)
	if errors.Is(err, rbac.ErrNotFound) {
		role, err = h.roles.GetRoleByName(ctx, roleName, nil)
	}
	if err != nil {
		return err
	}
	return h.store.AddMemberRole(ctx, projectID, userID, role.ID)
}

// AddMember adds a user to a project with the given roles. Role names
// resolve against the project's scoped roles first, then global roles.
func (h *Handlers) AddMember(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}

	var req struct {
		UserID uuid.UUID `json:"user_id"`
		Roles  []string  `json:"roles"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if len(req.Roles) == 0 {
		req.Roles = []string{rbac.RoleDefaultMember}
	}

	for _, roleName := range req.Roles {
		err := h.addMemberRole(r.Context(), project.ID, req.UserID, roleName)
		if errors.Is(err, rbac.ErrNotFound) {
			httputil.WriteNotFound(w, "role "+roleName+" not found")
			return
		}
		if err != nil {
			h.logger.WithError(err).Error("failed to add member")
			httputil.WriteInternalError(w, err)
			return
		}
	}
	httputil.WriteNoContent(w)
}

// ListMembers lists a project's members
func (h *Handlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}
	members, err := h.store.ListMembers(r.Context(), project.ID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list members")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// RemoveMember removes a user from a project
func (h *Handlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	project, ok := h.projectFromPath(w, r)
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
	if !ok {
		return
	}
	err := h.store.RemoveMember(r.Context(), project.ID, userID)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFound(w, "member not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to remove member")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
