package resources

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/middleware"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
)

// Handlers provides HTTP handlers for the resource inventory. Unlike the
// simpler admin surfaces these routes compose the full middleware chain
// themselves: image routes need a project scope and a resource load between
// authentication and policy enforcement.
type Handlers struct {
	store   *Store
	manager *auth.Manager
	authn   *middleware.Authenticator
	logger  *observability.Logger
}

// NewHandlers creates the resource handlers
func NewHandlers(store *Store, manager *auth.Manager, authn *middleware.Authenticator, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:   store,
		manager: manager,
		authn:   authn,
		logger:  logger,
	}
}

// chain is authenticate then enforce
func (h *Handlers) chain(policy string, handler http.HandlerFunc) http.Handler {
	return h.authn.Authenticate(middleware.EnforcePolicy(h.manager, policy, handler))
}

// loadChain is authenticate, load the target resource, then enforce against it
func (h *Handlers) loadChain(policy string, loader middleware.ResourceLoader, handler http.HandlerFunc) http.Handler {
	return h.authn.Authenticate(
		middleware.LoadResource(loader, h.logger,
			middleware.EnforcePolicy(h.manager, policy, handler)))
}

// scopedChain additionally requires a project scoped token
func (h *Handlers) scopedChain(policy string, handler http.HandlerFunc) http.Handler {
	return h.authn.Authenticate(
		middleware.RequireProjectScope(
			middleware.EnforcePolicy(h.manager, policy, handler)))
}

// scopedLoadChain requires a scope and loads the target resource
func (h *Handlers) scopedLoadChain(policy string, loader middleware.ResourceLoader, handler http.HandlerFunc) http.Handler {
	return h.authn.Authenticate(
		middleware.RequireProjectScope(
			middleware.LoadResource(loader, h.logger,
				middleware.EnforcePolicy(h.manager, policy, handler))))
}

// RegisterRoutes registers the resource inventory routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/v1/regions", h.chain("regions:create", h.CreateRegion)).Methods("POST")
	router.Handle("/v1/regions", h.chain("regions:list", h.ListRegions)).Methods("GET")
	router.Handle("/v1/regions/{region_id}", h.loadChain("regions:get", h.regionLoader, h.GetRegion)).Methods("GET")
	router.Handle("/v1/regions/{region_id}", h.loadChain("regions:delete", h.regionLoader, h.DeleteRegion)).Methods("DELETE")

	router.Handle("/v1/zones", h.chain("zones:create", h.CreateZone)).Methods("POST")
	router.Handle("/v1/zones", h.chain("zones:list", h.ListZones)).Methods("GET")
	router.Handle("/v1/zones/{zone_id}", h.loadChain("zones:get", h.zoneLoader, h.GetZone)).Methods("GET")
	router.Handle("/v1/zones/{zone_id}", h.loadChain("zones:delete", h.zoneLoader, h.DeleteZone)).Methods("DELETE")

	router.Handle("/v1/images", h.scopedChain("images:create", h.CreateImage)).Methods("POST")
	router.Handle("/v1/images", h.scopedChain("images:list", h.ListImages)).Methods("GET")
	router.Handle("/v1/images/{image_id}", h.scopedLoadChain("images:get", h.imageLoader, h.GetImage)).Methods("GET")
	router.Handle("/v1/images/{image_id}", h.scopedLoadChain("images:delete", h.imageLoader, h.DeleteImage)).Methods("DELETE")
}

func (h *Handlers) regionLoader(ctx context.Context, r *http.Request) (*middleware.Resource, error) {
	id, err := httputil.ParsePathUUID(r, "region_id")
	if err != nil {
		return nil, middleware.ErrResourceNotFound
	}
	region, err := h.store.GetRegion(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, middleware.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &middleware.Resource{Object: region}, nil
}

func (h *Handlers) zoneLoader(ctx context.Context, r *http.Request) (*middleware.Resource, error) {
	id, err := httputil.ParsePathUUID(r, "zone_id")
	if err != nil {
		return nil, middleware.ErrResourceNotFound
	}
	zone, err := h.store.GetZone(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, middleware.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &middleware.Resource{Object: zone}, nil
}

// imageLoader hides images from other projects behind the same 404 as a
// missing id.
func (h *Handlers) imageLoader(ctx context.Context, r *http.Request) (*middleware.Resource, error) {
	id, err := httputil.ParsePathUUID(r, "image_id")
	if err != nil {
		return nil, middleware.ErrResourceNotFound
	}
	image, err := h.store.GetImage(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, middleware.ErrResourceNotFound
	}
	if err != nil {
		return nil, err
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.Claims.ProjectID == nil || *identity.Claims.ProjectID != image.ProjectID {
		return nil, middleware.ErrResourceNotFound
	}
	return &middleware.Resource{Object: image, Target: image.PolicyTarget()}, nil
}

// CreateRegion creates a region
func (h *Handlers) CreateRegion(w http.ResponseWriter, r *http.Request) {
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

	region := &Region{Name: req.Name, Description: req.Description}
	err := h.store.CreateRegion(r.Context(), region)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a region with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create region")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, region)
}

// ListRegions lists all regions
func (h *Handlers) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.store.ListRegions(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to list regions")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"regions": regions})
}

// GetRegion returns the loaded region
func (h *Handlers) GetRegion(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	httputil.WriteSuccess(w, resource.Object)
}

// DeleteRegion deletes the loaded region
func (h *Handlers) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	region := resource.Object.(*Region)
	if err := h.store.DeleteRegion(r.Context(), region.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete region")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateZone creates a zone in an existing region
func (h *Handlers) CreateZone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string    `json:"name"`
		RegionID    uuid.UUID `json:"region_id"`
		Description string    `json:"description"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" || req.RegionID == uuid.Nil {
		httputil.WriteBadRequest(w, "name and region_id are required")
		return
	}

	if _, err := h.store.GetRegion(r.Context(), req.RegionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "region not found")
			return
		}
		h.logger.WithError(err).Error("failed to get region")
		httputil.WriteInternalError(w, err)
		return
	}

	zone := &Zone{Name: req.Name, RegionID: req.RegionID, Description: req.Description}
	err := h.store.CreateZone(r.Context(), zone)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "a zone with this name already exists")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create zone")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, zone)
}

// ListZones lists zones, optionally filtered by ?region_id=
func (h *Handlers) ListZones(w http.ResponseWriter, r *http.Request) {
	regionID, err := httputil.ParseQueryUUID(r, "region_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var zones []Zone
	if regionID == uuid.Nil {
		zones, err = h.store.ListZones(r.Context(), nil)
	} else {
		zones, err = h.store.ListZones(r.Context(), &regionID)
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to list zones")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"zones": zones})
}

// GetZone returns the loaded zone
func (h *Handlers) GetZone(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	httputil.WriteSuccess(w, resource.Object)
}

// DeleteZone deletes the loaded zone
func (h *Handlers) DeleteZone(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	zone := resource.Object.(*Zone)
	if err := h.store.DeleteZone(r.Context(), zone.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete zone")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// CreateImage creates an image in the caller's project
func (h *Handlers) CreateImage(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())

	var req struct {
		Name     string    `json:"name"`
		RegionID uuid.UUID `json:"region_id"`
		FileName string    `json:"file_name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" || req.RegionID == uuid.Nil {
		httputil.WriteBadRequest(w, "name and region_id are required")
		return
	}

	if _, err := h.store.GetRegion(r.Context(), req.RegionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httputil.WriteNotFound(w, "region not found")
			return
		}
		h.logger.WithError(err).Error("failed to get region")
		httputil.WriteInternalError(w, err)
		return
	}

	image := &Image{
		Name:      req.Name,
		ProjectID: *identity.Claims.ProjectID,
		RegionID:  req.RegionID,
		FileName:  req.FileName,
	}
	err := h.store.CreateImage(r.Context(), image)
	if errors.Is(err, ErrDuplicate) {
		httputil.WriteConflict(w, "an image with this name already exists in this project")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create image")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, image)
}

// ListImages lists the caller's project's images
func (h *Handlers) ListImages(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	images, err := h.store.ListImages(r.Context(), *identity.Claims.ProjectID)
	if err != nil {
		h.logger.WithError(err).Error("failed to list images")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"images": images})
}

// GetImage returns the loaded image
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	httputil.WriteSuccess(w, resource.Object)
}

// DeleteImage deletes the loaded image
func (h *Handlers) DeleteImage(w http.ResponseWriter, r *http.Request) {
	resource, _ := middleware.ResourceFromContext(r.Context())
	image := resource.Object.(*Image)
	if err := h.store.DeleteImage(r.Context(), image.ID); err != nil {
		h.logger.WithError(err).Error("failed to delete image")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
