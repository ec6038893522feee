package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// Handlers exposes the audit log to administrators
type Handlers struct {
	store  *Store
	logger *observability.Logger
}

// NewHandlers creates the audit handlers
func NewHandlers(store *Store, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// RegisterRoutes registers the audit endpoints
func (h *Handlers) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.Handle("/v1/audit/events", guard("audit:list", h.ListEvents)).Methods("GET")
}

// ListEvents returns recent events, filterable by ?user_id=, ?project_id=,
// and ?limit=
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	var filter Filter

	userID, err := httputil.ParseQueryUUID(r, "user_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if userID != uuid.Nil {
		filter.UserID = &userID
	}

	projectID, err := httputil.ParseQueryUUID(r, "project_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if projectID != uuid.Nil {
		filter.ProjectID = &projectID
	}

	filter.Limit, err = httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("failed to list audit events")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
