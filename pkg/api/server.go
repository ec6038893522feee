package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandwichcloud/deli-counter/pkg/audit"
	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/config"
	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/middleware"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
	"github.com/sandwichcloud/deli-counter/pkg/resources"
)

// Stores bundles the persistence layers the server wires into handlers
type Stores struct {
	Users     *auth.UserStore
	Roles     *rbac.Store
	Projects  *projects.Store
	Resources *resources.Store
	Audit     *audit.Store
}

// Server is the API server
type Server struct {
	config        *config.Config
	router        *mux.Router
	manager       *auth.Manager
	authenticator *middleware.Authenticator
	metrics       *observability.Metrics
	logger        *observability.Logger
	httpServer    *http.Server
}

// NewServer creates the API server and registers all routes. Drivers must
// already be registered on the manager.
func NewServer(cfg *config.Config, stores Stores, manager *auth.Manager, issuer *auth.Issuer,
	metrics *observability.Metrics, logger *observability.Logger) *Server {
	s := &Server{
		config:  cfg,
		router:  mux.NewRouter(),
		manager: manager,
		metrics: metrics,
		logger:  logger,
	}
	s.authenticator = middleware.NewAuthenticator(manager, stores.Users, stores.Roles,
		stores.Projects, metrics, logger)

	s.router.Use(requestIDMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	if stores.Audit != nil {
		s.router.Use(audit.NewMiddleware(stores.Audit, logger).Handler)
	}

	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.LoginRequestsPerMinute,
		WindowDuration:    middleware.LoginRateLimitConfig().WindowDuration,
	})
	s.router.Use(credentialRateLimit(limiter))

	guard := s.guard()
	for _, driver := range manager.Drivers() {
		driver.RegisterRoutes(s.router, guard)
	}
	auth.NewHandlers(manager, issuer, stores.Users, stores.Roles, stores.Projects, logger).
		RegisterRoutes(s.router, guard)
	rbac.NewHandlers(stores.Roles, manager, scopeFromRequest, logger).
		RegisterRoutes(s.router, guard)
	projects.NewHandlers(stores.Projects, stores.Roles, principalFromRequest, logger).
		RegisterRoutes(s.router, guard)
	resources.NewHandlers(stores.Resources, manager, s.authenticator, logger).
		RegisterRoutes(s.router)
	if stores.Audit != nil {
		audit.NewHandlers(stores.Audit, logger).RegisterRoutes(s.router, guard)
	}

	return s
}

// guard composes authentication and policy enforcement for routes that do
// not need project scoping or resource loading.
func (s *Server) guard() rbac.Guard {
	return func(policy string, next http.HandlerFunc) http.Handler {
		return s.authenticator.Authenticate(middleware.EnforcePolicy(s.manager, policy, next))
	}
}

// scopeFromRequest reports the authenticated request's project scope
func scopeFromRequest(r *http.Request) (uuid.UUID, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Claims.ProjectID == nil {
		return uuid.Nil, false
	}
	return *identity.Claims.ProjectID, true
}

// principalFromRequest reports the authenticated request's user id
func principalFromRequest(r *http.Request) (uuid.UUID, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Claims.UserID == nil {
		return uuid.Nil, false
	}
	return *identity.Claims.UserID, true
}

// requestIDMiddleware tags every request with an id for log correlation
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// credentialRateLimit applies the login rate limiter to credential endpoints
// only; authenticated traffic is not limited.
func credentialRateLimit(limiter *middleware.RateLimiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		limited := limiter.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isCredentialPath(r.URL.Path) {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isCredentialPath(path string) bool {
	return strings.HasSuffix(path, "/login") ||
		strings.HasSuffix(path, "/authorization") ||
		strings.HasSuffix(path, "/token")
}

// Handler returns the server's root handler, traced when OTel is enabled
func (s *Server) Handler() http.Handler {
	if s.config.Observability.OTelEnabled {
		return otelhttp.NewHandler(s.router, "deli-counter")
	}
	return s.router
}

// Start begins serving and blocks until the listener closes
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
	s.logger.WithField("addr", s.httpServer.Addr).Info("api server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
