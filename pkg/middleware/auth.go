// Package middleware provides the request authentication and policy
// enforcement chain. Handlers compose the pieces explicitly: authenticate,
// optionally require a project scope, optionally load a target resource,
// then enforce a named policy.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sandwichcloud/deli-counter/pkg/auth"
	"github.com/sandwichcloud/deli-counter/pkg/contextkeys"
	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/projects"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// Resource is a loaded target object plus its policy target attributes
type Resource struct {
	Object interface{}
	Target map[string]string
}

// ResourceFromContext retrieves the resource loaded by a ResourceLoader
func ResourceFromContext(ctx context.Context) (*Resource, bool) {
	resource, ok := ctx.Value(contextkeys.ResourceKey).(*Resource)
	return resource, ok
}

// ResourceLoader fetches the resource a request targets. Return
// ErrResourceNotFound for unknown ids and for resources the request's
// project scope must not see.
type ResourceLoader func(ctx context.Context, r *http.Request) (*Resource, error)

// ErrResourceNotFound is returned by resource loaders for missing targets
var ErrResourceNotFound = errors.New("resource not found")

// Authenticator verifies bearer tokens and attaches the resolved identity
// to the request context.
type Authenticator struct {
	manager  *auth.Manager
	users    *auth.UserStore
	roles    *rbac.Store
	projects *projects.Store
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(manager *auth.Manager, users *auth.UserStore, roles *rbac.Store,
	projectStore *projects.Store, metrics *observability.Metrics, logger *observability.Logger) *Authenticator {
	return &Authenticator{
		manager:  manager,
		users:    users,
		roles:    roles,
		projects: projectStore,
		metrics:  metrics,
		logger:   logger,
	}
}

// Authenticate verifies the Authorization header and builds the Identity. A
// missing or malformed header is a 400; a token that fails verification, or
// whose principal or project no longer exists, is a 401.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteBadRequest(w, "an authorization header is required")
			return
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			httputil.WriteBadRequest(w, "the authorization header must be a bearer token")
			return
		}

		claims, err := a.manager.TokenStore().Verify(r.Context(), token)
		if errors.Is(err, auth.ErrInvalidToken) {
			a.metrics.TokenVerifyTotal.WithLabelValues("invalid").Inc()
			httputil.WriteUnauthorized(w, auth.ErrInvalidToken.Error())
			return
		}
		if err != nil {
			a.metrics.TokenVerifyTotal.WithLabelValues("error").Inc()
			a.logger.WithError(err).Error("token verification failed")
			httputil.WriteInternalError(w, err)
			return
		}

		identity, err := a.buildIdentity(r.Context(), claims, token)
		if errors.Is(err, auth.ErrInvalidToken) {
			a.metrics.TokenVerifyTotal.WithLabelValues("stale").Inc()
			httputil.WriteUnauthorized(w, auth.ErrInvalidToken.Error())
			return
		}
		if err != nil {
			a.logger.WithError(err).Error("failed to resolve identity")
			httputil.WriteInternalError(w, err)
			return
		}

		a.metrics.TokenVerifyTotal.WithLabelValues("success").Inc()
		if principal, ok := contextkeys.PrincipalHolder(r.Context()); ok {
			fillPrincipal(principal, identity)
		}
		ctx := contextkeys.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// buildIdentity resolves claims to a live principal. Tokens whose user,
// service account, or project has been deleted are treated as invalid: the
// encrypted backend has no row to cascade away, so the check happens here.
func (a *Authenticator) buildIdentity(ctx context.Context, claims *auth.Claims, token string) (*auth.Identity, error) {
	identity := &auth.Identity{Claims: *claims, Token: token}

	switch {
	case claims.UserID != nil:
		user, err := a.users.GetUser(ctx, *claims.UserID)
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		if err != nil {
			return nil, err
		}
		identity.Driver = user.Driver
	case claims.ServiceAccountID != nil:
		sa, err := a.users.GetServiceAccount(ctx, *claims.ServiceAccountID)
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		if err != nil {
			return nil, err
		}
		identity.Driver = "service_account"
		if claims.ProjectID == nil || *claims.ProjectID != sa.ProjectID {
			return nil, auth.ErrInvalidToken
		}
	default:
		return nil, auth.ErrInvalidToken
	}

	if claims.ProjectID != nil {
		if _, err := a.projects.GetProject(ctx, *claims.ProjectID); err != nil {
			if errors.Is(err, projects.ErrNotFound) {
				return nil, auth.ErrInvalidToken
			}
			return nil, err
		}
	}

	var err error
	identity.GlobalRoles, err = a.roles.RoleNamesByIDs(ctx, claims.Roles.Global)
	if err != nil {
		return nil, err
	}
	if claims.ProjectID != nil {
		identity.ProjectRoles, err = a.roles.RoleNamesByIDs(ctx, claims.Roles.Project)
		if err != nil {
			return nil, err
		}
	}
	return identity, nil
}

// fillPrincipal copies the identity into a holder installed by middleware
// that runs outside the authentication chain
func fillPrincipal(principal *contextkeys.Principal, identity *auth.Identity) {
	principal.Driver = identity.Driver
	if identity.Claims.UserID != nil {
		principal.UserID = identity.Claims.UserID.String()
	}
	if identity.Claims.ServiceAccountID != nil {
		principal.ServiceAccountID = identity.Claims.ServiceAccountID.String()
	}
	if identity.Claims.ProjectID != nil {
		principal.ProjectID = identity.Claims.ProjectID.String()
	}
}

// RequireProjectScope rejects requests whose token is not project scoped
func RequireProjectScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok || !identity.Claims.Scoped() {
			httputil.WriteForbidden(w, "a project scoped token is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoadResource runs a ResourceLoader and attaches the result to the request
// context. An unknown id, including one belonging to another project, is a
// plain 404.
func LoadResource(loader ResourceLoader, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resource, err := loader(r.Context(), r)
		if errors.Is(err, ErrResourceNotFound) {
			httputil.WriteNotFound(w, "resource not found")
			return
		}
		if err != nil {
			logger.WithError(err).Error("failed to load resource")
			httputil.WriteInternalError(w, err)
			return
		}
		ctx := contextkeys.WithResource(r.Context(), resource)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// EnforcePolicy evaluates the named policy for the authenticated identity.
// An empty policy name means authentication only. The policy target is the
// loaded resource's attributes when a ResourceLoader ran, otherwise the
// identity's own attributes.
func EnforcePolicy(manager *auth.Manager, policy string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if policy == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		creds := CredentialsFor(identity)
		target := map[string]string{
			"user_id":            creds.UserID,
			"service_account_id": creds.ServiceAccountID,
			"project_id":         creds.ProjectID,
		}
		if resource, ok := ResourceFromContext(r.Context()); ok && resource.Target != nil {
			target = resource.Target
		}

		if !manager.Enforce(policy, target, creds) {
			httputil.WriteForbidden(w, "you do not have permission to perform this action")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CredentialsFor converts an identity into policy evaluation credentials
func CredentialsFor(identity *auth.Identity) rbac.Credentials {
	creds := rbac.Credentials{Roles: identity.RoleNames()}
	if identity.Claims.UserID != nil {
		creds.UserID = identity.Claims.UserID.String()
	}
	if identity.Claims.ServiceAccountID != nil {
		creds.ServiceAccountID = identity.Claims.ServiceAccountID.String()
	}
	if identity.Claims.ProjectID != nil {
		creds.ProjectID = identity.Claims.ProjectID.String()
	}
	return creds
}
