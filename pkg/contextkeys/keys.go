// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: all authenticated endpoints, policy enforcement
	IdentityKey Key = "identity"

	// ResourceKey contains the entity loaded by middleware.ResourceObject
	// Set by: middleware.ResourceObject (pkg/middleware/auth.go)
	// Required by: handlers behind a resource-loading route and policy targets
	ResourceKey Key = "resource_object"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: api.Server request middleware
	// Used by: logger, tracing
	RequestIDKey Key = "request_id"

	// PrincipalKey contains a *Principal holder
	// Set by: audit.Middleware before authentication runs
	// Filled by: middleware.Authenticator once the identity is resolved
	PrincipalKey Key = "principal"
)

// Principal is a mutable holder for the authenticated principal. Middleware
// that runs outside the authentication chain (audit recording) installs it
// empty; the authenticator fills it in, since context values written inside
// the chain are invisible to outer wrappers.
type Principal struct {
	UserID           string
	ServiceAccountID string
	ProjectID        string
	Driver           string
}

// WithPrincipalHolder installs an empty principal holder
func WithPrincipalHolder(ctx context.Context) (context.Context, *Principal) {
	principal := &Principal{}
	return context.WithValue(ctx, PrincipalKey, principal), principal
}

// PrincipalHolder retrieves the principal holder, if installed
func PrincipalHolder(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(PrincipalKey).(*Principal)
	return principal, ok
}

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithResource adds the loaded resource object to the context
func WithResource(ctx context.Context, resource interface{}) context.Context {
	return context.WithValue(ctx, ResourceKey, resource)
}

// WithRequestID adds the request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
