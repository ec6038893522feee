// Package api assembles the HTTP server: it wires the stores, auth manager,
// drivers, and handlers together, builds the shared middleware chain, and
// owns the listener lifecycle.
//
// The policy guard lives here. Every package exposes routes through a guard
// closure so that authentication and policy enforcement are composed in one
// place:
//
//	guard("roles:create", handler) == Authenticate(EnforcePolicy("roles:create", handler))
//
// An empty policy name authenticates without enforcing a grant. Resource
// routes that need project scoping or resource loading compose the chain
// themselves in their own package.
package api
