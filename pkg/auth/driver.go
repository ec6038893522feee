package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// Driver authenticates users against an identity backend. Each driver mounts
// its own routes under /v1/auth/<name>/ and advertises how to log in through
// DiscoverOptions.
type Driver interface {
	Name() string
	DiscoverOptions() map[string]interface{}
	RegisterRoutes(router *mux.Router, guard rbac.Guard)
}

// Issuer mints tokens on behalf of drivers and the scope endpoint. It is the
// single place token lifetimes and role capture happen.
type Issuer struct {
	store   TokenStore
	users   *UserStore
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewIssuer creates a token issuer
func NewIssuer(store TokenStore, users *UserStore, ttl time.Duration, metrics *observability.Metrics) *Issuer {
	return &Issuer{
		store:   store,
		users:   users,
		ttl:     ttl,
		metrics: metrics,
	}
}

// IssueUserToken mints an unscoped token for a user, capturing their current
// global role grants.
func (i *Issuer) IssueUserToken(ctx context.Context, driver string, user *User) (string, *Claims, error) {
	roleIDs, err := i.users.UserGlobalRoleIDs(ctx, user.ID)
	if err != nil {
		return "", nil, err
	}
	claims := &Claims{
		ExpiresAt: time.Now().Add(i.ttl).UTC(),
		UserID:    &user.ID,
		Roles:     RoleSet{Global: roleIDs},
	}
	token, err := i.store.Mint(ctx, claims)
	if err != nil {
		return "", nil, err
	}
	i.metrics.TokensMintedTotal.WithLabelValues(driver, "false").Inc()
	return token, claims, nil
}

// IssueScopedToken mints a project scoped token from an unscoped user
// token's claims. Global roles carry forward; project roles come from the
// user's membership. The original expiry is kept: scoping never extends a
// token's life.
func (i *Issuer) IssueScopedToken(ctx context.Context, driver string, unscoped *Claims, projectID uuid.UUID, projectRoleIDs []uuid.UUID) (string, *Claims, error) {
	claims := &Claims{
		ExpiresAt: unscoped.ExpiresAt,
		UserID:    unscoped.UserID,
		ProjectID: &projectID,
		Roles: RoleSet{
			Global:  unscoped.Roles.Global,
			Project: projectRoleIDs,
		},
	}
	token, err := i.store.Mint(ctx, claims)
	if err != nil {
		return "", nil, err
	}
	i.metrics.TokensMintedTotal.WithLabelValues(driver, "true").Inc()
	return token, claims, nil
}

// IssueServiceAccountToken mints a token for a service account, always
// scoped to the account's project.
func (i *Issuer) IssueServiceAccountToken(ctx context.Context, sa *ServiceAccount) (string, *Claims, error) {
	claims := &Claims{
		ExpiresAt:        time.Now().Add(i.ttl).UTC(),
		ServiceAccountID: &sa.ID,
		ProjectID:        &sa.ProjectID,
		Roles:            RoleSet{Project: []uuid.UUID{sa.RoleID}},
	}
	token, err := i.store.Mint(ctx, claims)
	if err != nil {
		return "", nil, err
	}
	i.metrics.TokensMintedTotal.WithLabelValues("service_account", "true").Inc()
	return token, claims, nil
}
