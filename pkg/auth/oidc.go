package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// DriverOIDC is the OIDC driver's name
const DriverOIDC = "oidc"

// OIDCConfig configures the OIDC driver
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// GroupsClaim names the ID token claim holding group memberships,
	// defaulting to "groups". Each group maps 1:1 to a global role name.
	GroupsClaim string
}

// OIDCDriver authenticates users against any OpenID Connect provider. Group
// claims from the ID token map directly to global role names.
type OIDCDriver struct {
	config   OIDCConfig
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	users    *UserStore
	roles    *rbac.Store
	issuer   *Issuer
	metrics  *observability.Metrics
	logger   *observability.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewOIDCDriver creates the OIDC driver. Provider discovery runs at startup;
// an unreachable issuer is a configuration error.
func NewOIDCDriver(ctx context.Context, config OIDCConfig, users *UserStore, roles *rbac.Store,
	issuer *Issuer, metrics *observability.Metrics, logger *observability.Logger) (*OIDCDriver, error) {
	if config.Issuer == "" || config.ClientID == "" {
		return nil, NewConfigurationError(DriverOIDC, "issuer and client id are required")
	}
	if config.GroupsClaim == "" {
		config.GroupsClaim = "groups"
	}

	provider, err := oidc.NewProvider(ctx, config.Issuer)
	if err != nil {
		return nil, NewConfigurationError(DriverOIDC, "provider discovery failed: %v", err)
	}

	return &OIDCDriver{
		config:   config,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "groups"},
		},
		users:   users,
		roles:   roles,
		issuer:  issuer,
		metrics: metrics,
		logger:  logger.WithField("driver", DriverOIDC),
		states:  make(map[string]time.Time),
	}, nil
}

// Name returns the driver name
func (d *OIDCDriver) Name() string { return DriverOIDC }

// DiscoverOptions describes how to authenticate against this driver
func (d *OIDCDriver) DiscoverOptions() map[string]interface{} {
	return map[string]interface{}{
		"issuer": d.config.Issuer,
		"web": map[string]interface{}{
			"path": "/v1/auth/oidc/web",
		},
		"token": map[string]interface{}{
			"path":   "/v1/auth/oidc/token",
			"fields": []string{"id_token"},
		},
	}
}

// RegisterRoutes mounts the OIDC driver's routes
func (d *OIDCDriver) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.HandleFunc("/v1/auth/oidc/web", d.Web).Methods("GET")
	router.HandleFunc("/v1/auth/oidc/callback", d.Callback).Methods("GET")
	router.HandleFunc("/v1/auth/oidc/token", d.Token).Methods("POST")
}

// Web starts the browser flow
func (d *OIDCDriver) Web(w http.ResponseWriter, r *http.Request) {
	raw := make([]byte, 16)
	rand.Read(raw)
	state := base64.RawURLEncoding.EncodeToString(raw)

	d.mu.Lock()
	d.states[state] = time.Now().Add(10 * time.Minute)
	for s, deadline := range d.states {
		if time.Now().After(deadline) {
			delete(d.states, s)
		}
	}
	d.mu.Unlock()

	httputil.WriteSuccess(w, map[string]string{
		"redirect_url": d.oauth.AuthCodeURL(state),
	})
}

// Callback completes the browser flow
func (d *OIDCDriver) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		httputil.WriteBadRequest(w, "state and code are required")
		return
	}

	d.mu.Lock()
	deadline, ok := d.states[state]
	delete(d.states, state)
	d.mu.Unlock()
	if !ok || time.Now().After(deadline) {
		httputil.WriteBadRequest(w, "unknown or expired state")
		return
	}

	token, err := d.oauth.Exchange(r.Context(), code)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverOIDC, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "code exchange failed: "+err.Error())
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverOIDC, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "provider response is missing an id_token")
		return
	}
	d.finishLogin(w, r, rawIDToken)
}

// Token authenticates with an ID token obtained out of band
func (d *OIDCDriver) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"id_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.IDToken == "" {
		httputil.WriteBadRequest(w, "id_token is required")
		return
	}
	d.finishLogin(w, r, req.IDToken)
}

func (d *OIDCDriver) finishLogin(w http.ResponseWriter, r *http.Request, rawIDToken string) {
	ctx := r.Context()

	idToken, err := d.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverOIDC, "failure").Inc()
		httputil.WriteUnauthorized(w, "invalid id token")
		return
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverOIDC, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "unreadable id token claims")
		return
	}

	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)
	if username == "" {
		username = idToken.Subject
	}

	user, err := d.users.GetOrCreateUser(ctx, username, DriverOIDC, email)
	if err != nil {
		d.logger.WithError(err).Error("failed to create user")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := d.syncRoles(ctx, user, claims); err != nil {
		d.logger.WithError(err).Error("failed to sync roles")
		httputil.WriteInternalError(w, err)
		return
	}

	token, tokenClaims, err := d.issuer.IssueUserToken(ctx, DriverOIDC, user)
	if err != nil {
		d.logger.WithError(err).Error("failed to mint token")
		httputil.WriteInternalError(w, err)
		return
	}
	d.metrics.AuthAttemptsTotal.WithLabelValues(DriverOIDC, "success").Inc()
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":      token,
		"expires_at": tokenClaims.ExpiresAt,
	})
}

func (d *OIDCDriver) syncRoles(ctx context.Context, user *User, claims map[string]interface{}) error {
	groups, _ := claims[d.config.GroupsClaim].([]interface{})
	roleIDs := make([]uuid.UUID, 0, len(groups))
	for _, g := range groups {
		name, ok := g.(string)
		if !ok {
			continue
		}
		role, err := d.roles.GetRoleByName(ctx, name, nil)
		if err != nil {
			continue
		}
		roleIDs = append(roleIDs, role.ID)
	}
	return d.users.SetUserGlobalRoles(ctx, user.ID, roleIDs)
}
