package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/sandwichcloud/deli-counter/pkg/httputil"
	"github.com/sandwichcloud/deli-counter/pkg/observability"
	"github.com/sandwichcloud/deli-counter/pkg/rbac"
)

// DriverGithub is the GitHub driver's name
const DriverGithub = "github"

// otpHeader carries GitHub's two factor challenge in both directions
const otpHeader = "X-GitHub-OTP"

// GithubConfig configures the GitHub driver
type GithubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Org is the GitHub organization users must belong to
	Org string
	// TeamRolePrefix marks org teams that map to roles: a team named
	// <prefix><role> grants the global role <role>
	TeamRolePrefix string
	// TeamRoleMap maps team slugs to role names explicitly, taking
	// precedence over the prefix convention
	TeamRoleMap map[string]string
	// APIBase overrides https://api.github.com, for tests and GitHub
	// Enterprise
	APIBase string
}

// GithubDriver authenticates users against GitHub. Two flows are supported:
// a direct username/password/OTP authorization and a browser OAuth2 flow.
// Either way the org membership check runs with the user's own token, so the
// service never needs org admin credentials.
type GithubDriver struct {
	config  GithubConfig
	oauth   *oauth2.Config
	client  *http.Client
	users   *UserStore
	roles   *rbac.Store
	issuer  *Issuer
	metrics *observability.Metrics
	logger  *observability.Logger

	mu     sync.Mutex
	states map[string]time.Time
}

// NewGithubDriver creates the GitHub driver
func NewGithubDriver(config GithubConfig, users *UserStore, roles *rbac.Store, issuer *Issuer,
	metrics *observability.Metrics, logger *observability.Logger) (*GithubDriver, error) {
	if config.Org == "" {
		return nil, NewConfigurationError(DriverGithub, "organization is required")
	}
	if config.APIBase == "" {
		config.APIBase = "https://api.github.com"
	}
	config.APIBase = strings.TrimRight(config.APIBase, "/")

	var oauthConfig *oauth2.Config
	if config.ClientID != "" {
		oauthConfig = &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"read:org"},
			Endpoint:     githuboauth.Endpoint,
		}
	}

	return &GithubDriver{
		config:  config,
		oauth:   oauthConfig,
		client:  &http.Client{Timeout: 15 * time.Second},
		users:   users,
		roles:   roles,
		issuer:  issuer,
		metrics: metrics,
		logger:  logger.WithField("driver", DriverGithub),
		states:  make(map[string]time.Time),
	}, nil
}

// Name returns the driver name
func (d *GithubDriver) Name() string { return DriverGithub }

// DiscoverOptions describes how to authenticate against this driver
func (d *GithubDriver) DiscoverOptions() map[string]interface{} {
	options := map[string]interface{}{
		"authorization": map[string]interface{}{
			"path":   "/v1/auth/github/authorization",
			"fields": []string{"username", "password", "otp_code"},
		},
	}
	if d.oauth != nil {
		options["web"] = map[string]interface{}{
			"path": "/v1/auth/github/web",
		}
		options["token"] = map[string]interface{}{
			"path":   "/v1/auth/github/token",
			"fields": []string{"code"},
		}
	}
	return options
}

// RegisterRoutes mounts the GitHub driver's routes
func (d *GithubDriver) RegisterRoutes(router *mux.Router, guard rbac.Guard) {
	router.HandleFunc("/v1/auth/github/authorization", d.Authorization).Methods("POST")
	if d.oauth != nil {
		router.HandleFunc("/v1/auth/github/web", d.Web).Methods("GET")
		router.HandleFunc("/v1/auth/github/callback", d.Callback).Methods("GET")
		router.HandleFunc("/v1/auth/github/token", d.Token).Methods("POST")
	}
}

// Authorization exchanges GitHub credentials for a token using the
// authorizations API. A 2FA challenge from GitHub surfaces as a 401 with
// X-GitHub-OTP: 2fa; bad credentials surface as 404 so the endpoint does not
// confirm account existence.
func (d *GithubDriver) Authorization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		OTPCode  string `json:"otp_code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	body, _ := json.Marshal(map[string]interface{}{
		"scopes": []string{"read:org"},
		"note":   fmt.Sprintf("deli-counter %d", time.Now().UnixNano()),
	})
	authReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		d.config.APIBase+"/authorizations", bytes.NewReader(body))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	authReq.SetBasicAuth(req.Username, req.Password)
	authReq.Header.Set("Content-Type", "application/json")
	if req.OTPCode != "" {
		authReq.Header.Set(otpHeader, req.OTPCode)
	}

	resp, err := d.client.Do(authReq)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "github is unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && resp.Header.Get(otpHeader) != "":
		w.Header().Set(otpHeader, "2fa")
		httputil.WriteUnauthorized(w, "a two factor code is required")
		return
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "failure").Inc()
		httputil.WriteNotFound(w, "invalid credentials")
		return
	case resp.StatusCode != http.StatusCreated:
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		httputil.WriteFailedDependency(w,
			fmt.Sprintf("github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
		return
	}

	var authResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil || authResp.Token == "" {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "github returned an unreadable authorization")
		return
	}

	d.finishLogin(w, r, authResp.Token)
}

// Web starts the browser OAuth2 flow
func (d *GithubDriver) Web(w http.ResponseWriter, r *http.Request) {
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

// Callback completes the browser OAuth2 flow
func (d *GithubDriver) Callback(w http.ResponseWriter, r *http.Request) {
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
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "github code exchange failed: "+err.Error())
		return
	}
	d.finishLogin(w, r, token.AccessToken)
}

// Token exchanges an OAuth web-flow authorization code obtained out of band,
// for clients that run the browser flow themselves. A code GitHub rejects is
// a 404; a failure reaching GitHub is a 424.
func (d *GithubDriver) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.WriteBadRequest(w, "code is required")
		return
	}

	token, err := d.oauth.Exchange(r.Context(), req.Code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) &&
			(retrieveErr.ErrorCode != "" || retrieveErr.Response.StatusCode < http.StatusInternalServerError) {
			d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "failure").Inc()
			httputil.WriteNotFound(w, "unknown or expired code")
			return
		}
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, "github code exchange failed: "+err.Error())
		return
	}
	d.finishLogin(w, r, token.AccessToken)
}

// finishLogin runs the shared second half of every flow: identify the user,
// verify org membership with the user's own token, map teams to roles, and
// mint a token.
func (d *GithubDriver) finishLogin(w http.ResponseWriter, r *http.Request, accessToken string) {
	ctx := r.Context()

	login, email, err := d.fetchUser(ctx, accessToken)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, err.Error())
		return
	}

	member, err := d.checkOrgMembership(ctx, accessToken, login)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, err.Error())
		return
	}
	if !member {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "denied").Inc()
		httputil.WriteForbidden(w, "you are not a member of the "+d.config.Org+" organization")
		return
	}

	roleNames, err := d.teamRoles(ctx, accessToken)
	if err != nil {
		d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "upstream_error").Inc()
		httputil.WriteFailedDependency(w, err.Error())
		return
	}

	user, err := d.users.GetOrCreateUser(ctx, login, DriverGithub, email)
	if err != nil {
		d.logger.WithError(err).Error("failed to create user")
		httputil.WriteInternalError(w, err)
		return
	}

	if err := d.syncRoles(ctx, user, roleNames); err != nil {
		d.logger.WithError(err).Error("failed to sync roles")
		httputil.WriteInternalError(w, err)
		return
	}

	token, claims, err := d.issuer.IssueUserToken(ctx, DriverGithub, user)
	if err != nil {
		d.logger.WithError(err).Error("failed to mint token")
		httputil.WriteInternalError(w, err)
		return
	}
	d.metrics.AuthAttemptsTotal.WithLabelValues(DriverGithub, "success").Inc()
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":      token,
		"expires_at": claims.ExpiresAt,
	})
}

func (d *GithubDriver) apiGet(ctx context.Context, accessToken, path string, dest interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.config.APIBase+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "token "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("github is unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return resp.StatusCode, fmt.Errorf("github returned unreadable JSON for %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (d *GithubDriver) fetchUser(ctx context.Context, accessToken string) (login, email string, err error) {
	var user struct {
		Login string `json:"login"`
		Email string `json:"email"`
	}
	status, err := d.apiGet(ctx, accessToken, "/user", &user)
	if err != nil {
		return "", "", err
	}
	if status != http.StatusOK || user.Login == "" {
		return "", "", fmt.Errorf("github returned %d for the user profile", status)
	}
	return user.Login, user.Email, nil
}

func (d *GithubDriver) checkOrgMembership(ctx context.Context, accessToken, login string) (bool, error) {
	var membership struct {
		State string `json:"state"`
	}
	status, err := d.apiGet(ctx, accessToken,
		"/user/memberships/orgs/"+d.config.Org, &membership)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return membership.State == "active", nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("github returned %d for the org membership check", status)
	}
}

// teamRoles maps the user's teams in the configured org to role names. The
// explicit TeamRoleMap wins over the prefix convention.
func (d *GithubDriver) teamRoles(ctx context.Context, accessToken string) ([]string, error) {
	var teams []struct {
		Slug         string `json:"slug"`
		Organization struct {
			Login string `json:"login"`
		} `json:"organization"`
	}
	status, err := d.apiGet(ctx, accessToken, "/user/teams?per_page=100", &teams)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("github returned %d for the team listing", status)
	}

	seen := make(map[string]bool)
	var roleNames []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			roleNames = append(roleNames, name)
		}
	}
	for _, team := range teams {
		if !strings.EqualFold(team.Organization.Login, d.config.Org) {
			continue
		}
		if mapped, ok := d.config.TeamRoleMap[team.Slug]; ok {
			add(mapped)
			continue
		}
		if d.config.TeamRolePrefix != "" && strings.HasPrefix(team.Slug, d.config.TeamRolePrefix) {
			add(strings.TrimPrefix(team.Slug, d.config.TeamRolePrefix))
		}
	}
	return roleNames, nil
}

// syncRoles replaces the user's global role grants with the roles their
// current team memberships map to. Unknown role names are skipped with a
// warning rather than failing the login.
func (d *GithubDriver) syncRoles(ctx context.Context, user *User, roleNames []string) error {
	roleIDs := make([]uuid.UUID, 0, len(roleNames))
	for _, name := range roleNames {
		role, err := d.roles.GetRoleByName(ctx, name, nil)
		if err != nil {
			d.logger.WithField("role", name).Warn("github team maps to an unknown role, skipping")
			continue
		}
		roleIDs = append(roleIDs, role.ID)
	}
	return d.users.SetUserGlobalRoles(ctx, user.ID, roleIDs)
}
