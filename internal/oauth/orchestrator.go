// Package oauth implements the authorization orchestration for connecting
// third-party publishing platforms. It composes the PKCE generator, the
// platform configuration registry, the state store, and the token cipher into
// three operations: begin an authorization, handle the provider callback, and
// hand out a valid (possibly refreshed) access token.
package oauth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/postflow-hq/postflow/internal/oauth/pkce"
	"github.com/postflow-hq/postflow/internal/platform"
	"github.com/postflow-hq/postflow/internal/store"
	"github.com/postflow-hq/postflow/internal/tokencipher"
)

// Orchestrator drives the OAuth authorization flow for every supported
// platform. It holds no per-flow state of its own; everything that must
// survive the redirect round trip lives in the state store.
type Orchestrator struct {
	registry   *platform.Registry
	store      store.Store
	cipher     *tokencipher.Cipher
	httpClient *http.Client
}

// New creates an orchestrator. A nil httpClient falls back to a client with a
// 30-second timeout; the token exchange and profile fetch are the only
// outbound calls and both honor the request context.
func New(registry *platform.Registry, st store.Store, cipher *tokencipher.Cipher, httpClient *http.Client) *Orchestrator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Orchestrator{
		registry:   registry,
		store:      st,
		cipher:     cipher,
		httpClient: httpClient,
	}
}

// BeginResult is returned by BeginAuthorization.
type BeginResult struct {
	AuthURL string
	State   string
}

// BeginAuthorization starts an authorization flow: it validates the platform
// configuration, generates a PKCE pair when the platform requires one,
// persists a single-use state record, and builds the provider authorization
// URL for the browser redirect.
func (o *Orchestrator) BeginAuthorization(ctx context.Context, p platform.Platform, userID, projectID string) (*BeginResult, error) {
	cfg := o.registry.Get(p)
	if cfg == nil {
		return nil, ErrConfigMissing
	}
	if v := o.registry.Validate(cfg); !v.Valid {
		return nil, &ConfigError{Platform: p, Missing: v.Missing}
	}

	var pair *pkce.Pair
	if cfg.RequiresPKCE {
		var err error
		if pair, err = pkce.GeneratePair(); err != nil {
			return nil, err
		}
	}

	verifier := ""
	if pair != nil {
		verifier = pair.Verifier
	}
	state, err := o.store.CreateState(ctx, userID, projectID, p, verifier)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {cfg.ClientID},
		"redirect_uri":  {cfg.RedirectURI},
		"scope":         {cfg.Scope},
		"state":         {state},
	}
	if pair != nil {
		params.Set("code_challenge", pair.Challenge)
		params.Set("code_challenge_method", pair.Method)
	}

	log.Debugf("oauth: begin authorization platform=%s project=%s pkce=%v", p, projectID, pair != nil)
	return &BeginResult{
		AuthURL: fmt.Sprintf("%s?%s", cfg.AuthorizationURL, params.Encode()),
		State:   state,
	}, nil
}

// CallbackResult is returned by HandleCallback.
type CallbackResult struct {
	Platform platform.Platform
	Username string
}

// HandleCallback completes an authorization flow. It consumes the state
// record (which also rejects replays and forged states), verifies the
// platform matches, exchanges the authorization code for tokens using the
// method the platform's configuration dictates, captures the display username
// best-effort, and persists the encrypted token record.
func (o *Orchestrator) HandleCallback(ctx context.Context, code, stateToken string, p platform.Platform) (*CallbackResult, error) {
	state, err := o.store.ConsumeState(ctx, stateToken)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			return nil, ErrInvalidOrExpiredState
		}
		return nil, err
	}
	if state.Platform != p {
		return nil, ErrPlatformMismatch
	}

	cfg := o.registry.Get(p)
	if cfg == nil {
		return nil, ErrConfigMissing
	}

	grant, err := o.exchangeAuthorizationCode(ctx, cfg, code, state.PKCEVerifier)
	if err != nil {
		return nil, err
	}

	username := o.fetchUsername(ctx, cfg, grant.accessToken)

	rec, err := o.sealRecord(p, state.ProjectID, grant, username)
	if err != nil {
		return nil, err
	}
	if err = o.store.SaveToken(ctx, rec); err != nil {
		return nil, err
	}

	log.Infof("oauth: connected platform=%s project=%s", p, state.ProjectID)
	return &CallbackResult{Platform: p, Username: username}, nil
}

// CancelAuthorization consumes the state record of a flow the provider
// reported as denied or failed, so the state cannot be replayed later. The
// state must still be valid; a forged cancellation is rejected the same way a
// forged callback is.
func (o *Orchestrator) CancelAuthorization(ctx context.Context, stateToken string, p platform.Platform) error {
	state, err := o.store.ConsumeState(ctx, stateToken)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			return ErrInvalidOrExpiredState
		}
		return err
	}
	if state.Platform != p {
		return ErrPlatformMismatch
	}
	log.Infof("oauth: authorization cancelled platform=%s project=%s", p, state.ProjectID)
	return nil
}

// Token is the decrypted credential view handed to callers.
type Token struct {
	Platform     platform.Platform
	ProjectID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// ValidToken returns the decrypted access token for a connection, refreshing
// it first when it is past its expiry and a refresh token exists. A refresh
// failure is surfaced immediately; nothing here retries.
func (o *Orchestrator) ValidToken(ctx context.Context, p platform.Platform, projectID string) (*Token, error) {
	rec, err := o.store.GetToken(ctx, p, projectID)
	if err != nil {
		return nil, err
	}

	accessToken, err := o.openCredential(rec.AccessTokenCiphertext, rec.FormatVersion)
	if err != nil {
		return nil, err
	}
	refreshToken := ""
	if rec.RefreshTokenCiphertext != "" {
		if refreshToken, err = o.openCredential(rec.RefreshTokenCiphertext, rec.FormatVersion); err != nil {
			return nil, err
		}
	}

	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		if refreshToken == "" {
			return nil, ErrTokenExpiredNoRefresh
		}
		return o.refresh(ctx, p, projectID, rec, refreshToken)
	}

	return &Token{
		Platform:     p,
		ProjectID:    projectID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    rec.ExpiresAt,
		Scope:        rec.Scope,
	}, nil
}

// Disconnect removes the stored connection. Absence is not an error.
func (o *Orchestrator) Disconnect(ctx context.Context, p platform.Platform, projectID string) error {
	return o.store.DeleteToken(ctx, p, projectID)
}

// Connection describes a connected platform without exposing token material.
type Connection struct {
	Platform  platform.Platform
	Username  string
	Scope     string
	ExpiresAt time.Time
}

// Connections lists the platforms connected to a project.
func (o *Orchestrator) Connections(ctx context.Context, projectID string) ([]Connection, error) {
	records, err := o.store.ListTokens(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(records))
	for _, rec := range records {
		out = append(out, Connection{
			Platform:  rec.Platform,
			Username:  rec.Username,
			Scope:     rec.Scope,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return out, nil
}

// grantResponse is the normalized result of a token endpoint call.
type grantResponse struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	scope        string
}

// exchangeAuthorizationCode trades an authorization code for tokens using the
// authentication method the platform's configuration dictates.
func (o *Orchestrator) exchangeAuthorizationCode(ctx context.Context, cfg *platform.Config, code, pkceVerifier string) (*grantResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {cfg.RedirectURI},
	}

	var basicAuth bool
	switch cfg.TokenAuthMethod {
	case platform.AuthMethodBasicHeader:
		basicAuth = true
	case platform.AuthMethodBodyParams:
		form.Set("client_id", cfg.ClientID)
		if pkceVerifier != "" {
			// PKCE replaces the client secret for public clients.
			form.Set("code_verifier", pkceVerifier)
			if !cfg.PKCEOnly {
				form.Set("client_secret", cfg.ClientSecret)
			}
		} else {
			form.Set("client_secret", cfg.ClientSecret)
		}
	}

	return o.postTokenEndpoint(ctx, cfg, form, basicAuth)
}

// refresh performs a refresh-token exchange and persists the re-encrypted
// record before returning the fresh token.
func (o *Orchestrator) refresh(ctx context.Context, p platform.Platform, projectID string, rec *store.TokenRecord, refreshToken string) (*Token, error) {
	cfg := o.registry.Get(p)
	if cfg == nil {
		return nil, ErrConfigMissing
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	var basicAuth bool
	switch cfg.TokenAuthMethod {
	case platform.AuthMethodBasicHeader:
		basicAuth = true
	case platform.AuthMethodBodyParams:
		form.Set("client_id", cfg.ClientID)
		if !cfg.PKCEOnly {
			form.Set("client_secret", cfg.ClientSecret)
		}
	}

	grant, err := o.postTokenEndpoint(ctx, cfg, form, basicAuth)
	if err != nil {
		return nil, err
	}
	// Providers may rotate the refresh token or omit it; keep the old one
	// when the response carries none.
	if grant.refreshToken == "" {
		grant.refreshToken = refreshToken
	}
	if grant.scope == "" {
		grant.scope = rec.Scope
	}

	updated, err := o.sealRecord(p, projectID, grant, rec.Username)
	if err != nil {
		return nil, err
	}
	updated.CreatedAt = rec.CreatedAt
	if err = o.store.SaveToken(ctx, updated); err != nil {
		return nil, err
	}

	log.Infof("oauth: refreshed token platform=%s project=%s", p, projectID)
	return &Token{
		Platform:     p,
		ProjectID:    projectID,
		AccessToken:  grant.accessToken,
		RefreshToken: grant.refreshToken,
		ExpiresAt:    grant.expiresAt,
		Scope:        grant.scope,
	}, nil
}

// postTokenEndpoint performs the form POST against the platform's token
// endpoint and normalizes the response.
func (o *Orchestrator) postTokenEndpoint(ctx context.Context, cfg *platform.Config, form url.Values, basicAuth bool) (*grantResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicAuth {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.ClientID + ":" + cfg.ClientSecret))
		req.Header.Set("Authorization", "Basic "+credentials)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: %s token request: %w", cfg.Platform, err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("oauth: failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{
			Platform:   cfg.Platform,
			Endpoint:   cfg.TokenURL,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	accessToken := gjson.GetBytes(body, "access_token").String()
	if accessToken == "" {
		return nil, &ExchangeError{
			Platform:   cfg.Platform,
			Endpoint:   cfg.TokenURL,
			StatusCode: resp.StatusCode,
			Body:       "response missing access_token",
		}
	}

	grant := &grantResponse{
		accessToken:  accessToken,
		refreshToken: gjson.GetBytes(body, "refresh_token").String(),
		scope:        gjson.GetBytes(body, "scope").String(),
	}
	if expiresIn := gjson.GetBytes(body, "expires_in").Int(); expiresIn > 0 {
		grant.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return grant, nil
}

// fetchUsername asks the provider's "who am I" endpoint for a display
// username. The fetch is best-effort: any failure is logged and the flow
// continues without a username.
func (o *Orchestrator) fetchUsername(ctx context.Context, cfg *platform.Config, accessToken string) string {
	if cfg.ProfileURL == "" {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ProfileURL, nil)
	if err != nil {
		log.Debugf("oauth: %s profile request: %v", cfg.Platform, err)
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		log.Debugf("oauth: %s profile fetch: %v", cfg.Platform, err)
		return ""
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Debugf("oauth: %s profile fetch status=%d err=%v", cfg.Platform, resp.StatusCode, err)
		return ""
	}
	return gjson.GetBytes(body, cfg.ProfileUsernamePath).String()
}

// sealRecord encrypts a grant into a persistable token record.
func (o *Orchestrator) sealRecord(p platform.Platform, projectID string, grant *grantResponse, username string) (*store.TokenRecord, error) {
	accessCiphertext, err := o.cipher.Encrypt(grant.accessToken)
	if err != nil {
		return nil, err
	}
	refreshCiphertext := ""
	if grant.refreshToken != "" {
		if refreshCiphertext, err = o.cipher.Encrypt(grant.refreshToken); err != nil {
			return nil, err
		}
	}
	return &store.TokenRecord{
		Platform:               p,
		ProjectID:              projectID,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		FormatVersion:          store.TokenFormatEncrypted,
		ExpiresAt:              grant.expiresAt,
		Scope:                  grant.scope,
		Username:               username,
	}, nil
}

// openCredential decrypts a stored credential according to its record's
// format version. Legacy records predate encryption at rest and hold
// plaintext; the version tag replaces the old "looks like base64" heuristic,
// with tokencipher.IsEnvelope consulted only for untagged values so a legacy
// row is never fed to the cipher. The legacy path is a migration aid and
// scheduled for removal once all records are rewritten.
func (o *Orchestrator) openCredential(value string, formatVersion int) (string, error) {
	if formatVersion >= store.TokenFormatEncrypted {
		return o.cipher.Decrypt(value)
	}
	if tokencipher.IsEnvelope(value) {
		if plaintext, err := o.cipher.Decrypt(value); err == nil {
			return plaintext, nil
		}
	}
	return value, nil
}
