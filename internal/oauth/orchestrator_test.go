package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/postflow-hq/postflow/internal/platform"
	"github.com/postflow-hq/postflow/internal/store"
	"github.com/postflow-hq/postflow/internal/tokencipher"
)

func newTestCipher(t *testing.T) *tokencipher.Cipher {
	t.Helper()
	c, err := tokencipher.New("orchestrator-test-secret")
	if err != nil {
		t.Fatalf("tokencipher.New error: %v", err)
	}
	return c
}

func newOrchestrator(t *testing.T, reg *platform.Registry) (*Orchestrator, *store.MemoryStore, *tokencipher.Cipher) {
	t.Helper()
	st := store.NewMemoryStore(0)
	cipher := newTestCipher(t)
	return New(reg, st, cipher, nil), st, cipher
}

func twitterConfig(tokenURL, profileURL string) platform.Config {
	return platform.Config{
		Platform:            platform.Twitter,
		AuthorizationURL:    "https://twitter.example/authorize",
		TokenURL:            tokenURL,
		Scope:               "tweet.read tweet.write",
		ClientID:            "tw-client",
		RedirectURI:         "https://app.example.com/oauth/callback",
		TokenAuthMethod:     platform.AuthMethodBodyParams,
		RequiresPKCE:        true,
		PKCEOnly:            true,
		ProfileURL:          profileURL,
		ProfileUsernamePath: "data.username",
	}
}

func redditConfig(tokenURL string) platform.Config {
	return platform.Config{
		Platform:         platform.Reddit,
		AuthorizationURL: "https://reddit.example/authorize",
		TokenURL:         tokenURL,
		Scope:            "identity submit",
		ClientID:         "rd-client",
		ClientSecret:     "rd-secret",
		RedirectURI:      "https://app.example.com/oauth/callback",
		TokenAuthMethod:  platform.AuthMethodBasicHeader,
	}
}

func TestBeginAuthorizationPKCEPlatform(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(twitterConfig("https://twitter.example/token", ""))
	orch, _, _ := newOrchestrator(t, reg)

	result, err := orch.BeginAuthorization(context.Background(), platform.Twitter, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}

	parsed, err := url.Parse(result.AuthURL)
	if err != nil {
		t.Fatalf("auth URL does not parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("code_challenge") == "" {
		t.Error("auth URL missing code_challenge")
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
	if got := q.Get("state"); got != result.State {
		t.Errorf("state in URL = %q, want %q", got, result.State)
	}
	if got := q.Get("client_id"); got != "tw-client" {
		t.Errorf("client_id = %q", got)
	}
	if q.Get("client_secret") != "" {
		t.Error("auth URL leaks a client secret")
	}
}

func TestBeginAuthorizationNonPKCEPlatform(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, _, _ := newOrchestrator(t, reg)

	result, err := orch.BeginAuthorization(context.Background(), platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	q, err := url.Parse(result.AuthURL)
	if err != nil {
		t.Fatalf("auth URL does not parse: %v", err)
	}
	if q.Query().Get("code_challenge") != "" {
		t.Error("non-PKCE platform got a code_challenge")
	}
}

func TestBeginAuthorizationConfigErrors(t *testing.T) {
	t.Parallel()

	incomplete := redditConfig("https://reddit.example/token")
	incomplete.ClientID = ""
	incomplete.ClientSecret = ""
	reg := platform.NewRegistryFromConfigs(incomplete)
	orch, _, _ := newOrchestrator(t, reg)

	_, err := orch.BeginAuthorization(context.Background(), platform.LinkedIn, "u1", "p1")
	if !errors.Is(err, ErrConfigMissing) {
		t.Errorf("unknown platform error = %v, want ErrConfigMissing", err)
	}

	_, err = orch.BeginAuthorization(context.Background(), platform.Reddit, "u1", "p1")
	if !errors.Is(err, ErrConfigIncomplete) {
		t.Fatalf("incomplete config error = %v, want ErrConfigIncomplete", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %v is not a *ConfigError", err)
	}
	if len(cfgErr.Missing) != 2 {
		t.Errorf("ConfigError.Missing = %v, want both credentials", cfgErr.Missing)
	}
}

func TestHandleCallbackPKCEExchange(t *testing.T) {
	t.Parallel()

	var exchanged url.Values
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm error: %v", err)
		}
		exchanged = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"AT1","refresh_token":"RT1","expires_in":3600,"scope":"tweet.write"}`))
	}))
	defer tokenServer.Close()

	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer AT1" {
			t.Errorf("profile Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"username":"postbird"}}`))
	}))
	defer profileServer.Close()

	reg := platform.NewRegistryFromConfigs(twitterConfig(tokenServer.URL, profileServer.URL))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Twitter, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}

	result, err := orch.HandleCallback(ctx, "auth-code-1", begin.State, platform.Twitter)
	if err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if result.Username != "postbird" {
		t.Errorf("username = %q, want postbird", result.Username)
	}

	// PKCE replaces the client secret for a public client.
	if got := exchanged.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
	if got := exchanged.Get("code"); got != "auth-code-1" {
		t.Errorf("code = %q", got)
	}
	if exchanged.Get("code_verifier") == "" {
		t.Error("exchange missing code_verifier")
	}
	if exchanged.Get("client_secret") != "" {
		t.Error("PKCE-only exchange sent a client_secret")
	}

	// The persisted record holds ciphertext that decrypts to the grant.
	rec, err := st.GetToken(ctx, platform.Twitter, "p1")
	if err != nil {
		t.Fatalf("GetToken error: %v", err)
	}
	if rec.AccessTokenCiphertext == "AT1" {
		t.Fatal("access token stored in plaintext")
	}
	if rec.FormatVersion != store.TokenFormatEncrypted {
		t.Errorf("format version = %d", rec.FormatVersion)
	}
	if got, errDec := cipher.Decrypt(rec.AccessTokenCiphertext); errDec != nil || got != "AT1" {
		t.Errorf("decrypted access token = %q, %v", got, errDec)
	}
	if got, errDec := cipher.Decrypt(rec.RefreshTokenCiphertext); errDec != nil || got != "RT1" {
		t.Errorf("decrypted refresh token = %q, %v", got, errDec)
	}
}

func TestHandleCallbackBasicAuthExchange(t *testing.T) {
	t.Parallel()

	var authHeader string
	var exchanged url.Values
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm error: %v", err)
		}
		exchanged = r.PostForm
		_, _ = w.Write([]byte(`{"access_token":"reddit-at","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	reg := platform.NewRegistryFromConfigs(redditConfig(tokenServer.URL))
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	if _, err = orch.HandleCallback(ctx, "rd-code", begin.State, platform.Reddit); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if !strings.HasPrefix(authHeader, "Basic ") {
		t.Errorf("Authorization header = %q, want Basic credentials", authHeader)
	}
	if exchanged.Get("client_secret") != "" {
		t.Error("basic-auth exchange also sent client_secret in the body")
	}
	if exchanged.Get("client_id") != "" {
		t.Error("basic-auth exchange also sent client_id in the body")
	}
}

func TestHandleCallbackStateReplay(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"AT1","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	reg := platform.NewRegistryFromConfigs(redditConfig(tokenServer.URL))
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	if _, err = orch.HandleCallback(ctx, "code", begin.State, platform.Reddit); err != nil {
		t.Fatalf("first HandleCallback error: %v", err)
	}
	if _, err = orch.HandleCallback(ctx, "code", begin.State, platform.Reddit); !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Errorf("replayed callback error = %v, want ErrInvalidOrExpiredState", err)
	}
}

func TestHandleCallbackForgedState(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, _, _ := newOrchestrator(t, reg)

	_, err := orch.HandleCallback(context.Background(), "code", "deadbeefdeadbeefdeadbeefdeadbeef", platform.Reddit)
	if !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Errorf("forged state error = %v, want ErrInvalidOrExpiredState", err)
	}
}

func TestHandleCallbackPlatformMismatch(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(
		redditConfig("https://reddit.example/token"),
		twitterConfig("https://twitter.example/token", ""),
	)
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	if _, err = orch.HandleCallback(ctx, "code", begin.State, platform.Twitter); !errors.Is(err, ErrPlatformMismatch) {
		t.Errorf("mismatched callback error = %v, want ErrPlatformMismatch", err)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	reg := platform.NewRegistryFromConfigs(redditConfig(tokenServer.URL))
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	_, err = orch.HandleCallback(ctx, "bad-code", begin.State, platform.Reddit)
	if !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("exchange failure error = %v, want ErrTokenExchangeFailed", err)
	}
	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatalf("error %v is not an *ExchangeError", err)
	}
	if !strings.Contains(exchErr.Body, "invalid_grant") {
		t.Errorf("exchange error body = %q, want provider error text", exchErr.Body)
	}
}

func TestHandleCallbackProfileFetchIsBestEffort(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"AT1","expires_in":3600}`))
	}))
	defer tokenServer.Close()
	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer profileServer.Close()

	reg := platform.NewRegistryFromConfigs(twitterConfig(tokenServer.URL, profileServer.URL))
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Twitter, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	result, err := orch.HandleCallback(ctx, "code", begin.State, platform.Twitter)
	if err != nil {
		t.Fatalf("HandleCallback error after profile failure: %v", err)
	}
	if result.Username != "" {
		t.Errorf("username = %q, want empty after failed profile fetch", result.Username)
	}
}

func TestCancelAuthorizationConsumesState(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, _, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	begin, err := orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	if err = orch.CancelAuthorization(ctx, begin.State, platform.Reddit); err != nil {
		t.Fatalf("CancelAuthorization error: %v", err)
	}
	// The cancelled state is gone for good.
	if _, err = orch.HandleCallback(ctx, "code", begin.State, platform.Reddit); !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Errorf("callback after cancel error = %v, want ErrInvalidOrExpiredState", err)
	}

	begin, err = orch.BeginAuthorization(ctx, platform.Reddit, "u1", "p1")
	if err != nil {
		t.Fatalf("BeginAuthorization error: %v", err)
	}
	if err = orch.CancelAuthorization(ctx, begin.State, platform.Twitter); !errors.Is(err, ErrPlatformMismatch) {
		t.Errorf("mismatched cancel error = %v, want ErrPlatformMismatch", err)
	}
}

func TestValidTokenReturnsUnexpiredToken(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	sealed, err := cipher.Encrypt("fresh-token")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if err = st.SaveToken(ctx, &store.TokenRecord{
		Platform:              platform.Reddit,
		ProjectID:             "p1",
		AccessTokenCiphertext: sealed,
		FormatVersion:         store.TokenFormatEncrypted,
		ExpiresAt:             time.Now().Add(time.Hour),
		Scope:                 "identity",
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	token, err := orch.ValidToken(ctx, platform.Reddit, "p1")
	if err != nil {
		t.Fatalf("ValidToken error: %v", err)
	}
	if token.AccessToken != "fresh-token" {
		t.Errorf("access token = %q", token.AccessToken)
	}
}

func TestValidTokenRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var refreshForm url.Values
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm error: %v", err)
		}
		refreshForm = r.PostForm
		_, _ = w.Write([]byte(`{"access_token":"new-at","refresh_token":"new-rt","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	reg := platform.NewRegistryFromConfigs(redditConfig(tokenServer.URL))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	sealedAccess, err := cipher.Encrypt("stale-at")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	sealedRefresh, err := cipher.Encrypt("old-rt")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if err = st.SaveToken(ctx, &store.TokenRecord{
		Platform:               platform.Reddit,
		ProjectID:              "p1",
		AccessTokenCiphertext:  sealedAccess,
		RefreshTokenCiphertext: sealedRefresh,
		FormatVersion:          store.TokenFormatEncrypted,
		ExpiresAt:              time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	token, err := orch.ValidToken(ctx, platform.Reddit, "p1")
	if err != nil {
		t.Fatalf("ValidToken error: %v", err)
	}
	if token.AccessToken != "new-at" {
		t.Errorf("refreshed access token = %q, want new-at", token.AccessToken)
	}
	if got := refreshForm.Get("grant_type"); got != "refresh_token" {
		t.Errorf("refresh grant_type = %q", got)
	}
	if got := refreshForm.Get("refresh_token"); got != "old-rt" {
		t.Errorf("refresh_token sent = %q", got)
	}

	// The stored record was re-encrypted with the fresh grant.
	rec, err := st.GetToken(ctx, platform.Reddit, "p1")
	if err != nil {
		t.Fatalf("GetToken error: %v", err)
	}
	if got, errDec := cipher.Decrypt(rec.AccessTokenCiphertext); errDec != nil || got != "new-at" {
		t.Errorf("persisted refreshed token = %q, %v", got, errDec)
	}
}

func TestValidTokenExpiredWithoutRefresh(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	sealed, err := cipher.Encrypt("stale")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if err = st.SaveToken(ctx, &store.TokenRecord{
		Platform:              platform.Reddit,
		ProjectID:             "p1",
		AccessTokenCiphertext: sealed,
		FormatVersion:         store.TokenFormatEncrypted,
		ExpiresAt:             time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	if _, err = orch.ValidToken(ctx, platform.Reddit, "p1"); !errors.Is(err, ErrTokenExpiredNoRefresh) {
		t.Errorf("ValidToken error = %v, want ErrTokenExpiredNoRefresh", err)
	}
}

func TestValidTokenLegacyPlaintextRecord(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, st, _ := newOrchestrator(t, reg)
	ctx := context.Background()

	// A record written before encryption at rest: plaintext value, legacy
	// format tag.
	if err := st.SaveToken(ctx, &store.TokenRecord{
		Platform:              platform.Reddit,
		ProjectID:             "p1",
		AccessTokenCiphertext: "legacy-plaintext-token",
		FormatVersion:         store.TokenFormatLegacy,
		ExpiresAt:             time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	token, err := orch.ValidToken(ctx, platform.Reddit, "p1")
	if err != nil {
		t.Fatalf("ValidToken error: %v", err)
	}
	if token.AccessToken != "legacy-plaintext-token" {
		t.Errorf("legacy token = %q", token.AccessToken)
	}
}

func TestValidTokenMissingRecord(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, _, _ := newOrchestrator(t, reg)

	if _, err := orch.ValidToken(context.Background(), platform.Reddit, "nope"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Errorf("ValidToken error = %v, want store.ErrTokenNotFound", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	sealed, err := cipher.Encrypt("tok")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if err = st.SaveToken(ctx, &store.TokenRecord{
		Platform:              platform.Reddit,
		ProjectID:             "p1",
		AccessTokenCiphertext: sealed,
		FormatVersion:         store.TokenFormatEncrypted,
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	if err = orch.Disconnect(ctx, platform.Reddit, "p1"); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if err = orch.Disconnect(ctx, platform.Reddit, "p1"); err != nil {
		t.Fatalf("second Disconnect error: %v", err)
	}
}

func TestConnections(t *testing.T) {
	t.Parallel()

	reg := platform.NewRegistryFromConfigs(redditConfig("https://reddit.example/token"))
	orch, st, cipher := newOrchestrator(t, reg)
	ctx := context.Background()

	sealed, err := cipher.Encrypt("tok")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if err = st.SaveToken(ctx, &store.TokenRecord{
		Platform:              platform.Reddit,
		ProjectID:             "p1",
		AccessTokenCiphertext: sealed,
		FormatVersion:         store.TokenFormatEncrypted,
		Username:              "someone",
		Scope:                 "identity",
	}); err != nil {
		t.Fatalf("SaveToken error: %v", err)
	}

	conns, err := orch.Connections(ctx, "p1")
	if err != nil {
		t.Fatalf("Connections error: %v", err)
	}
	if len(conns) != 1 || conns[0].Platform != platform.Reddit || conns[0].Username != "someone" {
		t.Errorf("Connections = %+v", conns)
	}
}
