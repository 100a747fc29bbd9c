package platform

import (
	"strings"
)

// Credentials carries the operator-supplied OAuth client material for one
// platform. RedirectURI is optional; when empty the registry falls back to the
// shared callback URL derived from the frontend base URL.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// baseConfig holds the compiled-in protocol parameters for each platform.
// Client credentials and redirect URIs are merged in by the registry.
var baseConfigs = map[Platform]Config{
	Twitter: {
		Platform:            Twitter,
		AuthorizationURL:    "https://twitter.com/i/oauth2/authorize",
		TokenURL:            "https://api.twitter.com/2/oauth2/token",
		Scope:               "tweet.read tweet.write users.read offline.access",
		TokenAuthMethod:     AuthMethodBodyParams,
		RequiresPKCE:        true,
		PKCEOnly:            true,
		ProfileURL:          "https://api.twitter.com/2/users/me",
		ProfileUsernamePath: "data.username",
	},
	Reddit: {
		Platform:            Reddit,
		AuthorizationURL:    "https://www.reddit.com/api/v1/authorize",
		TokenURL:            "https://www.reddit.com/api/v1/access_token",
		Scope:               "identity submit",
		TokenAuthMethod:     AuthMethodBasicHeader,
		ProfileURL:          "https://oauth.reddit.com/api/v1/me",
		ProfileUsernamePath: "name",
	},
	LinkedIn: {
		Platform:            LinkedIn,
		AuthorizationURL:    "https://www.linkedin.com/oauth/v2/authorization",
		TokenURL:            "https://www.linkedin.com/oauth/v2/accessToken",
		Scope:               "openid profile w_member_social",
		TokenAuthMethod:     AuthMethodBodyParams,
		ProfileURL:          "https://api.linkedin.com/v2/userinfo",
		ProfileUsernamePath: "name",
	},
	Facebook: {
		Platform:            Facebook,
		AuthorizationURL:    "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:            "https://graph.facebook.com/v19.0/oauth/access_token",
		Scope:               "pages_manage_posts pages_read_engagement",
		TokenAuthMethod:     AuthMethodBodyParams,
		ProfileURL:          "https://graph.facebook.com/me?fields=name",
		ProfileUsernamePath: "name",
	},
	Instagram: {
		Platform:            Instagram,
		AuthorizationURL:    "https://api.instagram.com/oauth/authorize",
		TokenURL:            "https://api.instagram.com/oauth/access_token",
		Scope:               "user_profile,user_media",
		TokenAuthMethod:     AuthMethodBodyParams,
		ProfileURL:          "https://graph.instagram.com/me?fields=username",
		ProfileUsernamePath: "username",
	},
	Threads: {
		Platform:            Threads,
		AuthorizationURL:    "https://threads.net/oauth/authorize",
		TokenURL:            "https://graph.threads.net/oauth/access_token",
		Scope:               "threads_basic,threads_content_publish",
		TokenAuthMethod:     AuthMethodBodyParams,
		ProfileURL:          "https://graph.threads.net/v1.0/me?fields=username",
		ProfileUsernamePath: "username",
	},
	TikTok: {
		Platform:            TikTok,
		AuthorizationURL:    "https://www.tiktok.com/v2/auth/authorize/",
		TokenURL:            "https://open.tiktokapis.com/v2/oauth/token/",
		Scope:               "user.info.basic,video.publish",
		TokenAuthMethod:     AuthMethodBodyParams,
		RequiresPKCE:        true,
		ProfileURL:          "https://open.tiktokapis.com/v2/user/info/",
		ProfileUsernamePath: "data.user.display_name",
	},
	YouTube: {
		Platform:            YouTube,
		AuthorizationURL:    "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:            "https://oauth2.googleapis.com/token",
		Scope:               "https://www.googleapis.com/auth/youtube.upload",
		TokenAuthMethod:     AuthMethodBodyParams,
		ProfileURL:          "https://www.googleapis.com/oauth2/v2/userinfo",
		ProfileUsernamePath: "name",
	},
}

// Registry resolves per-platform OAuth configuration. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	configs map[Platform]*Config
}

// NewRegistry builds a registry by merging operator credentials into the
// compiled-in platform table. Platforms without a redirect URI override fall
// back to frontendURL + "/oauth/callback"; some providers reject shared
// multi-purpose callback URLs, which is why the override exists at all.
func NewRegistry(frontendURL string, creds map[Platform]Credentials) *Registry {
	defaultRedirect := strings.TrimRight(strings.TrimSpace(frontendURL), "/") + "/oauth/callback"

	configs := make(map[Platform]*Config, len(baseConfigs))
	for _, p := range All() {
		cfg := baseConfigs[p]
		c := creds[p]
		cfg.ClientID = strings.TrimSpace(c.ClientID)
		cfg.ClientSecret = strings.TrimSpace(c.ClientSecret)
		cfg.RedirectURI = strings.TrimSpace(c.RedirectURI)
		if cfg.RedirectURI == "" {
			cfg.RedirectURI = defaultRedirect
		}
		configs[p] = &cfg
	}
	return &Registry{configs: configs}
}

// NewRegistryFromConfigs builds a registry from fully-specified
// configurations, bypassing the compiled-in table. Used where the protocol
// endpoints themselves are injected, such as tests against stub providers.
func NewRegistryFromConfigs(cfgs ...Config) *Registry {
	configs := make(map[Platform]*Config, len(cfgs))
	for i := range cfgs {
		cfg := cfgs[i]
		configs[cfg.Platform] = &cfg
	}
	return &Registry{configs: configs}
}

// Get returns the configuration for a platform, or nil when the identifier is
// not part of the supported set. It never reports an error; callers decide
// how to surface an unknown platform.
func (r *Registry) Get(p Platform) *Config {
	if r == nil {
		return nil
	}
	return r.configs[p]
}

// Validation reports whether a platform configuration is usable and, when it
// is not, every required credential that is missing. Reporting all gaps at
// once lets operators fix a misconfigured deployment in one pass.
type Validation struct {
	Valid   bool
	Missing []string
}

// Validate checks that the configuration carries the credentials its flow
// needs: a client identifier always, and a client secret unless the platform
// authenticates with PKCE alone.
func (r *Registry) Validate(cfg *Config) Validation {
	if cfg == nil {
		return Validation{Missing: []string{"config"}}
	}
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if cfg.ClientSecret == "" && !cfg.PKCEOnly {
		missing = append(missing, "client_secret")
	}
	return Validation{Valid: len(missing) == 0, Missing: missing}
}
