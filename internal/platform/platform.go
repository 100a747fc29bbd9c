// Package platform defines the closed set of publishing platforms that can be
// connected over OAuth 2.0, along with the per-platform protocol parameters
// (endpoints, scopes, token-exchange authentication method, PKCE requirement)
// the authorization flow needs to speak each provider's dialect.
package platform

import "strings"

// Platform identifies one of the supported third-party content platforms.
type Platform string

// Supported platforms. The set is closed; unknown identifiers are rejected at
// the HTTP boundary.
const (
	Twitter   Platform = "twitter"
	Reddit    Platform = "reddit"
	LinkedIn  Platform = "linkedin"
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	Threads   Platform = "threads"
	TikTok    Platform = "tiktok"
	YouTube   Platform = "youtube"
)

// All returns every supported platform in a stable order.
func All() []Platform {
	return []Platform{Twitter, Reddit, LinkedIn, Facebook, Instagram, Threads, TikTok, YouTube}
}

// Parse normalizes a platform identifier. The boolean reports whether the
// identifier names a supported platform.
func Parse(raw string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case Twitter:
		return Twitter, true
	case Reddit:
		return Reddit, true
	case LinkedIn:
		return LinkedIn, true
	case Facebook:
		return Facebook, true
	case Instagram:
		return Instagram, true
	case Threads:
		return Threads, true
	case TikTok:
		return TikTok, true
	case YouTube:
		return YouTube, true
	default:
		return "", false
	}
}

// AuthMethod selects how client credentials are presented during the token
// exchange. Providers disagree on this; the exchange routine switches
// exhaustively over the two variants.
type AuthMethod int

const (
	// AuthMethodBodyParams sends client_id (and client_secret, unless the
	// flow is PKCE-only) in the POST form body.
	AuthMethodBodyParams AuthMethod = iota

	// AuthMethodBasicHeader sends client_id:client_secret base64-encoded in
	// an Authorization: Basic header, keeping the body to grant parameters.
	AuthMethodBasicHeader
)

// String returns the wire-level name of the auth method.
func (m AuthMethod) String() string {
	if m == AuthMethodBasicHeader {
		return "basic_auth_header"
	}
	return "body_params"
}

// Config holds the immutable OAuth parameters for a single platform.
// ClientID, ClientSecret and RedirectURI are populated from the environment by
// the registry; everything else is compiled in.
type Config struct {
	Platform Platform

	AuthorizationURL string
	TokenURL         string
	Scope            string

	ClientID     string
	ClientSecret string
	RedirectURI  string

	TokenAuthMethod AuthMethod

	// RequiresPKCE forces a code_challenge on the authorization request and a
	// code_verifier on the exchange.
	RequiresPKCE bool

	// PKCEOnly marks public clients that authenticate with PKCE alone; a
	// client secret is not required for these platforms.
	PKCEOnly bool

	// ProfileURL, when set, is the provider's "who am I" endpoint, fetched
	// best-effort after a successful exchange. ProfileUsernamePath is the
	// gjson path of the display username in its response.
	ProfileURL          string
	ProfileUsernamePath string
}
