package oauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postflow-hq/postflow/internal/platform"
)

// Sentinel errors for the authorization flow. The HTTP layer maps each to a
// status code; nothing here is ever allowed to escape as a panic.
var (
	// ErrConfigMissing means the platform identifier is not part of the
	// supported set.
	ErrConfigMissing = errors.New("oauth: platform configuration missing")

	// ErrConfigIncomplete means the platform is known but the operator has
	// not supplied the credentials its flow requires.
	ErrConfigIncomplete = errors.New("oauth: platform configuration incomplete")

	// ErrInvalidOrExpiredState covers forged, replayed, and expired state
	// tokens alike. The cases are intentionally indistinguishable.
	ErrInvalidOrExpiredState = errors.New("oauth: invalid or expired state")

	// ErrPlatformMismatch means the callback named a different platform than
	// the one the state record was created for.
	ErrPlatformMismatch = errors.New("oauth: platform does not match state")

	// ErrTokenExchangeFailed wraps a non-2xx response from the provider's
	// token endpoint.
	ErrTokenExchangeFailed = errors.New("oauth: token exchange failed")

	// ErrTokenExpiredNoRefresh means the stored access token is past its
	// expiry and no refresh token exists; the caller must re-authorize.
	ErrTokenExpiredNoRefresh = errors.New("oauth: token expired and no refresh token available")
)

// ConfigError reports every credential missing from a platform configuration
// so operators can repair a deployment in one pass.
type ConfigError struct {
	Platform platform.Platform
	Missing  []string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("oauth: %s configuration incomplete: missing %s", e.Platform, strings.Join(e.Missing, ", "))
}

// Unwrap lets errors.Is match ErrConfigIncomplete.
func (e *ConfigError) Unwrap() error { return ErrConfigIncomplete }

// ExchangeError carries the provider's error body for diagnostics. The body
// is the provider's own response; it never contains our client secret.
type ExchangeError struct {
	Platform   platform.Platform
	Endpoint   string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *ExchangeError) Error() string {
	return fmt.Sprintf("oauth: %s token exchange against %s failed with status %d: %s", e.Platform, e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrTokenExchangeFailed.
func (e *ExchangeError) Unwrap() error { return ErrTokenExchangeFailed }
