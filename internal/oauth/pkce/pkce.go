// Package pkce implements the Proof Key for Code Exchange extension to
// OAuth 2.0 (RFC 7636). It generates cryptographically random code verifiers
// and their SHA-256 challenges so that only the client that initiated an
// authorization request can redeem the resulting code.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Method is the only challenge transformation this package produces. Plain
// text PKCE ("plain") defeats the point of the extension and is not supported.
const Method = "S256"

// Pair couples a code verifier with its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GenerateVerifier creates a cryptographically random code verifier:
// 128 URL-safe base64 characters, within the 43-128 character range RFC 7636
// permits. An RNG failure is not recoverable; callers treat it as fatal.
func GenerateVerifier() (string, error) {
	// 96 random bytes encode to exactly 128 base64url characters.
	buf := make([]byte, 96)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pkce: generate random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}

// ChallengeFromVerifier derives the S256 challenge: the unpadded base64url
// encoding of the SHA-256 digest of the verifier's bytes. The derivation is
// deterministic; the provider recomputes it independently during the exchange.
func ChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// GeneratePair generates a verifier and its challenge in one call.
func GeneratePair() (*Pair, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}
	return &Pair{
		Verifier:  verifier,
		Challenge: ChallengeFromVerifier(verifier),
		Method:    Method,
	}, nil
}
