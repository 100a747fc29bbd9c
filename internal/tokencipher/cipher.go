// Package tokencipher provides authenticated encryption for credential
// material at rest. Tokens are sealed with AES-256-GCM under a key derived
// from the operator-configured secret, so a leaked credential store does not
// leak usable access tokens.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed signals that a ciphertext did not authenticate or was
// malformed. It indicates storage corruption or a key rotated without
// migrating the stored records; callers must fail closed.
var ErrDecryptionFailed = errors.New("tokencipher: decryption failed")

// hkdfInfo binds derived keys to this use so the same operator secret can
// safely serve other derivations later.
const hkdfInfo = "postflow token encryption v1"

const nonceSize = 12

// Cipher seals and opens token material. It is immutable after construction
// and safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured secret using HKDF-SHA256 and
// prepares an AES-GCM AEAD with it.
func New(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("tokencipher: encryption secret is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("tokencipher: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tokencipher: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tokencipher: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext || tag).
// A fresh random nonce is drawn on every call; reusing a nonce under the same
// key would break both confidentiality and integrity.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokencipher: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It returns
// ErrDecryptionFailed when the input is malformed or the authentication tag
// does not verify.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether a stored value resembles the Encrypt output
// format. It exists only to classify records written before format versioning
// was introduced; records carrying a format version never consult it.
func IsEnvelope(value string) bool {
	if len(value) < base64.StdEncoding.EncodedLen(nonceSize+16) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false
	}
	return len(raw) >= nonceSize+16
}
