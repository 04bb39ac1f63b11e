// Package crypto seals bot OAuth tokens before they are written to Postgres.
// Tokens are encrypted with AES-256-GCM and bound to the owning identity through
// GCM additional data, so a ciphertext copied onto another identity's row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a sealed value fails authentication.
var ErrOpen = errors.New("crypto: sealed value failed authentication")

// TokenCipher seals and opens token strings for a given identity.
type TokenCipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewTokenCipher builds a cipher from a base64-encoded 32-byte key
// (generate with `openssl rand -base64 32`). keyID is stored next to each
// sealed value so rotated keys can be told apart; empty means "default".
func NewTokenCipher(base64Key, keyID string) (*TokenCipher, error) {
	if base64Key == "" {
		return nil, errors.New("crypto: key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &TokenCipher{aead: aead, keyID: keyID}, nil
}

// KeyID identifies the key used by Seal.
func (c *TokenCipher) KeyID() string { return c.keyID }

// Seal encrypts token for identity and returns base64(nonce || ciphertext || tag).
// Empty tokens stay empty.
func (c *TokenCipher) Seal(identity, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(token), []byte(identity))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. A value sealed for a different identity returns ErrOpen.
func (c *TokenCipher) Open(identity, sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: decode sealed value: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n+c.aead.Overhead() {
		return "", ErrOpen
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], []byte(identity))
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}
