// Package secrets seals webhook secrets for storage in the endpoints file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a sealed value in configuration.
const Prefix = "sealed:"

var (
	ErrMissingKey         = errors.New("secrets key is required")
	ErrInvalidKey         = errors.New("secrets key must be 32 bytes for AES-256")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Sealer encrypts a secret bound to the endpoint it belongs to, so a sealed
// value copied to another endpoint fails to open.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(endpoint, secret string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), []byte(endpoint))
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open returns the plaintext of a sealed value. Values without Prefix are returned unchanged.
func (s *Sealer) Open(endpoint, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed secret: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(endpoint))
	if err != nil {
		return "", fmt.Errorf("failed to open sealed secret for %q: %w", endpoint, err)
	}
	return string(plaintext), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
