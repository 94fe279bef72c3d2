// Package crypto provides authenticated symmetric encryption for API key
// tokens: AES-256-GCM with a 96-bit nonce, base64(nonce‖ciphertext‖tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

const keySize = 32 // AES-256

// KeySource yields the current 32-byte encryption key. It is pluggable so
// an operator can rotate AES_SECRET_KEY (via hot-reloaded config or a
// secrets backend) without a code change to Crypto itself.
type KeySource interface {
	CurrentKey() ([]byte, error)
}

// StaticKeySource serves a single key fixed at construction time, the
// common case: AES_SECRET_KEY read once from config/env at startup.
type StaticKeySource struct {
	key []byte
}

// NewStaticKeySource validates and wraps a fixed 32-byte key.
func NewStaticKeySource(key []byte) (*StaticKeySource, error) {
	if len(key) != keySize {
		return nil, apperrors.CryptoError("new_static_key_source", "AES key must be 32 bytes").
			WithMetadata("got_length", len(key))
	}
	return &StaticKeySource{key: key}, nil
}

// CurrentKey implements KeySource.
func (s *StaticKeySource) CurrentKey() ([]byte, error) {
	return s.key, nil
}

// ReloadableKeySource swaps its key under a lock, for key sourcing that
// tracks a watched config file or secrets backend.
type ReloadableKeySource struct {
	mu  sync.RWMutex
	key []byte
}

// NewReloadableKeySource builds a key source seeded with an initial key.
func NewReloadableKeySource(key []byte) (*ReloadableKeySource, error) {
	if len(key) != keySize {
		return nil, apperrors.CryptoError("new_reloadable_key_source", "AES key must be 32 bytes").
			WithMetadata("got_length", len(key))
	}
	return &ReloadableKeySource{key: key}, nil
}

// CurrentKey implements KeySource.
func (s *ReloadableKeySource) CurrentKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, nil
}

// Rotate swaps in a new key, validating its length first.
func (s *ReloadableKeySource) Rotate(key []byte) error {
	if len(key) != keySize {
		return apperrors.CryptoError("rotate", "AES key must be 32 bytes").
			WithMetadata("got_length", len(key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	return nil
}

// Crypto provides authenticated encryption over a 256-bit key loaded from
// a KeySource.
type Crypto struct {
	keys KeySource
}

// New builds a Crypto bound to the given key source.
func New(keys KeySource) *Crypto {
	return &Crypto{keys: keys}
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce‖ciphertext‖tag).
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.CryptoError("encrypt", "failed to generate nonce").Wrap(err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. It fails with a CryptoError on
// malformed base64, short input, or an authentication-tag mismatch;
// cipher.AEAD.Open is constant-time with respect to the tag check.
func (c *Crypto) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", apperrors.CryptoError("decrypt", "malformed base64 token")
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", apperrors.CryptoError("decrypt", "token shorter than nonce")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.CryptoError("decrypt", "authentication failed")
	}

	return string(plaintext), nil
}

func (c *Crypto) gcm() (cipher.AEAD, error) {
	key, err := c.keys.CurrentKey()
	if err != nil {
		return nil, apperrors.CryptoError("gcm", "key source unavailable").Wrap(err)
	}
	if len(key) != keySize {
		return nil, apperrors.CryptoError("gcm", "AES key must be 32 bytes").
			WithMetadata("got_length", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.CryptoError("gcm", "failed to build AES cipher").Wrap(err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.CryptoError("gcm", "failed to build GCM mode").Wrap(err)
	}

	return gcm, nil
}
