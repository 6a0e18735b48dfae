// Package vault seals credential secrets with XChaCha20-Poly1305.
//
// Sealed blobs are nonce || ciphertext. The key comes from an environment
// variable holding either 32 base64-encoded bytes or a passphrase, which is
// stretched with Argon2id.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrNoKey    = errors.New("vault key not set")
	ErrCorrupt  = errors.New("sealed data too short")
	ErrWrongKey = errors.New("vault key does not open this data")

	passphraseSalt = []byte("cardledger/vault/v1")
)

// Vault seals and opens byte blobs. Safe for concurrent use.
type Vault struct {
	key []byte
}

// New creates a vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Vault{key: k}, nil
}

// FromEnv builds a vault from the variable called name.
func FromEnv(name string) (*Vault, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%w: export %s", ErrNoKey, name)
	}
	return FromSecret(raw)
}

// FromSecret accepts a base64 key or a passphrase.
func FromSecret(secret string) (*Vault, error) {
	if key, err := base64.StdEncoding.DecodeString(secret); err == nil && len(key) == chacha20poly1305.KeySize {
		return New(key)
	}
	return New(argon2.IDKey([]byte(secret), passphraseSalt, 1, 64*1024, 4, chacha20poly1305.KeySize))
}

// GenerateKey returns a fresh random key in base64.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext under a random nonce.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorrupt
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrWrongKey
	}
	return plain, nil
}
