package license

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const kdfIterations = 4096

// kdfContext pins the key derivation so other uses of the same secret
// cannot collide with license tokens.
var kdfContext = []byte("acsg-license-token-v1")

// ErrDecryptFailure marks a token that is present but does not decrypt
// with the configured key.
var ErrDecryptFailure = errors.New("license: token decrypt failure")

// Cipher is the authenticated symmetric cipher for license tokens. The key
// is derived once from the configured secret via PBKDF2-SHA256; it is never
// generated at startup, so tokens written by earlier runs stay readable.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the token key from the configured secret.
func NewCipher(secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("license: cipher secret is required")
	}
	key := pbkdf2.Key([]byte(secret), kdfContext, kdfIterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("license: init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the payload with a fresh random nonce. The nonce is
// prepended to the returned blob.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("license: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering or key mismatch
// yields ErrDecryptFailure.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, ErrDecryptFailure
	}
	nonce, sealed := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}
