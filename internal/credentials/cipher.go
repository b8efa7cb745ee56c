// Package credentials protects stream keys at rest and resolves encoder destinations.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	prefix = "aesgcm"

	saltLength        = 16
	keyLength         = 32
	DefaultIterations = 120000
)

var (
	ErrNoPassphrase = errors.New("credentials passphrase not configured")
	ErrMalformed    = errors.New("malformed encrypted value")
)

// Cipher encrypts stream keys with AES-256-GCM under a key derived from a
// passphrase with PBKDF2-SHA256. Each value carries its own salt.
//
// Encoded form: aesgcm$<iterations>$<salt>$<nonce|ciphertext> (raw base64).
type Cipher struct {
	passphrase []byte
	iterations int

	mu   sync.Mutex
	keys map[string][]byte // salt -> derived key
}

// NewCipher returns a cipher for passphrase. iterations <= 0 uses DefaultIterations.
func NewCipher(passphrase string, iterations int) (*Cipher, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrNoPassphrase
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Cipher{passphrase: []byte(passphrase), iterations: iterations, keys: map[string][]byte{}}, nil
}

// IsEncrypted reports whether v looks like a value produced by Encrypt.
func IsEncrypted(v string) bool { return strings.HasPrefix(v, prefix+"$") }

func (c *Cipher) Encrypt(plain string) (string, error) {
	if c == nil {
		return "", ErrNoPassphrase
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := c.aead(salt, c.iterations)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	enc := base64.RawStdEncoding
	return fmt.Sprintf("%s$%d$%s$%s", prefix, c.iterations, enc.EncodeToString(salt), enc.EncodeToString(sealed)), nil
}

// Decrypt returns plaintext values unchanged, so rows written before
// encryption was enabled keep working.
func (c *Cipher) Decrypt(v string) (string, error) {
	if !IsEncrypted(v) {
		return v, nil
	}
	if c == nil {
		return "", ErrNoPassphrase
	}
	parts := strings.Split(v, "$")
	if len(parts) != 4 {
		return "", ErrMalformed
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("%w: iteration count", ErrMalformed)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrMalformed, err)
	}
	sealed, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	gcm, err := c.aead(salt, iterations)
	if err != nil {
		return "", err
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: short payload", ErrMalformed)
	}
	plain, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt stream key: %w", err)
	}
	return string(plain), nil
}

func (c *Cipher) aead(salt []byte, iterations int) (cipher.AEAD, error) {
	id := strconv.Itoa(iterations) + "$" + string(salt)
	c.mu.Lock()
	key, ok := c.keys[id]
	if !ok {
		key = pbkdf2.Key(c.passphrase, salt, iterations, keyLength, sha256.New)
		c.keys[id] = key
	}
	c.mu.Unlock()
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
