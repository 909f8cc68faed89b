// Package crypto envelope-encrypts aggregator credentials at rest. Each blob
// carries its own KDF salt, so no two ciphertexts share a derivation input
// and one leaked record never exposes the master key or its siblings.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize  = 64
	nonceSize = 12
	tagSize   = 16
	keySize   = 32 // AES-256
)

var (
	// ErrInvalidKey indicates an unusable master key or iteration count.
	ErrInvalidKey = errors.New("invalid vault key configuration")

	// ErrCrypto indicates a malformed blob or failed authentication tag.
	// Always fatal: it signals tampering or a wrong key, never retried.
	ErrCrypto = errors.New("credential decryption failed")
)

// Vault derives a per-record key from the master key and performs
// authenticated encryption of credential material.
type Vault struct {
	masterKey  []byte
	iterations int
}

// NewVault creates a vault bound to the given master key. iterations is the
// PBKDF2 work factor applied per record.
func NewVault(masterKey string, iterations int) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("%w: empty master key", ErrInvalidKey)
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: iterations must be positive", ErrInvalidKey)
	}
	return &Vault{
		masterKey:  []byte(masterKey),
		iterations: iterations,
	}, nil
}

// Encrypt seals secret and serializes it as
// base64(salt ∥ nonce ∥ tag ∥ ciphertext).
func (v *Vault) Encrypt(secret string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the wire format carries
	// the tag first.
	sealed := gcm.Seal(nil, nonce, []byte(secret), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, saltSize+nonceSize+tagSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed with ErrCrypto
// on any malformation or tag mismatch rather than returning garbage.
func (v *Vault) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrCrypto)
	}
	if len(raw) < saltSize+nonceSize+tagSize {
		return "", fmt.Errorf("%w: blob too short", ErrCrypto)
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	tag := raw[saltSize+nonceSize : saltSize+nonceSize+tagSize]
	ciphertext := raw[saltSize+nonceSize+tagSize:]

	gcm, err := v.cipherFor(salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCrypto)
	}

	return string(plaintext), nil
}

// Hash returns a one-way SHA-256 hex digest, for audit fields that need to
// reference a secret without storing it.
func (v *Vault) Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func (v *Vault) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.masterKey, salt, v.iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}
