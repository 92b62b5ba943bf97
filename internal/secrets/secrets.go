// Package secrets provides authenticated encryption for agent tokens stored
// at rest. Keys are derived from a master passphrase with a memory-hard KDF;
// every ciphertext carries its own salt and nonce so the stored string is
// self-describing.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen  = 16
	nonceLen = chacha20poly1305.NonceSize // 12

	// Argon2id cost parameters. 64 MiB / 3 passes / 4 lanes is the profile
	// recommended for server-side secret protection; encryption happens on
	// token rotation, not per request, so the cost is acceptable.
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize // 32
)

// ErrCrypto is returned for every decryption failure: tampering, truncation,
// wrong key, or a malformed encoding. The cause is deliberately not
// distinguished so an attacker learns nothing from the error.
var ErrCrypto = errors.New("secrets: decryption failed")

// Cipher encrypts and decrypts small secrets with a key derived from a master
// passphrase. The passphrase is fixed at construction and never changes for
// the life of the process.
type Cipher struct {
	passphrase []byte
}

// NewCipher creates a Cipher from the master passphrase and the per-instance
// salt from the salt file. The instance salt is folded into the passphrase so
// two deployments sharing a passphrase still derive distinct keys.
func NewCipher(passphrase string, instanceSalt []byte) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("secrets: empty master passphrase")
	}
	secret := make([]byte, 0, len(passphrase)+len(instanceSalt))
	secret = append(secret, passphrase...)
	secret = append(secret, instanceSalt...)
	return &Cipher{passphrase: secret}, nil
}

// Encrypt seals plaintext and returns a base64-url string laid out as
// salt ‖ nonce ‖ ciphertext ‖ tag. A fresh salt and nonce are drawn per call,
// so encrypting the same plaintext twice yields different outputs.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(c.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}

	out := make([]byte, 0, saltLen+nonceLen+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any failure (bad encoding, truncation, wrong
// key, flipped bit) yields ErrCrypto without further detail.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCrypto
	}
	if len(raw) < saltLen+nonceLen+chacha20poly1305.Overhead {
		return nil, ErrCrypto
	}

	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceLen]
	sealed := raw[saltLen+nonceLen:]

	aead, err := chacha20poly1305.New(c.deriveKey(salt))
	if err != nil {
		return nil, ErrCrypto
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCrypto
	}
	return plaintext, nil
}

// deriveKey stretches the passphrase into a 32-byte key with Argon2id.
// The key lives only for the duration of one Encrypt/Decrypt call.
func (c *Cipher) deriveKey(salt []byte) []byte {
	return argon2.IDKey(c.passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)
}

// LoadOrCreateSalt reads the 16-byte instance salt at path, creating it with
// owner-only permissions on first run. A file of the wrong size means the salt
// was corrupted or replaced: every token encrypted under it is unrecoverable,
// so this fails loudly instead of regenerating.
func LoadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != saltLen {
			return nil, fmt.Errorf("salt file %s is %d bytes, want %d; refusing to regenerate it, existing tokens would become unrecoverable", path, len(data), saltLen)
		}
		return data, nil
	case os.IsNotExist(err):
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate instance salt: %w", err)
		}
		if err := os.WriteFile(path, salt, 0600); err != nil {
			return nil, fmt.Errorf("write salt file %s: %w", path, err)
		}
		return salt, nil
	default:
		return nil, fmt.Errorf("read salt file %s: %w", path, err)
	}
}
