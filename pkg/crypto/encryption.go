// Package crypto provides authenticated encryption for owner-only payloads
// and other secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrIntegrity is returned when a ciphertext fails GCM authentication:
	// tampered bytes or a foreign key. Decryption never returns garbage.
	ErrIntegrity = errors.New("ciphertext integrity check failed")
)

// Encryptor seals and opens payloads with AES-256-GCM under one key
// version. The stored form is "ENC[vN]:" + base64(nonce || sealed).
type Encryptor struct {
	aead    cipher.AEAD
	version int
	prefix  string
}

// NewEncryptor creates a new Encryptor with the given key.
// Key must be 32 bytes for AES-256.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{
		aead:    aead,
		version: version,
		prefix:  fmt.Sprintf("ENC[v%d]:", version),
	}, nil
}

// Encrypt seals the plaintext. A fresh random nonce is drawn per call, so
// two encryptions of the same plaintext never produce the same output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return e.prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any modification of the
// stored form, including the auth tag, yields ErrIntegrity.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, e.prefix)
	if !ok {
		// Tolerate any ENC[vN]: prefix so the key manager can route by
		// version before landing here.
		if _, rest, found := cutVersionPrefix(ciphertext); found {
			encoded = rest
		} else {
			return "", ErrInvalidCiphertext
		}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < e.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:e.aead.NonceSize()], data[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// GetVersion returns the key version used by this encryptor.
func (e *Encryptor) GetVersion() int {
	return e.version
}

// cutVersionPrefix splits "ENC[vN]:rest" into (N, rest, true).
func cutVersionPrefix(ciphertext string) (int, string, bool) {
	body, ok := strings.CutPrefix(ciphertext, "ENC[v")
	if !ok {
		return 0, "", false
	}
	end := strings.Index(body, "]:")
	if end <= 0 {
		return 0, "", false
	}
	version := 0
	for _, r := range body[:end] {
		if r < '0' || r > '9' {
			return 0, "", false
		}
		version = version*10 + int(r-'0')
	}
	if version == 0 {
		return 0, "", false
	}
	return version, body[end+2:], true
}

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	version, _, ok := cutVersionPrefix(ciphertext)
	if !ok {
		return 0
	}
	return version
}
