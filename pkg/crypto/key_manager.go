package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

const primaryKeyEnv = "MASTER_ENCRYPTION_KEY"

// Rotation keys beyond this version are ignored.
const maxKeyVersion = 10

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// KeyManager holds one Encryptor per key version. New writes always use
// the highest loaded version; reads route by the ciphertext's own version
// prefix, so old payloads stay readable across rotations.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the environment:
//   - MASTER_ENCRYPTION_KEY    (version 1, required)
//   - MASTER_ENCRYPTION_KEY_V2 (version 2)
//   - etc.
//
// A missing primary key is a startup error; callers are expected to treat it
// as fatal rather than fall back to an unencrypted mode.
func NewKeyManager() (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}

	for v := 1; v <= maxKeyVersion; v++ {
		envName := primaryKeyEnv
		if v > 1 {
			envName = fmt.Sprintf("%s_V%d", primaryKeyEnv, v)
		}
		enc, err := encryptorFromEnv(envName, v)
		if err == ErrKeyNotFound {
			if v == 1 {
				return nil, fmt.Errorf("load primary key: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		km.encryptors[v] = enc
		km.currentVer = v
	}

	return km, nil
}

func encryptorFromEnv(envName string, version int) (*Encryptor, error) {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return nil, ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return nil, fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	return enc, nil
}

// Encrypt encrypts plaintext using the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext, automatically selecting the correct key version.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion returns the current (latest) key version being used.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey generates a new random 32-byte key suitable for AES-256.
// Returns the key as a base64-encoded string for easy storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
