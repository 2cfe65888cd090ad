// Package vault encrypts and decrypts the owner-only payload attached to a
// trade instruction. The decrypted record carries the exit levels the
// executing device must never see.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"copytrade-core/pkg/crypto"
)

// ErrIntegrity signals a tampered or foreign-keyed payload. Decryption never
// silently yields garbage.
var ErrIntegrity = crypto.ErrIntegrity

// OwnerRecord is the decrypted owner-only payload. Zero levels mean "no
// hidden level configured".
type OwnerRecord struct {
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	StrategyTag string  `json:"strategy_tag,omitempty"`
}

// IsEmpty reports whether the record carries no hidden levels.
func (r OwnerRecord) IsEmpty() bool {
	return r.StopLoss == 0 && r.TakeProfit == 0 && r.StrategyTag == ""
}

// Cipher is the key-managing encryptor behind the vault; satisfied by
// *crypto.KeyManager.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Vault seals and opens owner-only records.
type Vault struct {
	cipher Cipher
}

// New builds a Vault over the given cipher.
func New(cipher Cipher) *Vault {
	return &Vault{cipher: cipher}
}

// Encrypt seals an owner record into an opaque ciphertext string.
func (v *Vault) Encrypt(record OwnerRecord) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal owner record: %w", err)
	}
	ciphertext, err := v.cipher.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt owner record: %w", err)
	}
	return ciphertext, nil
}

// Decrypt opens a ciphertext produced by Encrypt. An empty ciphertext is
// valid and yields an empty record (no hidden levels), never an error.
// Tampered input fails with ErrIntegrity.
func (v *Vault) Decrypt(ciphertext string) (OwnerRecord, error) {
	if ciphertext == "" {
		return OwnerRecord{}, nil
	}

	plaintext, err := v.cipher.Decrypt(ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrIntegrity) {
			return OwnerRecord{}, ErrIntegrity
		}
		return OwnerRecord{}, fmt.Errorf("decrypt owner record: %w", err)
	}

	var record OwnerRecord
	if err := json.Unmarshal([]byte(plaintext), &record); err != nil {
		return OwnerRecord{}, fmt.Errorf("unmarshal owner record: %w", err)
	}
	return record, nil
}
