package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"copytrade-core/pkg/crypto"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 3)
	}
	enc, err := crypto.NewEncryptor(key, 1)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	return New(enc)
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name   string
		record OwnerRecord
	}{
		{"full", OwnerRecord{StopLoss: 2630.5, TakeProfit: 2705.0, StrategyTag: "gold-breakout"}},
		{"levels_only", OwnerRecord{StopLoss: 1.0823, TakeProfit: 1.0951}},
		{"empty", OwnerRecord{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := v.Encrypt(tt.record)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			got, err := v.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if got != tt.record {
				t.Errorf("round trip = %+v, want %+v", got, tt.record)
			}
		})
	}
}

func TestDecryptEmptyCiphertext(t *testing.T) {
	v := newTestVault(t)

	got, err := v.Decrypt("")
	if err != nil {
		t.Fatalf("Decrypt(\"\") should not error, got %v", err)
	}
	if !got.IsEmpty() {
		t.Errorf("expected empty record, got %+v", got)
	}
}

func TestDecryptTampered(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt(OwnerRecord{StopLoss: 2630.5, TakeProfit: 2705.0})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	encoded := strings.TrimPrefix(ciphertext, "ENC[v1]:")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)/2] ^= 0x80

	_, err = v.Decrypt("ENC[v1]:" + base64.StdEncoding.EncodeToString(raw))
	if err != ErrIntegrity {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	v := newTestVault(t)

	record := OwnerRecord{StopLoss: 100, TakeProfit: 110}
	c1, _ := v.Encrypt(record)
	c2, _ := v.Encrypt(record)
	if c1 == c2 {
		t.Error("expected distinct ciphertexts for the same record")
	}
}
