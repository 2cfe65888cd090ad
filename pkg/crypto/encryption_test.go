package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey() []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey(), 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"owner_levels", `{"stop_loss":2630.5,"take_profit":2705.0}`},
		{"long", "this is a very long string standing in for a large owner-only payload with a strategy tag"},
		{"unicode", "黃金多單 🔐"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			if !strings.HasPrefix(ciphertext, "ENC[v") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}

			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	plaintext := "same-owner-payload"
	c1, _ := enc.Encrypt(plaintext)
	c2, _ := enc.Encrypt(plaintext)

	// Each encryption should produce different ciphertext (due to random nonce)
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	ciphertext, err := enc.Encrypt(`{"stop_loss":2630.5}`)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flip a single bit in every byte position of the payload in turn; each
	// mutation must fail authentication, never return garbage.
	encoded := strings.TrimPrefix(ciphertext, "ENC[v1]:")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}

	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		_, err := enc.Decrypt("ENC[v1]:" + base64.StdEncoding.EncodeToString(mutated))
		if err != ErrIntegrity {
			t.Fatalf("bit flip at byte %d: got err=%v, want ErrIntegrity", i, err)
		}
	}
}

func TestDecryptForeignKey(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	otherKey := make([]byte, KeySize)
	for i := range otherKey {
		otherKey[i] = byte(255 - i)
	}
	foreign, _ := NewEncryptor(otherKey, 1)

	ciphertext, _ := foreign.Encrypt("secret")
	if _, err := enc.Decrypt(ciphertext); err != ErrIntegrity {
		t.Errorf("expected ErrIntegrity for foreign-keyed ciphertext, got %v", err)
	}
}

func TestInvalidKey(t *testing.T) {
	_, err := NewEncryptor([]byte("short"), 1)
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
	}

	for _, invalid := range invalids {
		_, err := enc.Decrypt(invalid)
		if err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
	}

	for _, tt := range tests {
		got := ParseVersion(tt.ciphertext)
		if got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}
