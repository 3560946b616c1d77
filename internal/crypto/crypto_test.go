// Package crypto tests for registration hashing and payload sealing.
package crypto

import (
	"bytes"
	"strings"
	"testing"
)

// =====================================================
// Registration Hash Tests
// =====================================================

// TestRegistrationHash_deterministic verifies nodes agree on the credential.
func TestRegistrationHash_deterministic(t *testing.T) {
	a := RegistrationHash("shared-secret", "plant-1")
	b := RegistrationHash("shared-secret", "plant-1")
	if a != b {
		t.Fatalf("RegistrationHash() not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("RegistrationHash() length = %d, want 64 hex chars", len(a))
	}
	if strings.Contains(a, "shared-secret") {
		t.Error("RegistrationHash() must not contain the secret")
	}
}

// TestRegistrationHash_differentInputs verifies secret and cluster both matter.
func TestRegistrationHash_differentInputs(t *testing.T) {
	base := RegistrationHash("secret", "c1")
	if base == RegistrationHash("other", "c1") {
		t.Error("different secrets produced the same hash")
	}
	if base == RegistrationHash("secret", "c2") {
		t.Error("different clusters produced the same hash")
	}
}

// TestVerifyRegistration verifies the comparison rules.
func TestVerifyRegistration(t *testing.T) {
	expected := RegistrationHash("secret", "c1")
	tests := []struct {
		name      string
		presented string
		expected  string
		want      bool
	}{
		{"match", expected, expected, true},
		{"mismatch", RegistrationHash("wrong", "c1"), expected, false},
		{"empty presented", "", expected, false},
		{"empty expected", expected, "", false},
		{"prefix", expected[:10], expected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyRegistration(tt.presented, tt.expected); got != tt.want {
				t.Errorf("VerifyRegistration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =====================================================
// Seal / Open Tests
// =====================================================

// TestSealOpen_roundtrip verifies basic encryption and decryption.
func TestSealOpen_roundtrip(t *testing.T) {
	plaintext := []byte(`{"eventId":"e1","data":{"price":10}}`)

	sealed, err := Seal(plaintext, "archive-pass")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("price")) {
		t.Error("Seal() output contains plaintext")
	}

	opened, err := Open(sealed, "archive-pass")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

// TestSeal_uniqueOutput verifies salt and nonce randomization.
func TestSeal_uniqueOutput(t *testing.T) {
	a, err := Seal([]byte("same"), "k")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Seal([]byte("same"), "k")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("Seal() produced identical output twice")
	}
}

// TestOpen_failures verifies wrong keys and tampering are rejected.
func TestOpen_failures(t *testing.T) {
	sealed, err := Seal([]byte("payload"), "right")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(sealed, "wrong"); err != ErrInvalidCiphertext {
		t.Errorf("Open(wrong key) = %v, want ErrInvalidCiphertext", err)
	}

	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Open(tampered, "right"); err != ErrInvalidCiphertext {
		t.Errorf("Open(tampered) = %v, want ErrInvalidCiphertext", err)
	}

	if _, err := Open([]byte("short"), "right"); err != ErrInvalidCiphertext {
		t.Errorf("Open(short) = %v, want ErrInvalidCiphertext", err)
	}
}

// TestSealOpen_emptyKey verifies an empty passphrase is refused.
func TestSealOpen_emptyKey(t *testing.T) {
	if _, err := Seal([]byte("x"), ""); err != ErrInvalidKey {
		t.Errorf("Seal() = %v, want ErrInvalidKey", err)
	}
	if _, err := Open([]byte("x"), ""); err != ErrInvalidKey {
		t.Errorf("Open() = %v, want ErrInvalidKey", err)
	}
}
