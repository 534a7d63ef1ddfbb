package security

import (
	"strings"
	"testing"
)

func TestEncryptor_SealOpen(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	sealed, err := enc.Seal("provider-verifier", "pending-1")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, encryptedPrefix) {
		t.Fatalf("Seal() = %q, missing prefix", sealed)
	}
	if strings.Contains(sealed, "provider-verifier") {
		t.Fatal("sealed value leaks plaintext")
	}

	got, err := enc.Open(sealed, "pending-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "provider-verifier" {
		t.Errorf("Open() = %q, want provider-verifier", got)
	}
}

func TestEncryptor_OpenWrongRecord(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Seal("secret", "pending-1")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := enc.Open(sealed, "pending-2"); err == nil {
		t.Error("Open() with a different record id should fail")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("IsEnabled() = true for empty key")
	}

	sealed, _ := enc.Seal("plain", "id")
	if sealed != "plain" {
		t.Errorf("Seal() = %q, want passthrough", sealed)
	}
	if _, err := enc.Open(encryptedPrefix+"abc", "id"); err == nil {
		t.Error("Open() of ciphertext without a key should fail")
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil Encryptor reports enabled")
	}
}

func TestNewEncryptor_InvalidKeyLength(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("NewEncryptor() with 5-byte key should fail")
	}
}

func TestKeyFromBase64(t *testing.T) {
	if _, err := KeyFromBase64("AAAA"); err == nil {
		t.Error("KeyFromBase64() accepted a 3-byte key")
	}
	key, err := KeyFromBase64("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("len(key) = %d, want 32", len(key))
	}
}
