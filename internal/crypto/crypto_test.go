package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func newTestEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	enc, err := NewEncryptor([]byte("test-key-material"))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	return enc
}

func TestNewEncryptor_EmptyKey(t *testing.T) {
	if _, err := NewEncryptor(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey([]byte("material"))
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := DeriveKey([]byte("material"))
	k3, _ := DeriveKey([]byte("other"))

	if len(k1) != KeySize {
		t.Fatalf("key size: expected %d, got %d", KeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same material should derive the same key")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different material should derive different keys")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte(`{"card":"4111-1111","nested":{"a":[1,2,3]}}`)

	env, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if env.Algorithm != Algorithm {
		t.Errorf("algorithm: expected %q, got %q", Algorithm, env.Algorithm)
	}
	if tag, _ := hex.DecodeString(env.AuthTag); len(tag) != TagSize {
		t.Errorf("auth tag should be %d bytes, got %d", TagSize, len(tag))
	}

	got, err := enc.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if a.IV == b.IV {
		t.Error("two encryptions should not share a nonce")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

// flipHex flips the low bit of the first byte of a hex string.
func flipHex(t *testing.T, s string) string {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		t.Fatalf("bad hex %q", s)
	}
	b[0] ^= 0x01
	return hex.EncodeToString(b)
}

func TestDecrypt_FailsClosed(t *testing.T) {
	enc := newTestEncryptor(t)
	env, err := enc.Encrypt([]byte("secret payload"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(e *Envelope)
	}{
		{"ciphertext", func(e *Envelope) { e.Ciphertext = flipHex(t, e.Ciphertext) }},
		{"auth_tag", func(e *Envelope) { e.AuthTag = flipHex(t, e.AuthTag) }},
		{"iv", func(e *Envelope) { e.IV = flipHex(t, e.IV) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := *env
			tt.modify(&tampered)
			got, err := enc.Decrypt(&tampered)
			if !errors.Is(err, ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if got != nil {
				t.Error("no plaintext should be returned on failure")
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	env, _ := newTestEncryptor(t).Encrypt([]byte("payload"))
	other, _ := NewEncryptor([]byte("different-material"))

	if _, err := other.Decrypt(env); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expected ErrAuthFailed with wrong key, got %v", err)
	}
}

func TestDecrypt_MalformedEnvelope(t *testing.T) {
	enc := newTestEncryptor(t)

	if _, err := enc.Decrypt(nil); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("nil envelope: expected ErrInvalidEnvelope, got %v", err)
	}
	if _, err := enc.Decrypt(&Envelope{IV: "zz", Ciphertext: "", AuthTag: ""}); !errors.Is(err, ErrInvalidEnvelope) {
		t.Errorf("bad iv: expected ErrInvalidEnvelope, got %v", err)
	}

	env, _ := enc.Encrypt([]byte("x"))
	env.Algorithm = "ROT13"
	if _, err := enc.Decrypt(env); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Errorf("expected ErrUnknownAlgorithm, got %v", err)
	}
}
