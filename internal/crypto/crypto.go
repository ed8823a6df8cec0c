// Package crypto provides the authenticated encryption used for sensitive
// audit payloads.
//
// Encryption uses AES-256-GCM with:
//   - a 32-byte key derived from the configured key material via HKDF-SHA256
//   - a 12-byte random nonce per encryption
//   - the 16-byte GCM tag stored as its own envelope field
//
// Decrypt fails closed: a tag that does not verify yields ErrAuthFailed and
// no plaintext. There is no built-in key rotation; one long-lived key is
// supplied at startup.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32 // AES-256 key size
	NonceSize = 12 // GCM nonce size
	TagSize   = 16 // GCM authentication tag size

	// Algorithm is recorded in every envelope so readers can reject
	// envelopes produced by some other scheme.
	Algorithm = "AES-256-GCM"

	hkdfSalt = "auditchain-audit-payloads"
	hkdfInfo = "audit-payload-encryption-v1"
)

var (
	ErrEmptyKey         = errors.New("encryption key material is empty")
	ErrInvalidEnvelope  = errors.New("invalid encryption envelope")
	ErrAuthFailed       = errors.New("authentication failed: ciphertext or tag was modified")
	ErrUnknownAlgorithm = errors.New("unsupported envelope algorithm")
)

// Envelope is the stored form of an encrypted payload. All byte fields are
// hex encoded so the envelope embeds cleanly in a JSON log line.
type Envelope struct {
	Algorithm  string `json:"alg"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"auth_tag"`
}

// Encryptor provides authenticated encryption with a single derived key.
// Safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256 key from material and returns an
// Encryptor bound to it. The same material always yields the same key.
func NewEncryptor(material []byte) (*Encryptor, error) {
	if len(material) == 0 {
		return nil, ErrEmptyKey
	}

	key, err := DeriveKey(material)
	if err != nil {
		return nil, err
	}
	defer ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Encryptor{aead: gcm}, nil
}

// DeriveKey expands arbitrary key material into a KeySize key using
// HKDF-SHA256 with a fixed application salt.
func DeriveKey(material []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, material, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return &Envelope{
		Algorithm:  Algorithm,
		IV:         hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(sealed[:split]),
		AuthTag:    hex.EncodeToString(sealed[split:]),
	}, nil
}

// Decrypt opens an envelope. Any modification of the IV, ciphertext, or tag
// results in ErrAuthFailed.
func (e *Encryptor) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Algorithm != "" && env.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, env.Algorithm)
	}

	nonce, err := hex.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv", ErrInvalidEnvelope)
	}
	ciphertext, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrInvalidEnvelope)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: bad auth tag", ErrInvalidEnvelope)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// GenerateKey returns n random bytes suitable as key material.
func GenerateKey(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return b, nil
}

// ClearBytes zeroes a byte slice holding key material.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
