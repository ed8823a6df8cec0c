package audit

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/shelfwise/auditchain/internal/crypto"
)

// seal returns the stored form of a sensitive entry: details encrypted into
// EncryptedData and cleared. The integrity hash was computed over the
// plaintext, so verification needs the key.
func seal(enc *crypto.Encryptor, e *Entry) (*Entry, error) {
	if enc == nil {
		return nil, fmt.Errorf("%w: entry is sensitive and no encryption key is configured", ErrEncryptionFailed)
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	plaintext, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing details: %v", ErrEncryptionFailed, err)
	}
	env, err := enc.Encrypt(plaintext)
	crypto.ClearBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	stored := e.Clone()
	stored.Details = nil
	stored.Encrypted = true
	stored.EncryptedData = env
	return stored, nil
}

// unseal decrypts an encrypted entry's details in place. Entries that are
// not encrypted are left alone.
func unseal(enc *crypto.Encryptor, e *Entry) error {
	if !e.Encrypted {
		return nil
	}
	if enc == nil {
		return fmt.Errorf("entry %d is encrypted and no key is configured", e.Sequence)
	}
	if e.EncryptedData == nil {
		return fmt.Errorf("entry %d is marked encrypted but has no envelope", e.Sequence)
	}
	plaintext, err := enc.Decrypt(e.EncryptedData)
	if err != nil {
		return fmt.Errorf("decrypting entry %d: %w", e.Sequence, err)
	}
	details, err := decodeDetails(plaintext)
	crypto.ClearBytes(plaintext)
	if err != nil {
		return fmt.Errorf("decoding decrypted details of entry %d: %w", e.Sequence, err)
	}
	e.Details = details
	return nil
}
