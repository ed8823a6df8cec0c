// Package keyring stores the audit encryption key material in the OS
// keyring (macOS Keychain, Secret Service, Windows Credential Manager).
package keyring

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const serviceName = "auditchain"

// ErrNotFound is returned when no key is stored for the account.
var ErrNotFound = errors.New("no encryption key in keyring")

// SaveKey stores key material (hex encoded) for account.
func SaveKey(account string, key []byte) error {
	if err := keyring.Set(serviceName, account, hex.EncodeToString(key)); err != nil {
		return fmt.Errorf("saving key to keyring: %w", err)
	}
	return nil
}

// GetKey retrieves key material for account.
func GetKey(account string) ([]byte, error) {
	s, err := keyring.Get(serviceName, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading key from keyring: %w", err)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("keyring entry for %q is not hex: %w", account, err)
	}
	return key, nil
}

// DeleteKey removes the key for account.
func DeleteKey(account string) error {
	err := keyring.Delete(serviceName, account)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// HasKey reports whether a key is stored for account.
func HasKey(account string) bool {
	_, err := keyring.Get(serviceName, account)
	return err == nil
}
