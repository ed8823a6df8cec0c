package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// HashGenesis returns the hash an empty chain points at.
func HashGenesis(genesis string) string {
	h := sha256.Sum256([]byte(genesis))
	return hex.EncodeToString(h[:])
}

// ComputeHash computes the integrity hash of e under genesis.
//
// The hashed fields are serialized as a JSON object with sorted keys, so the
// digest is independent of struct field order and of how the entry was
// decoded. A nil Details hashes the same as an empty object.
func ComputeHash(e *Entry, genesis string) (string, error) {
	data, err := canonicalBytes(e)
	if err != nil {
		return "", fmt.Errorf("serializing entry %d for hashing: %w", e.Sequence, err)
	}

	h := sha256.New()
	h.Write([]byte(genesis))
	h.Write([]byte{'|'})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalBytes(e *Entry) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	// go-json sorts map keys on encode, recursively.
	return json.Marshal(map[string]any{
		"sequence":       e.Sequence,
		"previous_hash":  e.PreviousHash,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":     e.EventType,
		"severity":       string(e.Severity),
		"user_id":        e.UserID,
		"details":        details,
		"correlation_id": e.CorrelationID,
	})
}
