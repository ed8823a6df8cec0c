package audit

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shelfwise/auditchain/internal/crypto"
)

// Severity ranks an audit event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("%w: %q (use low, medium, high, or critical)", ErrInvalidSeverity, s)
	}
	return sev, nil
}

// RequestInfo describes the HTTP request that triggered an event.
// Sensitive headers are redacted before the entry is built.
type RequestInfo struct {
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Entry is a single audit record, stored as one JSON line.
//
// Sequence and PreviousHash place the entry in the chain; IntegrityHash
// covers the content fields plus PreviousHash and the chain genesis, so
// altering, reordering, or removing any entry is detectable.
//
// For encrypted entries Details is null on disk and EncryptedData holds the
// sealed details. Reads decrypt transiently; storage is never rewritten.
type Entry struct {
	Sequence      uint64           `json:"sequence"`
	Timestamp     time.Time        `json:"timestamp"`
	EventType     string           `json:"event_type"`
	Severity      Severity         `json:"severity"`
	UserID        string           `json:"user_id,omitempty"`
	Details       map[string]any   `json:"details"`
	CorrelationID string           `json:"correlation_id"`
	RequestInfo   *RequestInfo     `json:"request_info,omitempty"`
	Encrypted     bool             `json:"encrypted"`
	EncryptedData *crypto.Envelope `json:"encrypted_data,omitempty"`
	PreviousHash  string           `json:"previous_hash"`
	IntegrityHash string           `json:"integrity_hash"`
}

// Day returns the UTC calendar day (YYYY-MM-DD) that partitions the entry.
func (e *Entry) Day() string {
	return e.Timestamp.UTC().Format(dayLayout)
}

// Clone returns a copy safe to mutate at the top level. Details and
// RequestInfo are copied shallowly.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	if e.RequestInfo != nil {
		ri := *e.RequestInfo
		c.RequestInfo = &ri
	}
	if e.EncryptedData != nil {
		env := *e.EncryptedData
		c.EncryptedData = &env
	}
	return &c
}

// RecordInput is what callers supply to Record. UserID and Request are
// optional.
type RecordInput struct {
	EventType string
	Severity  Severity
	Details   map[string]any
	UserID    string
	Request   *RequestInfo
}

func (in RecordInput) validate() error {
	if strings.TrimSpace(in.EventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if !in.Severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, in.Severity)
	}
	return nil
}

// buildEntry assigns chain position, time, and a fresh correlation id.
// Details are normalized through JSON so the in-memory entry hashes exactly
// like the same entry read back from disk.
func buildEntry(in RecordInput, seq uint64, prevHash string, now time.Time, redactor *Redactor) (*Entry, error) {
	details, err := normalizeDetails(in.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidEvent, err)
	}

	var req *RequestInfo
	if in.Request != nil {
		req = redactor.Redact(in.Request)
	}

	return &Entry{
		Sequence:      seq,
		Timestamp:     now.UTC(),
		EventType:     in.EventType,
		Severity:      in.Severity,
		UserID:        in.UserID,
		Details:       details,
		CorrelationID: uuid.NewString(),
		RequestInfo:   req,
		PreviousHash:  prevHash,
	}, nil
}

// normalizeDetails round-trips details through JSON. Structs become maps,
// numbers become json.Number, and the result is independent of the caller's
// later mutations.
func normalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return decodeDetails(data)
}

func decodeDetails(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
