package audit

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// RedactedValue replaces the value of a redacted header.
const RedactedValue = "[REDACTED]"

// DefaultRedactHeaders are the header patterns redacted when none are configured.
var DefaultRedactHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"*token*",
	"*secret*",
}

// Redactor blanks sensitive request headers before they reach an entry.
// Patterns are globs matched against the lowercased header name.
type Redactor struct {
	patterns []glob.Glob
}

// NewRedactor compiles header patterns. A nil or empty list uses
// DefaultRedactHeaders.
func NewRedactor(patterns []string) (*Redactor, error) {
	if len(patterns) == 0 {
		patterns = DefaultRedactHeaders
	}
	r := &Redactor{}
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("compiling redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

// Redact returns a copy of info with matching header values replaced.
func (r *Redactor) Redact(info *RequestInfo) *RequestInfo {
	if info == nil {
		return nil
	}
	out := *info
	if len(info.Headers) == 0 {
		out.Headers = nil
		return &out
	}
	out.Headers = make(map[string]string, len(info.Headers))
	for name, value := range info.Headers {
		if r != nil && r.matches(strings.ToLower(name)) {
			value = RedactedValue
		}
		out.Headers[name] = value
	}
	return &out
}

func (r *Redactor) matches(name string) bool {
	for _, g := range r.patterns {
		if g.Match(name) {
			return true
		}
	}
	return false
}
