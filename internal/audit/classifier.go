package audit

import (
	"strings"

	"github.com/goccy/go-json"
)

// Classifier decides whether an entry's details must be encrypted at rest.
type Classifier interface {
	IsSensitive(e *Entry) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(e *Entry) bool

func (f ClassifierFunc) IsSensitive(e *Entry) bool { return f(e) }

// DefaultSensitiveKeywords are matched by the default classifier.
var DefaultSensitiveKeywords = []string{"password", "token", "secret", "key", "ssn", "credit"}

// KeywordClassifier marks an entry sensitive when its serialized form
// contains any keyword, case-insensitively. It is a heuristic: it
// over-matches (a "keyboard" event type is sensitive) and it never sees
// meaning, only text.
type KeywordClassifier struct {
	keywords []string
}

// NewKeywordClassifier builds a classifier for keywords. With no keywords it
// uses DefaultSensitiveKeywords.
func NewKeywordClassifier(keywords ...string) *KeywordClassifier {
	if len(keywords) == 0 {
		keywords = DefaultSensitiveKeywords
	}
	kc := &KeywordClassifier{}
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kc.keywords = append(kc.keywords, k)
		}
	}
	return kc
}

func (kc *KeywordClassifier) IsSensitive(e *Entry) bool {
	data, err := json.Marshal(e)
	if err != nil {
		// Unserializable means we cannot rule anything out.
		return true
	}
	text := strings.ToLower(string(data))
	for _, k := range kc.keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
