// Package masking sanitizes agent inputs and tool outputs before they
// reach logs or persisted messages: oversized payloads are truncated,
// credential-shaped keys are redacted, and regex patterns sweep free
// text.
package masking

import (
	"encoding/json"
	"strings"
)

// Redacted is the replacement for values under credential-shaped keys.
const Redacted = "[REDACTED]"

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching.
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Should be fast (string contains, not
	// parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Returns the original data on parse errors.
	Mask(data string) string
}

// sensitiveKeyFragments are matched as substrings of lowercased keys.
var sensitiveKeyFragments = []string{"password", "token", "secret", "key", "auth"}

// IsSensitiveKey reports whether a map key should have its value
// redacted.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// JSONSecretMasker walks JSON objects and redacts values under
// credential-shaped keys, leaving everything else intact.
type JSONSecretMasker struct{}

// Name returns the unique identifier for this masker.
func (m *JSONSecretMasker) Name() string { return "json_secrets" }

// AppliesTo accepts anything that looks like a JSON document.
func (m *JSONSecretMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// Mask parses the document, redacts sensitive keys recursively, and
// re-serializes. Returns the original data when parsing fails.
func (m *JSONSecretMasker) Mask(data string) string {
	var doc any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return data
	}
	masked := redactValue(doc)
	out, err := json.Marshal(masked)
	if err != nil {
		return data
	}
	return string(out)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
