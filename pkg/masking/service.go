package masking

import (
	"log/slog"
	"sort"
	"strings"
)

// DefaultMaxInputLength is the truncation threshold for sanitized
// inputs.
const DefaultMaxInputLength = 1000

// Config tunes the masking service.
type Config struct {
	// MaxInputLength truncates sanitized text beyond this many
	// characters; zero uses the default.
	MaxInputLength int

	// CustomPatterns extends the built-in regex sweep.
	CustomPatterns map[string]PatternConfig
}

// Service applies sanitization to agent inputs, tool results and log
// payloads. Created once at startup; thread-safe and stateless aside
// from compiled patterns.
type Service struct {
	maxInputLength int
	patterns       []*CompiledPattern
	codeMaskers    []Masker
}

// NewService creates a masking service with compiled patterns and the
// built-in code maskers.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = DefaultMaxInputLength
	}

	compiled := compilePatterns(cfg.CustomPatterns, logger)
	patterns := make([]*CompiledPattern, 0, len(compiled))
	for _, p := range compiled {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Name < patterns[j].Name })

	s := &Service{
		maxInputLength: cfg.MaxInputLength,
		patterns:       patterns,
		codeMaskers:    []Masker{&JSONSecretMasker{}},
	}
	logger.Info("Masking service initialized",
		"patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers),
		"max_input_length", s.maxInputLength)
	return s
}

// SanitizeInput prepares free text for logging: structural masking,
// regex sweep, then truncation with an ellipsis.
func (s *Service) SanitizeInput(text string) string {
	masked := s.MaskText(text)
	if len(masked) > s.maxInputLength {
		masked = masked[:s.maxInputLength] + "..."
	}
	return masked
}

// MaskText applies code-based maskers then the regex patterns, without
// truncation.
func (s *Service) MaskText(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, m := range s.codeMaskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// RedactMap returns a copy of m with values under credential-shaped
// keys replaced, recursing into nested maps and slices. String values
// are additionally swept by the regex patterns.
func (s *Service) RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = s.redact(v)
	}
	return out
}

func (s *Service) redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return s.RedactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.redact(inner)
		}
		return out
	case string:
		if strings.ContainsAny(val, ":=@") {
			return s.MaskText(val)
		}
		return val
	default:
		return v
	}
}
