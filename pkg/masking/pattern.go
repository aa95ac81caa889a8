package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its
// replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// PatternConfig is the raw form of a masking pattern, compiled at
// service creation.
type PatternConfig struct {
	Pattern     string
	Replacement string
	Description string
}

// builtinPatterns sweep free text for credential shapes that key-based
// redaction cannot see.
var builtinPatterns = map[string]PatternConfig{
	"bearer_token": {
		Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
		Replacement: "Bearer " + Redacted,
		Description: "Authorization bearer tokens",
	},
	"basic_auth_url": {
		Pattern:     `(?i)(https?://)[^/\s:@]+:[^/\s:@]+@`,
		Replacement: "${1}" + Redacted + "@",
		Description: "Credentials embedded in URLs",
	},
	"api_key_assignment": {
		Pattern:     `(?i)(api[_-]?key|access[_-]?token|secret)\s*[=:]\s*\S+`,
		Replacement: "${1}=" + Redacted,
		Description: "Inline key=value credential assignments",
	},
}

// compilePatterns compiles the built-in patterns plus any custom ones.
// Invalid patterns are logged and skipped.
func compilePatterns(custom map[string]PatternConfig, logger *slog.Logger) map[string]*CompiledPattern {
	out := make(map[string]*CompiledPattern, len(builtinPatterns)+len(custom))
	add := func(name string, cfg PatternConfig) {
		compiled, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			logger.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			return
		}
		out[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: cfg.Replacement,
			Description: cfg.Description,
		}
	}
	for name, cfg := range builtinPatterns {
		add(name, cfg)
	}
	for name, cfg := range custom {
		add(name, cfg)
	}
	return out
}
