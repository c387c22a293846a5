package logging

import (
	"regexp"
)

// Sanitizer redacts credentials from log output. Model API keys and webhook
// URLs end up in error messages often enough that every record passes through it.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: compilePatterns(defaultPatterns),
		redacted: "[REDACTED]",
	}
}

var defaultPatterns = []string{
	// OpenAI-style keys, including project keys
	`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`,
	// Slack incoming webhooks
	`https://hooks\.slack\.com/services/[A-Za-z0-9/_-]+`,
	// Slack tokens
	`xox[baprs]-[0-9a-zA-Z-]{10,}`,
	// Bearer tokens
	`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
	// key=value style secrets
	`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	`(?i)password["'\s:=]+[^\s"']{8,}`,
	`(?i)token["'\s:=]+[a-zA-Z0-9_-]{20,}`,
	// credentials embedded in URLs
	`://[^/\s:@]+:[^/\s@]+@`,
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}

// SanitizeMap redacts string values in a map, recursively.
func (s *Sanitizer) SanitizeMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			result[k] = s.Sanitize(val)
		case map[string]interface{}:
			result[k] = s.SanitizeMap(val)
		default:
			result[k] = v
		}
	}
	return result
}

// AddPattern adds a custom pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.patterns = append(s.patterns, re)
	return nil
}
