package observability

import (
	"regexp"
	"strings"
)

// Redactor masks sensitive data before it reaches the logs. The default
// patterns target what shows up in chat transcripts and provider errors:
// API keys users paste into messages, bearer tokens echoed in upstream
// failures, and common PII shapes.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

var defaultPatterns = []struct {
	pattern     string
	replacement string
	name        string
}{
	{`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "openai_project_key"},
	{`sk-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_API_KEY]", "openai_key"},
	{`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token"},
	{`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header"},
	{`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email"},
	{`\+?[0-9]{1,3}[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`, "[REDACTED_PHONE]", "phone"},
	{`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[REDACTED_CARD]", "credit_card"},
	{`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, "[REDACTED_SSN]", "ssn"},
}

// NewRedactor creates a redactor with the default pattern set.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range defaultPatterns {
		r.AddPattern(p.pattern, p.replacement, p.name)
	}
	return r
}

// AddPattern registers a custom redaction pattern. Invalid expressions are
// skipped.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactMap redacts sensitive values in a map, masking whole values whose
// keys look credential-like.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

var sensitiveKeyFragments = []string{
	"key", "token", "secret", "password", "auth", "credential",
}

func (r *Redactor) redactValue(key string, value any) any {
	lowerKey := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, fragment) {
			return "[REDACTED]"
		}
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.redactValue("", item)
		}
		return result
	default:
		return value
	}
}
