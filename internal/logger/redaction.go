package logger

import (
	"io"
	"regexp"
)

// Placeholder written in place of redacted values
const Redacted = "[REDACTED]"

// sensitiveKey matches map keys whose values must never reach telemetry:
// api_key, password, token and secret as a word anywhere in the key
// (openai_api_key, x-api-key, auth_token), camelCase suffixes (accessToken)
// and any secret* prefix. Counters such as input_tokens do not match.
var sensitiveKey = regexp.MustCompile(`(?i)(?:^|[_.-])(?:api[_-]?key|apikey|password|passwd|token)(?:[_.-]|$)|(?:^|[_.-])secret|(?:apikey|password|passwd|token|secret)$`)

// Redactor redacts sensitive information from logs
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Passwords
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),

			// Auth tokens
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),

			// AWS keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// Generic secrets
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, Redacted)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// zerolog treats a short write as an error; report the original length.
	return len(p), nil
}

// IsSensitiveKey reports whether values stored under key must be redacted.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// RedactFields returns a copy of fields with every sensitive key replaced by
// Redacted. Nested maps and slices are walked recursively; the input is
// never modified.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return RedactFields(val)
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = s
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = RedactFields(item)
		}
		return out
	default:
		return v
	}
}
