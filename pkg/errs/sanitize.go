package errs

import (
	"encoding/json"
	"regexp"
	"strings"
)

const redacted = "***"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	skKeyPattern  = regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)
	kvKeyPattern  = regexp.MustCompile(`(?i)(api[_-]?key|auth[_-]?token|authorization)\s*[=:]\s*\S+`)
)

// sensitiveHeaders are header/context keys whose values are always redacted,
// compared case-insensitively.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"api-key":       true,
	"x-api-key":     true,
	"auth-token":    true,
}

// SanitizeText strips credential material from free-form text: bearer
// tokens, sk-prefixed API keys, and key=value credential assignments.
func SanitizeText(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer "+redacted)
	s = skKeyPattern.ReplaceAllString(s, redacted)
	s = kvKeyPattern.ReplaceAllStringFunc(s, func(match string) string {
		idx := strings.IndexAny(match, "=:")
		if idx < 0 {
			return redacted
		}
		return match[:idx+1] + redacted
	})
	return s
}

// SanitizeHeaders returns a copy of headers with credential-bearing keys
// replaced by *** and all values passed through text sanitization.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = SanitizeText(v)
	}
	return out
}

// sanitizeValue recursively sanitizes a context value for serialization.
// Message and tool bodies are summarized as counts, never inlined.
func sanitizeValue(key string, value interface{}) interface{} {
	if sensitiveHeaders[strings.ToLower(key)] {
		return redacted
	}
	switch v := value.(type) {
	case string:
		return SanitizeText(v)
	case map[string]string:
		return SanitizeHeaders(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = sanitizeValue(k, inner)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON serializes the error with secrets stripped and the stack
// trace included. Large payloads (messages, tool bodies) must be attached
// as counts by callers; the serializer never inlines raw request content.
func (e *BridgeError) MarshalJSON() ([]byte, error) {
	ctx := make(map[string]interface{}, len(e.Context))
	for k, v := range e.Context {
		ctx[k] = sanitizeValue(k, v)
	}

	var cause string
	if e.Err != nil {
		cause = SanitizeText(e.Err.Error())
	}

	return json.Marshal(struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		Context   map[string]interface{} `json:"context,omitempty"`
		Cause     string                 `json:"cause,omitempty"`
		Timestamp string                 `json:"timestamp"`
		Stack     []string               `json:"stack,omitempty"`
	}{
		Code:      e.Code,
		Message:   SanitizeText(e.Message),
		Context:   ctx,
		Cause:     cause,
		Timestamp: e.timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Stack:     e.stack,
	})
}
