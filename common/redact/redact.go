// Package redact strips credentials from strings and structured values
// before they reach logs, the audit table or a chat room.
//
// The device backend hands out bearer tokens and accepts a password at
// login; the LLM provider needs an API key. None of these may be logged.
// Redaction works on string forms and only knows the values callers pass in.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// sensitiveWords flag map keys whose values are treated as secrets.
var sensitiveWords = []string{"password", "passwd", "token", "secret", "credential", "authorization", "apikey", "api_key"}

// String replaces each sensitive value in s with [REDACTED]. Values shorter
// than 4 characters are ignored.
//
//	safe := redact.String(body, accessToken, password)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error returns err's message with sensitive values redacted, or "" for a
// nil error.
func Error(err error, sensitiveValues ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), sensitiveValues...)
}

// Map returns a shallow copy of m in which non-empty string values under
// secret-looking keys are replaced. Nested maps are redacted too.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if val != "" && IsSensitiveKey(k) {
				out[k] = placeholder
				continue
			}
		case map[string]any:
			out[k] = Map(val)
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey reports whether a field named key probably holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
