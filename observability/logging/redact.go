package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// plainKeys may be logged verbatim through MaskField.
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"error":     {},
	"reason":    {},
	"route":     {},
	"method":    {},
	"status":    {},
	"subject":   {},
	"depositor": {},
	"front_end": {},
}

// IsAllowlisted reports whether key is logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue hides any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, redacting the value unless key is on
// the allowlist.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskSecret keeps the last four characters of long secrets so operators can
// tell credentials apart.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return ""
	case len(trimmed) <= 8:
		return RedactedValue
	default:
		return RedactedValue + "…" + trimmed[len(trimmed)-4:]
	}
}
