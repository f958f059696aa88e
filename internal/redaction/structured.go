package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// RedactedValue replaces a sensitive header or field value: the raw bytes
// are never stored, only enough to detect "did this change" and "how big
// was it" without being able to recover it.
type RedactedValue struct {
	Redacted bool   `json:"redacted"`
	Len      int    `json:"len"`
	SHA256   string `json:"sha256"`
}

// NewRedactedValue hashes and measures value without retaining it.
func NewRedactedValue(value string) RedactedValue {
	sum := sha256.Sum256([]byte(value))
	return RedactedValue{Redacted: true, Len: len(value), SHA256: hex.EncodeToString(sum[:])}
}

// sensitiveHeaderSubstrings mirrors the telemetry header-redaction rule:
// any header whose lowercased name starts with one of a small set of
// prefixes, or contains one of a small set of substrings, is never stored
// as a plain value.
var sensitiveHeaderPrefixes = []string{"cookie", "set-cookie", "authorization"}

var sensitiveHeaderSubstrings = []string{
	"token", "secret", "password", "pass", "pwd", "key", "session",
}

// IsSensitiveHeaderName reports whether a header name must be redacted
// before it is stored in a telemetry buffer or net-trace artifact.
func IsSensitiveHeaderName(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range sensitiveHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	for _, sub := range sensitiveHeaderSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with every sensitive value
// replaced by a RedactedValue; non-sensitive values pass through unchanged.
// The result is a map[string]any so callers can json.Marshal it directly
// alongside plain string values.
func RedactHeaders(headers map[string]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		if IsSensitiveHeaderName(k) {
			out[k] = NewRedactedValue(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactURL strips a URL down to scheme + host + path, dropping the query
// string and fragment entirely. Malformed input is returned unchanged
// (telemetry must never fail to ingest an event over an unparsable URL).
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
