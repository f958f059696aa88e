// sensitivity.go — substring/exact-match classifier for "does this key look
// sensitive" decisions. Used for header redaction and agent-memory persistence
// gating. Deliberately conservative: false positives (over-redacting) are
// cheap, false negatives (leaking a secret) are not.
package sensitivity

import "strings"

// sensitiveSubstrings match anywhere in a lowercased key.
var sensitiveSubstrings = []string{
	"token",
	"secret",
	"password",
	"passwd",
	"pwd",
	"authorization",
	"cookie",
	"session",
	"jwt",
	"bearer",
	"api-key",
	"api_key",
	"apikey",
}

// sensitiveExact match the whole lowercased key, not a substring of it —
// "auth" alone would otherwise false-positive on ordinary words like
// "author" or "authority".
var sensitiveExact = map[string]bool{
	"auth": true,
}

// IsSensitiveKey reports whether key should be treated as sensitive:
// excluded from disk persistence, redacted in headers, hidden from logs.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveExact[lower] {
		return true
	}
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
