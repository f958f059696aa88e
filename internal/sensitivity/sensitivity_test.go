package sensitivity

import "testing"

func TestIsSensitiveKey(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"Authorization", true},
		{"X-Api-Key", true},
		{"apikey", true},
		{"api_key", true},
		{"Set-Cookie", true},
		{"session_id", true},
		{"auth", true},
		{"author", false},
		{"authority", false},
		{"content-type", false},
		{"JWT", true},
		{"bearer_token", true},
		{"passwd", true},
		{"username", false},
	}
	for _, c := range cases {
		t.Run(c.key, func(t *testing.T) {
			if got := IsSensitiveKey(c.key); got != c.want {
				t.Errorf("IsSensitiveKey(%q) = %v, want %v", c.key, got, c.want)
			}
		})
	}
}
