package submission

import "strings"

// Credentials identify the student on every submission. They are opaque and only
// checked for presence.
type Credentials struct {
	Email  string
	Secret string
}

// Valid reports whether both values are present.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Email) != "" && strings.TrimSpace(c.Secret) != ""
}

// String masks the secret so credentials can be logged.
func (c Credentials) String() string {
	return c.Email + ":" + MaskSecret(c.Secret)
}

// MaskSecret keeps at most the first two characters of s.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}
