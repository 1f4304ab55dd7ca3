package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	plainTextPolicyOnce sync.Once
	plainTextPolicy     *bluemonday.Policy
)

// PlainTextPolicy returns a singleton policy that strips every element and attribute.
// Script and style bodies are dropped entirely and stripped tags leave a space so
// adjacent blocks do not run together.
func PlainTextPolicy() *bluemonday.Policy {
	plainTextPolicyOnce.Do(func() {
		p := bluemonday.StrictPolicy()
		p.AddSpaceWhenStrippingTag(true)
		plainTextPolicy = p
	})
	return plainTextPolicy
}

// PlainText converts an HTML document or fragment into trimmed, non-empty text lines.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return NormalizeLines(html.UnescapeString(PlainTextPolicy().Sanitize(s)))
}

// NormalizeLines collapses runs of whitespace inside each line and drops blank lines.
func NormalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
