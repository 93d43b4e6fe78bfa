package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxAddrLen   = 64
)

// printable strips control characters, so request data cannot start a new log line, and keeps at most
// limit runes.
func printable(value string, limit int) string {
	var b strings.Builder
	b.Grow(min(len(value), limit*utf8.UTFMax))
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute is printable for URL paths and chi patterns. Empty becomes "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return printable(route, maxRouteLen)
}

func SanitizeMethod(method string) string {
	return printable(method, maxMethodLen)
}
