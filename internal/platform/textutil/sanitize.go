package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// StripMarkup removes every HTML element from free text. Entities produced by the policy are decoded again so
// plain characters such as "&" are stored as typed; decoding repeats until no markup re-emerges.
func StripMarkup(value string) string {
	out := strings.TrimSpace(value)
	for i := 0; i < 3; i++ {
		next := strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(out)))
		if next == out {
			break
		}
		out = next
	}
	return out
}

// TrimMetadata trims provider metadata echoed back in webhooks. Entries with blank keys are dropped and the
// result is never nil, so lookups on missing keys yield "".
func TrimMetadata(values map[string]string) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	return result
}
