package auth

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
)

// claimSet reads loosely typed token claims. Issuers disagree on encodings: numbers arrive as float64,
// json.Number or decimal strings, and roles as a string, a list or a {"role": true} map.
type claimSet map[string]any

func (c claimSet) str(key string) string {
	v, _ := c[key].(string)
	return strings.TrimSpace(v)
}

func (c claimSet) int64(key string) (int64, bool) {
	switch v := c[key].(type) {
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// roles returns the normalised, de-duplicated roles under key in first-seen order.
func (c claimSet) roles(key string) []string {
	var raw []string
	switch v := c[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for role, granted := range v {
			if on, _ := granted.(bool); on {
				raw = append(raw, role)
			}
		}
		slices.Sort(raw)
	}

	var out []string
	for _, role := range raw {
		if role = normaliseRole(role); role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}

// audiences accepts both the single-string and the list form of "aud".
func (c claimSet) audiences() []string {
	var out []string
	switch v := c["aud"].(type) {
	case string:
		out = append(out, v)
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return slices.DeleteFunc(out, func(s string) bool { return strings.TrimSpace(s) == "" })
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
