// Package redact scrubs sensitive values out of arbitrary data trees before
// they are logged or surfaced to operators.
package redact

import "strings"

// Placeholder replaces the value of any sensitive key.
const Placeholder = "[REDACTED]"

// sensitiveKeys are matched case-insensitively as substrings of map keys, so
// "AuthToken", "db_password", and "API_KEY" are all caught.
var sensitiveKeys = []string{
	"token",
	"password",
	"api_key",
	"apikey",
	"secret",
	"private_key",
	"authorization",
	"cookie",
	"session",
}

// Tree deep-copies the given structure, replacing the value of every map
// entry whose key looks sensitive with Placeholder. The input is never
// mutated. Scalars and unrecognised container types pass through unchanged.
func Tree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitive(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Tree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Tree(item)
		}
		return out
	default:
		return v
	}
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
