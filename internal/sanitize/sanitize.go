// Package sanitize strips personal data and campaign tracking parameters from
// event properties. It never fails: malformed sub-fields are left as they are.
package sanitize

import (
	"sort"
	"strings"

	"github.com/idmcalculus/Simplitics/internal/domain"
)

// piiIndicators are matched as case-insensitive substrings of property keys.
// The match is fuzzy: "nameplate", "description" and "zip" are
// dropped along with "email" or "user_name".
var piiIndicators = []string{"email", "phone", "name", "address", "ip", "password", "ssn"}

var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
}

// Result is the outcome of Apply.
type Result struct {
	Properties map[string]any
	// Removed holds the dotted paths of every dropped key, sorted.
	Removed      []string
	URLRewritten bool
}

// Sanitize returns a cleaned deep copy of props. The input is never mutated.
func Sanitize(props map[string]any) map[string]any {
	return Apply(props).Properties
}

// Apply is Sanitize with a report of what was changed.
func Apply(props map[string]any) Result {
	var res Result
	if props == nil {
		res.Properties = map[string]any{}
		return res
	}

	out := make(map[string]any, len(props))
	for k, v := range props {
		if IsPII(k) || IsTrackingParam(k) {
			res.Removed = append(res.Removed, k)
			continue
		}
		out[k] = copyStripped(v, k, &res.Removed)
	}

	if raw, ok := out[domain.PropURL].(string); ok {
		if cleaned, ok := CleanURL(raw); ok && cleaned != raw {
			out[domain.PropURL] = cleaned
			res.URLRewritten = true
		}
	}

	sort.Strings(res.Removed)
	res.Properties = out
	return res
}

// IsPII reports whether key looks like it carries personal data.
func IsPII(key string) bool {
	lk := strings.ToLower(key)
	for _, ind := range piiIndicators {
		if strings.Contains(lk, ind) {
			return true
		}
	}
	return false
}

// IsTrackingParam reports whether key is a campaign tracking parameter.
func IsTrackingParam(key string) bool {
	_, ok := trackingParams[strings.ToLower(key)]
	return ok
}

// copyStripped deep-copies v, dropping PII keys from nested objects.
func copyStripped(v any, path string, removed *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			p := path + "." + k
			if IsPII(k) {
				*removed = append(*removed, p)
				continue
			}
			m[k] = copyStripped(inner, p, removed)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = copyStripped(inner, path, removed)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}
