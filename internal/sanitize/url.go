package sanitize

import (
	"net/url"
	"strings"
)

// CleanURL removes tracking parameters from an absolute URL's query string and
// drops one trailing slash from the result. ok is false when raw is not an
// absolute URL, in which case raw must be kept verbatim.
func CleanURL(raw string) (cleaned string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return raw, false
	}
	if u.Host != "" && u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	u.RawQuery = stripQuery(u.RawQuery)
	u.ForceQuery = false

	return strings.TrimSuffix(u.String(), "/"), true
}

// stripQuery keeps the order and original encoding of surviving pairs.
func stripQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if dk, err := url.QueryUnescape(key); err == nil {
			key = dk
		}
		if IsTrackingParam(key) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}
