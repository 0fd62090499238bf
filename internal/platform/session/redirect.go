package session

import (
	"net/url"
	"strings"
)

// SafeReturnTo returns raw when it is a path on this site and fallback
// otherwise. Absolute URLs, scheme-relative URLs and backslash tricks are
// rejected so return_to cannot be used as an open redirect.
func SafeReturnTo(raw, fallback string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return fallback
	}
	if strings.ContainsAny(raw, "\\\r\n\t") {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return fallback
	}
	return raw
}
