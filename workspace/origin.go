package workspace

import (
	"net/url"
	"strings"
)

// NormalizeOrigin reduces a remote URL to "host/path" for comparison.
// SCP-style remotes (git@host:org/repo) are treated as ssh URLs. User info,
// ports, a trailing slash, and the ".git" suffix are dropped; the host is
// lowercased. Unparseable input is returned trimmed.
func NormalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	raw := origin
	if isSCPLike(raw) {
		i := strings.Index(raw, ":")
		raw = "ssh://" + raw[:i] + "/" + strings.TrimPrefix(raw[i+1:], "/")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimSuffix(origin, "/"), ".git")
	}
	p := strings.TrimSuffix(u.Path, "/")
	p = strings.TrimSuffix(p, ".git")
	return strings.ToLower(u.Hostname()) + p
}

// SameOrigin reports whether two remote URLs name the same repository.
func SameOrigin(a, b string) bool {
	na, nb := NormalizeOrigin(a), NormalizeOrigin(b)
	return na != "" && na == nb
}

// RedactOrigin strips credentials from http(s) remotes so origins can be
// shown to API clients.
func RedactOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.User == nil {
		return origin
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return origin
	}
	u.User = nil
	return u.String()
}

// isSCPLike matches "user@host:path" and "host:path" but not URLs or
// Windows drive paths.
func isSCPLike(s string) bool {
	if strings.Contains(s, "://") {
		return false
	}
	colon := strings.Index(s, ":")
	if colon <= 1 {
		return false
	}
	return !strings.Contains(s[:colon], "/")
}
