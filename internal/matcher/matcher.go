// Package matcher decides whether a tab URL is covered by a locked pattern.
//
// Patterns are URLs or bare hostnames. A pattern without a scheme is read
// as http. Two URLs match when their normalized absolute forms are equal in
// every component; when either side cannot be parsed the raw strings must be
// equal instead. Hostname-only or substring matching is deliberately not
// supported.
package matcher

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrNotAbsolute is returned for relative references.
	ErrNotAbsolute = errors.New("url is not absolute")
	// ErrMissingHost is returned for hierarchical URLs without a host.
	ErrMissingHost = errors.New("url has no host")
)

var (
	schemeRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

	// Schemes that are absolute without a "//" authority.
	opaqueSchemes = []string{"about:", "data:", "blob:", "javascript:", "mailto:"}

	defaultPorts = map[string]string{
		"http":  "80",
		"https": "443",
		"ws":    "80",
		"wss":   "443",
		"ftp":   "21",
	}

	// Schemes whose URLs always carry a host and an absolute path.
	specialSchemes = map[string]bool{
		"http":  true,
		"https": true,
		"ws":    true,
		"wss":   true,
		"ftp":   true,
	}

	hostProfile = idna.New(idna.Transitional(false))
)

// Matches reports whether candidate is locked by pattern.
func Matches(candidate, pattern string) bool {
	if candidate == "" || pattern == "" {
		return false
	}
	c, err := Normalize(candidate)
	if err != nil {
		return candidate == pattern
	}
	p, err := Normalize(WithScheme(pattern))
	if err != nil {
		return candidate == pattern
	}
	return c == p
}

// MatchesAny reports whether candidate is locked by any of patterns.
func MatchesAny(candidate string, patterns []string) bool {
	for _, p := range patterns {
		if Matches(candidate, p) {
			return true
		}
	}
	return false
}

// WithScheme prefixes pattern with http:// unless it already names a scheme.
func WithScheme(pattern string) string {
	if HasScheme(pattern) {
		return pattern
	}
	return "http://" + pattern
}

// HasScheme reports whether s starts with a URL scheme. "localhost:3000" has
// no scheme here even though a strict parser would read "localhost" as one.
func HasScheme(s string) bool {
	if schemeRE.MatchString(s) {
		return true
	}
	lower := strings.ToLower(s)
	for _, prefix := range opaqueSchemes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Normalize parses raw as an absolute URL and returns its canonical form:
// lowercase scheme and host, punycode host, no default port, and "/" for an
// empty path on http-like schemes.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%q: %w", raw, ErrNotAbsolute)
	}
	if u.Opaque != "" {
		return u.String(), nil
	}

	special := specialSchemes[u.Scheme]
	hostname := u.Hostname()
	if special && hostname == "" {
		return "", fmt.Errorf("%q: %w", raw, ErrMissingHost)
	}

	if hostname != "" {
		hostname = strings.ToLower(hostname)
		if ascii, err := hostProfile.ToASCII(hostname); err == nil {
			hostname = ascii
		}
		port := u.Port()
		if port == defaultPorts[u.Scheme] {
			port = ""
		}
		if strings.Contains(hostname, ":") {
			hostname = "[" + hostname + "]"
		}
		if port != "" {
			u.Host = net.JoinHostPort(strings.Trim(hostname, "[]"), port)
		} else {
			u.Host = hostname
		}
	}

	if special && u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u.String(), nil
}

// Validate accepts what Matches can parse: the pattern as given, or with an
// http:// prefix when it has no scheme. It is used to reject malformed input
// before it is stored.
func Validate(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("pattern is empty")
	}
	if strings.ContainsAny(pattern, " \t\r\n") {
		return fmt.Errorf("%q contains whitespace", pattern)
	}
	if _, err := Normalize(WithScheme(pattern)); err != nil {
		return err
	}
	return nil
}
