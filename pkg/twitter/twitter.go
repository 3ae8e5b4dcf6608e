// Package twitter canonicalizes X/Twitter profile URLs and handles.
package twitter

import (
	"net/url"
	"regexp"
	"strings"
)

// Host is the canonical platform domain.
const Host = "x.com"

// platformHosts are the platform's own domains. Links to them are never bio evidence.
var platformHosts = []string{"x.com", "twitter.com", "t.co", "twimg.com", "pbs.twimg.com", "abs.twimg.com"}

// systemPages are first path segments that never name a user.
var systemPages = map[string]bool{
	"tos": true, "privacy": true, "messages": true, "settings": true,
	"search": true, "explore": true, "notifications": true, "home": true,
	"login": true, "logout": true, "signup": true, "i": true,
	"compose": true, "intent": true, "share": true, "hashtag": true,
	"about": true, "help": true, "rules": true, "ads": true,
	"content": true, "download": true, "jobs": true, "x": true,
	"twitter": true, "account": true, "oauth": true, "widgets": true,
	"follow": true, "status": true, "statuses": true, "lists": true,
}

// languageCodes are locale prefixes the platform serves under the first segment.
var languageCodes = map[string]bool{
	"en": true, "ja": true, "es": true, "fr": true, "de": true, "ko": true,
	"pt": true, "ru": true, "zh": true, "it": true, "ar": true, "tr": true,
}

// Match returns true if the URL is on a Twitter/X domain.
func Match(urlStr string) bool {
	host := hostOf(urlStr)
	return host == "x.com" || host == "twitter.com"
}

// IsValidUsername validates a Twitter username against platform requirements.
// Twitter usernames must be 1-15 characters and contain only alphanumeric or underscore.
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 15 {
		return false
	}
	for _, r := range username {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isUpper && !isDigit && r != '_' {
			return false
		}
	}
	return true
}

// Canonical returns the canonical profile URL (https://x.com/<lowercase handle>)
// for any Twitter/X profile address, or false if the URL is not a user profile.
// Trailing segments such as /photo or /status/123 are stripped.
func Canonical(raw string) (string, bool) {
	handle := Handle(raw)
	if handle == "" {
		return "", false
	}
	return ProfileURL(handle), true
}

// Handle extracts the lowercase handle from a profile URL, or "" if it is not one.
func Handle(raw string) string {
	return strings.ToLower(DisplayHandle(raw))
}

// DisplayHandle extracts the handle from a profile URL as written, or ""
// if it is not one. Handles are case-insensitive; keys use Handle.
func DisplayHandle(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if h := normalizeHost(u.Host); h != "x.com" && h != "twitter.com" {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		// Hash-bang URLs: https://twitter.com/#!/handle
		path = strings.Trim(strings.TrimPrefix(u.Fragment, "!"), "/")
	}
	first := strings.Split(path, "/")[0]
	first = strings.TrimPrefix(first, "@")
	lower := strings.ToLower(first)
	if systemPages[lower] || languageCodes[lower] || !IsValidUsername(first) {
		return ""
	}
	return first
}

// DisplayURL builds a profile URL that keeps the handle's case.
func DisplayURL(handle string) string {
	return "https://" + Host + "/" + strings.TrimPrefix(handle, "@")
}

// ProfileURL builds the canonical profile URL for a bare handle.
func ProfileURL(handle string) string {
	return "https://" + Host + "/" + strings.ToLower(strings.TrimPrefix(handle, "@"))
}

// IsPlatformHost reports whether host belongs to the platform (including its shortener and CDN).
func IsPlatformHost(host string) bool {
	host = normalizeHost(host)
	for _, p := range platformHosts {
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// IsPlatformURL reports whether the URL points at one of the platform's own domains.
func IsPlatformURL(raw string) bool {
	return IsPlatformHost(hostOf(raw))
}

// IsShortener reports whether the URL is on the platform's link-shortener domain.
func IsShortener(raw string) bool {
	return hostOf(raw) == "t.co"
}

// mentionPattern matches @handle tokens not preceded by a word character (e-mail addresses).
var mentionPattern = regexp.MustCompile(`(?:^|[^\w@./])@([A-Za-z0-9_]{1,15})\b`)

// Mentions returns the distinct lowercase handles mentioned as @handle in text.
func Mentions(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		h := strings.ToLower(m[1])
		if seen[h] || systemPages[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	for _, prefix := range []string{"www.", "mobile.", "m."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return normalizeHost(u.Host)
}
