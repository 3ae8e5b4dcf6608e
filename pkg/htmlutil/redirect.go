package htmlutil

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	metaRefreshRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]+content\s*=\s*["']?\d+\s*;\s*url\s*=\s*["']?([^"'>\s]+)`),
		regexp.MustCompile(`(?i)<meta[^>]+content\s*=\s*["']?\d+\s*;\s*url\s*=\s*["']?([^"'>\s]+)[^>]+http-equiv\s*=\s*["']?refresh["']?`),
	}
	jsRedirectRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)window\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?i)(?:^|[^\w.])location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?i)document\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?i)(?:window\.)?location\.(?:replace|assign)\s*\(\s*["']([^"']+)["']\s*\)`),
	}
)

// Redirect returns the absolute target of a meta refresh or JavaScript
// redirect in page, resolved against base. Self and fragment redirects
// return "".
func Redirect(page, base string) string {
	target := ""
	for _, re := range metaRefreshRe {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			target = m[1]
			break
		}
	}
	if target == "" {
		for _, re := range jsRedirectRe {
			if m := re.FindStringSubmatch(page); len(m) > 1 {
				target = m[1]
				break
			}
		}
	}
	target = strings.TrimRight(strings.TrimSpace(target), `"'>`)
	if target == "" || strings.HasPrefix(target, "#") || target == "." || target == "./" {
		return ""
	}

	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	abs := Resolve(target, b)
	if abs == "" || strings.TrimSuffix(abs, "/") == strings.TrimSuffix(b.String(), "/") {
		return ""
	}
	return abs
}
