package htmlutil

import (
	"html"
	"regexp"
	"strings"
)

var (
	hiddenBlockRe = regexp.MustCompile(`(?is)<(script|style|noscript|template)\b.*?</(?:script|style|noscript|template)>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
)

// StripTags returns the visible text of page with scripts and styles removed.
func StripTags(page string) string {
	if page == "" {
		return ""
	}
	s := hiddenBlockRe.ReplaceAllString(page, " ")
	s = tagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}
