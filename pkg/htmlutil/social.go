package htmlutil

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

// platform pairs a link-map key with the profile URL pattern that identifies it.
type platform struct {
	pattern *regexp.Regexp
	name    string
}

// platforms is checked in order; the first match classifies a link.
var platforms = []platform{
	{name: "twitter", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/\w{1,15}/?$`)},
	{name: "telegram", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?(?:t\.me|telegram\.me)/[\w+-]+/?$`)},
	{name: "discord", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?(?:discord\.gg|discord\.com/invite|discordapp\.com/invite)/[\w-]+/?$`)},
	{name: "github", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?github\.com/[\w-]+/?$`)},
	{name: "medium", pattern: regexp.MustCompile(`(?i)^https?://(?:(?:www\.)?medium\.com/@?[\w.-]+|[\w-]+\.medium\.com)/?$`)},
	{name: "mirror", pattern: regexp.MustCompile(`(?i)^https?://(?:mirror\.xyz/[\w.-]+|[\w-]+\.mirror\.xyz)/?$`)},
	{name: "substack", pattern: regexp.MustCompile(`(?i)^https?://[\w-]+\.substack\.com/?$`)},
	{name: "youtube", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?youtube\.com/(?:@[\w.-]+|c/[\w-]+|channel/[\w-]+|user/[\w-]+)/?$`)},
	{name: "linkedin", pattern: regexp.MustCompile(`(?i)^https?://(?:[\w]+\.)?linkedin\.com/(?:company|in|school)/[\w%-]+/?$`)},
	{name: "reddit", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.|old\.)?reddit\.com/(?:r|user|u)/[\w-]+/?$`)},
	{name: "instagram", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?instagram\.com/[\w.]+/?$`)},
	{name: "facebook", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?facebook\.com/[\w.-]+/?$`)},
	{name: "tiktok", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?tiktok\.com/@[\w.]+/?$`)},
	{name: "farcaster", pattern: regexp.MustCompile(`(?i)^https?://(?:www\.)?(?:warpcast\.com|farcaster\.xyz)/[\w.-]+/?$`)},
	{name: "bluesky", pattern: regexp.MustCompile(`(?i)^https?://bsky\.app/profile/[\w.-]+/?$`)},
	{name: "mastodon", pattern: regexp.MustCompile(`(?i)^https?://[\w.-]+\.\w{2,}/@\w+/?$`)},
}

// systemPaths are never profiles, whatever platform hosts them.
var systemPaths = map[string]bool{
	"about": true, "help": true, "login": true, "signup": true, "privacy": true,
	"terms": true, "tos": true, "settings": true, "explore": true, "search": true,
	"share": true, "intent": true, "home": true, "policies": true, "legal": true,
}

// Classify returns the platform key for a social profile link, or false
// when the link is not a recognizable profile. X links are canonicalized.
func Classify(rawURL string) (name, canonical string, ok bool) {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return "", "", false
	}
	if c, ok := twitter.Canonical(u); ok {
		return "twitter", c, true
	}
	if twitter.IsPlatformURL(u) {
		return "", "", false // X system page or shortener
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if systemPath(u) {
		return "", "", false
	}
	for _, p := range platforms {
		if p.pattern.MatchString(u) {
			return p.name, strings.TrimSuffix(u, "/"), true
		}
	}
	return "", "", false
}

func systemPath(u string) bool {
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	_, path, found := strings.Cut(rest, "/")
	if !found {
		return false
	}
	first, _, _ := strings.Cut(strings.ToLower(path), "/")
	return systemPaths[strings.TrimPrefix(first, "@")]
}

// SocialLinks classifies links and keeps the first link per platform.
// Hosts in exclude (and their subdomains) are skipped.
func SocialLinks(links []string, exclude ...string) map[string]string {
	out := make(map[string]string)
	for _, l := range links {
		if excluded(l, exclude) {
			continue
		}
		name, canonical, ok := Classify(l)
		if !ok {
			continue
		}
		if _, dup := out[name]; !dup {
			out[name] = canonical
		}
	}
	return out
}

func excluded(link string, hosts []string) bool {
	h := Host(link)
	for _, x := range hosts {
		x = strings.TrimPrefix(strings.ToLower(x), "www.")
		if x != "" && (h == x || strings.HasSuffix(h, "."+x)) {
			return true
		}
	}
	return false
}

var docsText = regexp.MustCompile(`(?i)\b(?:docs|documentation|developer docs|whitepaper|litepaper|gitbook)\b`)

// DocsLink picks the project's documentation page from a page's anchors:
// a docs.<site> or gitbook host first, then an anchor whose text or
// same-site path says docs. Returns "" when nothing qualifies.
func DocsLink(anchors []Anchor, siteURL string) string {
	site := Domain(siteURL)
	var byText string
	for _, a := range anchors {
		h := Host(a.Href)
		switch {
		case site != "" && (h == "docs."+site || strings.HasPrefix(h, "docs.") && Domain(a.Href) == site):
			return a.Href
		case strings.HasSuffix(h, ".gitbook.io"):
			return a.Href
		}
		if byText != "" {
			continue
		}
		if docsText.MatchString(a.Text) {
			byText = a.Href
			continue
		}
		if Domain(a.Href) == site {
			if u, err := url.Parse(a.Href); err == nil {
				path := strings.ToLower(strings.TrimPrefix(u.Path, "/"))
				if strings.HasPrefix(path, "docs") || strings.HasPrefix(path, "documentation") {
					byText = a.Href
				}
			}
		}
	}
	return byText
}
