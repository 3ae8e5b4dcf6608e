// Package htmlutil extracts links, text, and redirects from project web
// pages and classifies outbound links by platform.
package htmlutil

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

// Anchor is a link found in a page.
type Anchor struct {
	Href string // absolute
	Text string // visible text, whitespace collapsed
	Rel  string
}

// Anchors returns every http(s) anchor in page, resolved against base.
// Anchors inside script, style and template elements are ignored.
func Anchors(page, base string) []Anchor {
	baseURL, err := url.Parse(base)
	if err != nil {
		baseURL = nil
	}

	z := html.NewTokenizer(strings.NewReader(page))
	var (
		out     []Anchor
		current *Anchor
		text    strings.Builder
		skip    int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if current != nil {
				current.Text = collapse(text.String())
				out = append(out, *current)
			}
			return out
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "script", "style", "template", "noscript":
				skip++
			case "a":
				if current != nil {
					current.Text = collapse(text.String())
					out = append(out, *current)
					current = nil
				}
				var href, rel string
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					switch string(k) {
					case "href":
						href = string(v)
					case "rel":
						rel = string(v)
					}
				}
				if abs := Resolve(href, baseURL); abs != "" {
					current = &Anchor{Href: abs, Rel: rel}
					text.Reset()
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "template", "noscript":
				if skip > 0 {
					skip--
				}
			case "a":
				if current != nil {
					current.Text = collapse(text.String())
					out = append(out, *current)
					current = nil
				}
			}
		case html.TextToken:
			if current != nil && skip == 0 {
				text.Write(z.Text())
				text.WriteByte(' ')
			}
		}
	}
}

// Resolve makes href absolute against base and keeps only http(s) URLs.
func Resolve(href string, base *url.URL) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// Domain returns the registrable domain of a URL or host, lowercased,
// e.g. "docs.example.co.uk" becomes "example.co.uk".
func Domain(rawURL string) string {
	host := rawURL
	if strings.Contains(rawURL, "/") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	if host == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// Host returns the lowercased host of a URL without a leading "www.".
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
