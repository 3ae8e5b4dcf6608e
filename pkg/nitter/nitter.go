// Package nitter parses profile pages served by Nitter-style mirrors (and the
// rendered x.com profile page returned by the browser fallback) into
// normalized profile records.
package nitter

import (
	"bytes"
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/codeGROOVE-dev/xverify/pkg/htmlutil"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

// MinPageBytes is the size below which a payload without profile markers is
// assumed to be a challenge interstitial rather than a profile page.
const MinPageBytes = 2048

// avatarCDN is where decoded mirror proxy paths point.
const avatarCDN = "https://pbs.twimg.com/"

// layout describes where a page family keeps its profile header.
type layout struct {
	card     string // profile header container
	username string // element whose text is "@handle", used to pick the matching card
	name     string
	avatar   string
	bio      string
	website  string
	exclude  string // feed regions; nothing inside them is profile evidence
}

var layouts = []layout{
	{
		card:     ".profile-card",
		username: ".profile-card-username",
		name:     ".profile-card-fullname",
		avatar:   "a.profile-card-avatar, .profile-card-avatar img",
		bio:      ".profile-bio",
		website:  ".profile-website",
		exclude:  ".timeline, .timeline-item, .tweet-body, .quote",
	},
	{
		card:     `[data-testid="primaryColumn"]`,
		username: `[data-testid="UserName"]`,
		name:     `[data-testid="UserName"] span`,
		avatar:   `a[href$="/photo"] img, [data-testid^="UserAvatar"] img`,
		bio:      `[data-testid="UserDescription"]`,
		website:  `[data-testid="UserUrl"], [data-testid="UserProfileHeader_Items"]`,
		exclude:  `[data-testid="tweet"], [data-testid="cellInnerDiv"], article`,
	},
}

// profileMarkers are structural fragments only genuine profile/timeline pages carry.
var profileMarkers = []string{
	"profile-card",
	"timeline-item",
	`data-testid="UserName"`,
	`data-testid="tweet"`,
	`data-testid="UserDescription"`,
}

// LooksLikeChallenge reports whether a payload is an anti-bot challenge.
// Genuine profile markers override both the size and the phrase checks.
func LooksLikeChallenge(raw []byte) bool {
	if hasProfileMarkers(raw) {
		return false
	}
	if len(bytes.TrimSpace(raw)) < MinPageBytes {
		return true
	}
	return htmlutil.HasChallengePhrase(raw)
}

func hasProfileMarkers(raw []byte) bool {
	for _, m := range profileMarkers {
		if bytes.Contains(raw, []byte(m)) {
			return true
		}
	}
	return false
}

var (
	profileHrefRe = regexp.MustCompile(`(?i)href=["'](?:https?://[^/"']+)?/@?(\w+)["'/?#]`)
	mentionRe     = regexp.MustCompile(`(?:^|[^\w])@(\w+)`)
)

// MatchesHandle reports whether the payload textually corresponds to handle:
// the handle appears in a profile-link href or as an @handle mention.
func MatchesHandle(raw []byte, handle string) bool {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return false
	}
	for _, re := range []*regexp.Regexp{profileHrefRe, mentionRe} {
		for _, m := range re.FindAllSubmatch(raw, -1) {
			if strings.EqualFold(string(m[1]), handle) {
				return true
			}
		}
	}
	return false
}

// Parse turns a raw mirror or x.com page into a profile record for handle.
// It never fails; unrecognizable payloads produce an invalid (empty) record.
func Parse(raw []byte, handle string) profile.Record {
	handle = strings.ToLower(strings.TrimPrefix(handle, "@"))
	rec := profile.Record{Handle: handle}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return rec
	}

	for _, l := range layouts {
		card := matchingCard(doc, l, handle)
		if card == nil {
			continue
		}
		rec.DisplayName = extractName(card, l)
		rec.AvatarURL = extractAvatar(doc, card, l)
		links, mentions := extractLinks(card, l)
		rec.BioLinks = links
		rec.MentionedHandles = without(mentions, handle)
		return rec
	}

	// No known layout: only page metadata can be trusted.
	if og := metaContent(doc, "og:image", "twitter:image"); strings.Contains(og, "profile_images") {
		rec.AvatarURL = CanonicalAvatar(og)
	}
	return rec
}

// FromFields normalizes an already-structured profile (e.g. the browser
// service's pre-parsed object) with the same rules Parse applies.
func FromFields(handle, name, avatar string, links []string) profile.Record {
	rec := profile.Record{
		Handle:      strings.ToLower(strings.TrimPrefix(handle, "@")),
		DisplayName: strings.TrimSpace(name),
	}
	if avatar != "" {
		rec.AvatarURL = CanonicalAvatar(avatar)
	}
	for _, l := range links {
		if u := normalizeBioLink(l, l); u != "" {
			rec.BioLinks = profile.UnionStrings(rec.BioLinks, []string{u})
		}
	}
	return rec
}

// matchingCard picks the profile card whose username matches handle,
// falling back to the first card of the layout.
func matchingCard(doc *goquery.Document, l layout, handle string) *goquery.Selection {
	cards := doc.Find(l.card).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest(l.exclude).Length() == 0
	})
	if cards.Length() == 0 {
		return nil
	}
	var match *goquery.Selection
	cards.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Find(l.username).First().Text())
		if handle != "" && strings.Contains(text, "@"+handle) {
			match = s
			return false
		}
		return true
	})
	if match != nil {
		return match
	}
	return cards.First()
}

// scoped returns the elements matching sel inside card that are not inside a feed region.
func scoped(card *goquery.Selection, l layout, sel string) *goquery.Selection {
	return card.Find(sel).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest(l.exclude).Length() == 0
	})
}

func extractName(card *goquery.Selection, l layout) string {
	var name string
	scoped(card, l, l.name).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if title, ok := s.Attr("title"); ok && strings.TrimSpace(title) != "" && text == "" {
			text = strings.TrimSpace(title)
		}
		if text == "" || strings.HasPrefix(text, "@") {
			return true
		}
		name = text
		return false
	})
	return name
}

// extractAvatar applies the avatar precedence: profile-card avatar element,
// then any non-feed image on the avatar path, then page metadata.
func extractAvatar(doc *goquery.Document, card *goquery.Selection, l layout) string {
	var found string
	scoped(card, l, l.avatar).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"href", "src"} {
			if v, ok := s.Attr(attr); ok && strings.Contains(decodeProxy(v), "profile_images") {
				found = v
				return false
			}
		}
		return true
	})
	if found != "" {
		return CanonicalAvatar(found)
	}

	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Closest(l.exclude).Length() > 0 {
			return true
		}
		if src, ok := s.Attr("src"); ok && strings.Contains(decodeProxy(src), "/profile_images/") {
			found = src
			return false
		}
		return true
	})
	if found != "" {
		return CanonicalAvatar(found)
	}

	if og := metaContent(doc, "og:image", "twitter:image"); strings.Contains(decodeProxy(og), "profile_images") {
		return CanonicalAvatar(og)
	}
	return ""
}

// extractLinks collects bio/website links and internal mentions from the card.
func extractLinks(card *goquery.Selection, l layout) (links, mentions []string) {
	seen := make(map[string]bool)
	for _, region := range []string{l.bio, l.website} {
		scoped(card, l, region).Each(func(_ int, r *goquery.Selection) {
			mentions = profile.UnionStrings(mentions, twitter.Mentions(r.Text()))
			r.Filter("a[href]").AddSelection(r.Find("a[href]")).Each(func(_ int, a *goquery.Selection) {
				href, _ := a.Attr("href")
				text := strings.TrimSpace(a.Text())
				if h := internalHandle(href); h != "" {
					mentions = profile.UnionStrings(mentions, []string{h})
					return
				}
				u := normalizeBioLink(href, text)
				if u == "" || seen[u] {
					return
				}
				seen[u] = true
				links = append(links, u)
			})
		})
	}
	return links, mentions
}

// internalHandle returns the handle for mirror-relative or platform profile links.
func internalHandle(href string) string {
	if strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//") {
		seg := strings.Trim(strings.SplitN(strings.TrimPrefix(href, "/"), "?", 2)[0], "/")
		if !strings.Contains(seg, "/") {
			return twitter.Handle("https://x.com/" + seg)
		}
		return ""
	}
	if twitter.Match(href) {
		return twitter.Handle(href)
	}
	return ""
}

// normalizeBioLink returns the absolute destination for a bio anchor, or "" when
// it must be excluded. Shortener hrefs are replaced by the anchor's visible text.
func normalizeBioLink(href, text string) string {
	href = strings.TrimSpace(href)
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return ""
	}
	if twitter.IsShortener(href) {
		href = visibleDestination(text)
		if href == "" {
			return ""
		}
	}
	if twitter.IsPlatformURL(href) {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	out := u.String()
	if u.Path == "/" && u.RawQuery == "" {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

// visibleDestination turns link text such as "example.io/docs…" into an absolute URL.
func visibleDestination(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimRight(text, "…")
	text = strings.TrimSuffix(text, "...")
	if text == "" || strings.ContainsAny(text, " \t\n") || !strings.Contains(text, ".") {
		return ""
	}
	if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
		text = "https://" + text
	}
	return text
}

var sizeSuffix = regexp.MustCompile(`_(?:normal|bigger|mini|reasonably_small|original|\d+x\d+)(\.[A-Za-z0-9]+)?$`)

// CanonicalAvatar decodes mirror proxy encodings back to the origin asset URL,
// strips query and fragment, and removes size-variant suffixes, so URLs that
// differ only by requested thumbnail size canonicalize identically.
func CanonicalAvatar(raw string) string {
	raw = decodeProxy(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawPath = ""
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i+1] + sizeSuffix.ReplaceAllString(u.Path[i+1:], "$1")
	}
	return u.String()
}

// decodeProxy reverses mirror image proxying (/pic/..., /pic/orig/..., /pic/enc/<base64>).
func decodeProxy(raw string) string {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	idx := strings.Index(raw, "/pic/")
	if idx < 0 {
		return raw
	}
	rest := raw[idx+len("/pic/"):]
	rest = strings.TrimPrefix(rest, "orig/")

	if enc, ok := strings.CutPrefix(rest, "enc/"); ok {
		enc = strings.SplitN(enc, "?", 2)[0]
		decoded, err := base64.URLEncoding.DecodeString(enc)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(enc)
		}
		if err != nil {
			return ""
		}
		rest = string(decoded)
	} else if unescaped, err := url.PathUnescape(rest); err == nil {
		rest = unescaped
	}

	switch {
	case strings.HasPrefix(rest, "http://"), strings.HasPrefix(rest, "https://"):
		return rest
	case strings.HasPrefix(rest, "pbs.twimg.com/"):
		return "https://" + rest
	default:
		return avatarCDN + strings.TrimLeft(rest, "/")
	}
}

func metaContent(doc *goquery.Document, names ...string) string {
	for _, n := range names {
		sel := `meta[property="` + n + `"], meta[name="` + n + `"]`
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func without(list []string, drop string) []string {
	var out []string
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
