// Package aggregator recognizes link-aggregator pages (Linktree and
// similar) and decides whether one belongs to a given project.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codeGROOVE-dev/xverify/pkg/htmlutil"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

// DefaultDomains are the aggregator hosts recognized out of the box.
var DefaultDomains = []string{
	"linktr.ee", "linktree.com", "bio.link", "beacons.ai", "lnk.bio", "taplink.cc",
	"campsite.bio", "carrd.co", "solo.to", "allmylinks.com", "link3.to",
}

var (
	nextDataRe = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json"[^>]*>(.*?)</script>`)
	xProfileRe = regexp.MustCompile(`(?:twitter|x)\.com/(\w+)`)
)

// nextDataLinkPaths locate outbound links in Linktree-style __NEXT_DATA__ payloads.
var nextDataLinkPaths = []string{
	"props.pageProps.links.#.url",
	"props.pageProps.socialLinks.#.url",
	"props.pageProps.account.socialLinks.#.url",
}

// Verifier fetches aggregator pages over the cheap channel and checks
// whether they belong to a project.
type Verifier struct {
	client   *http.Client
	cache    httpcache.Cacher
	agents   *httpcache.UserAgents
	logger   *slog.Logger
	verdicts map[string]profile.Verdict
	domains  []string
	mu       sync.Mutex
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithHTTPCache sets the HTTP cache.
func WithHTTPCache(c httpcache.Cacher) Option {
	return func(v *Verifier) { v.cache = c }
}

// WithUserAgents sets the User-Agent rotation.
func WithUserAgents(ua *httpcache.UserAgents) Option {
	return func(v *Verifier) { v.agents = ua }
}

// WithDomains replaces the recognized aggregator hosts.
func WithDomains(domains []string) Option {
	return func(v *Verifier) {
		if len(domains) > 0 {
			v.domains = domains
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default(),
		verdicts: make(map[string]profile.Verdict),
		domains:  DefaultDomains,
	}
	for _, opt := range opts {
		opt(v)
	}
	lowered := make([]string, 0, len(v.domains))
	for _, d := range v.domains {
		lowered = append(lowered, strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www."))
	}
	v.domains = lowered
	return v
}

// IsAggregator reports whether rawURL points at a recognized aggregator page.
// Bare aggregator home pages (no path) do not count.
func (v *Verifier) IsAggregator(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	h := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if h == "" {
		return false
	}
	for _, d := range v.domains {
		switch {
		case h == d:
			return strings.Trim(u.Path, "/") != ""
		case strings.HasSuffix(h, "."+d):
			return true // subdomain-style pages such as name.carrd.co
		}
	}
	return false
}

// page fetches an aggregator once; later calls are served from the HTTP cache.
func (v *Verifier) page(ctx context.Context, aggURL string) (string, error) {
	body, err := httpcache.Get(ctx, v.cache, v.client, aggURL, v.agents.Next(), v.logger, htmlutil.Cacheable)
	if err != nil {
		return "", fmt.Errorf("fetch aggregator %s: %w", aggURL, err)
	}
	return string(body), nil
}

// Links returns the outbound links of an aggregator page, absolute and in
// page order, excluding other aggregators and the page's own host.
func (v *Verifier) Links(ctx context.Context, aggURL string) ([]string, error) {
	body, err := v.page(ctx, aggURL)
	if err != nil {
		return nil, err
	}
	return v.outbound(body, aggURL), nil
}

func (v *Verifier) outbound(body, aggURL string) []string {
	own := htmlutil.Host(aggURL)
	var raw []string
	for _, a := range htmlutil.Anchors(body, aggURL) {
		raw = append(raw, a.Href)
	}
	if m := nextDataRe.FindStringSubmatch(body); len(m) > 1 && gjson.Valid(m[1]) {
		for _, path := range nextDataLinkPaths {
			for _, r := range gjson.Get(m[1], path).Array() {
				raw = append(raw, r.String())
			}
		}
	}

	var out []string
	for _, l := range profile.UnionStrings(nil, raw) {
		h := htmlutil.Host(l)
		if h == "" || h == own || strings.HasSuffix(h, "."+own) || v.IsAggregator(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// BelongsToProject decides whether the aggregator at aggURL belongs to the
// project at siteDomain. Either the site's domain appearing in the page or
// a direct link to handle's profile is sufficient. Verdicts are memoized
// per aggregator and domain. A fetch failure yields a negative verdict that
// is not memoized, so a later call fetches again.
func (v *Verifier) BelongsToProject(ctx context.Context, aggURL, siteDomain, handle string) profile.Verdict {
	domain := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(siteDomain)), "www.")
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	key := strings.ToLower(aggURL) + "|" + domain + "|" + handle

	v.mu.Lock()
	if verdict, ok := v.verdicts[key]; ok {
		v.mu.Unlock()
		return cloneVerdict(verdict)
	}
	v.mu.Unlock()

	verdict, err := v.decide(ctx, aggURL, domain, handle)
	if err != nil {
		v.logger.DebugContext(ctx, "aggregator unavailable", "url", aggURL, "error", err)
		return profile.Verdict{}
	}

	v.mu.Lock()
	v.verdicts[key] = verdict
	v.mu.Unlock()
	return cloneVerdict(verdict)
}

func (v *Verifier) decide(ctx context.Context, aggURL, domain, handle string) (profile.Verdict, error) {
	if domain == "" && handle == "" {
		return profile.Verdict{}, nil
	}
	body, err := v.page(ctx, aggURL)
	if err != nil {
		return profile.Verdict{}, err
	}
	lower := strings.ToLower(body)

	reason := ""
	switch {
	case domain != "" && strings.Contains(lower, domain):
		reason = "domain"
	case handle != "" && linksToHandle(lower, handle):
		reason = "profile_link"
	default:
		v.logger.DebugContext(ctx, "aggregator does not belong to project", "url", aggURL, "domain", domain)
		return profile.Verdict{}, nil
	}

	links := htmlutil.SocialLinks(v.outbound(body, aggURL))
	v.logger.InfoContext(ctx, "aggregator belongs to project", "url", aggURL, "domain", domain, "evidence", reason, "links", len(links))
	return profile.Verdict{Belongs: true, Links: links}, nil
}

// linksToHandle reports whether page carries a direct profile link to handle.
func linksToHandle(lowerPage, handle string) bool {
	if !twitter.IsValidUsername(handle) {
		return false
	}
	for _, m := range xProfileRe.FindAllStringSubmatch(lowerPage, -1) {
		if m[1] == handle {
			return true
		}
	}
	return false
}

func cloneVerdict(v profile.Verdict) profile.Verdict {
	if v.Links == nil {
		return v
	}
	links := make(map[string]string, len(v.Links))
	for k, l := range v.Links {
		links[k] = l
	}
	return profile.Verdict{Belongs: v.Belongs, Links: links}
}
