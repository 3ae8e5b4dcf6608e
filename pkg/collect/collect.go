// Package collect gathers candidate X profile URLs for a project site from
// its rendered links, home page, documentation page, and one hop of
// link-aggregator pages.
package collect

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/xverify/pkg/aggregator"
	"github.com/codeGROOVE-dev/xverify/pkg/htmlutil"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

// Collection is everything learned about a site while collecting.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Collection struct {
	Candidates  []profile.Candidate
	Declared    string            // canonical profile the site itself declares, if any
	Aggregators []string          // aggregator pages reachable from the site, in discovery order
	SocialLinks map[string]string // non-X social links observed on the site, per platform
	DocsURL     string
}

// Handles returns the candidate handles in order.
func (c Collection) Handles() []string {
	return lo.Map(c.Candidates, func(cand profile.Candidate, _ int) string { return cand.Handle })
}

// Collector finds candidates. It is safe for concurrent use.
type Collector struct {
	client      *http.Client
	cache       httpcache.Cacher
	agents      *httpcache.UserAgents
	aggregators *aggregator.Verifier
	logger      *slog.Logger
	concurrency int
}

// Option configures a Collector.
type Option func(*Collector)

// WithHTTPClient sets the HTTP client for home and docs pages.
func WithHTTPClient(c *http.Client) Option {
	return func(col *Collector) { col.client = c }
}

// WithHTTPCache sets the HTTP cache.
func WithHTTPCache(c httpcache.Cacher) Option {
	return func(col *Collector) { col.cache = c }
}

// WithUserAgents sets the User-Agent rotation.
func WithUserAgents(ua *httpcache.UserAgents) Option {
	return func(col *Collector) { col.agents = ua }
}

// WithConcurrency bounds parallel aggregator fetches.
func WithConcurrency(n int) Option {
	return func(col *Collector) { col.concurrency = n }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(col *Collector) { col.logger = logger }
}

// New creates a Collector that reads aggregator pages through aggs.
func New(aggs *aggregator.Verifier, opts ...Option) *Collector {
	c := &Collector{
		client:      &http.Client{Timeout: 10 * time.Second},
		aggregators: aggs,
		logger:      slog.Default(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.aggregators == nil {
		c.aggregators = aggregator.New()
	}
	return c
}

// builder accumulates candidates in first-seen order, keyed by canonical URL.
type builder struct {
	index map[string]int
	out   []profile.Candidate
}

func (b *builder) add(raw string, src profile.SourceKind) {
	canonical, ok := twitter.Canonical(raw)
	if !ok {
		return
	}
	if i, seen := b.index[canonical]; seen {
		if src == profile.SourceDOM {
			b.out[i].DOMObserved = true
		}
		return
	}
	b.index[canonical] = len(b.out)
	b.out = append(b.out, profile.Candidate{
		URL:         canonical,
		Handle:      twitter.DisplayHandle(raw),
		Source:      src,
		DOMObserved: src == profile.SourceDOM,
	})
}

// Collect gathers candidates for site in source precedence order.
// Pages that cannot be fetched are skipped; the result may be empty.
func (c *Collector) Collect(ctx context.Context, site profile.Site) Collection {
	logger := c.logger.With("site", site.URL)
	b := &builder{index: make(map[string]int)}
	col := Collection{SocialLinks: make(map[string]string)}

	// 1. Links the renderer observed, including the pre-structured links object.
	dom := append([]string(nil), site.DOMLinks...)
	keys := lo.Keys(site.SocialLinks)
	slices.Sort(keys)
	for _, k := range keys {
		if l := site.SocialLinks[k]; l != "" && !lo.Contains(dom, l) {
			dom = append(dom, l)
		}
	}
	if tw := site.SocialLinks["twitter"]; tw != "" {
		dom = append([]string{tw}, lo.Without(dom, tw)...)
	}
	for _, l := range dom {
		b.add(l, profile.SourceDOM)
	}

	if d, ok := twitter.Canonical(site.DeclaredProfile); ok {
		col.Declared = d
	} else if d, ok := twitter.Canonical(site.SocialLinks["twitter"]); ok {
		col.Declared = d
	}

	// 2. Home page links and bare @mentions.
	home := site.HTML
	if home == "" && site.URL != "" {
		home = c.fetchHome(ctx, site.URL)
	}
	homeAnchors := htmlutil.Anchors(home, site.URL)
	for _, a := range homeAnchors {
		b.add(a.Href, profile.SourceHomePage)
	}
	for _, h := range twitter.Mentions(htmlutil.StripTags(home)) {
		b.add(twitter.ProfileURL(h), profile.SourceHomePage)
	}
	if col.Declared == "" {
		col.Declared = declared(homeAnchors)
	}

	// 3. Documentation page, fetched once.
	col.DocsURL = site.DocsURL
	if col.DocsURL == "" {
		col.DocsURL = htmlutil.DocsLink(homeAnchors, site.URL)
	}
	var docsAnchors []htmlutil.Anchor
	if col.DocsURL != "" {
		docs, err := httpcache.Get(ctx, c.cache, c.client, col.DocsURL, c.agents.Next(), c.logger, htmlutil.Cacheable)
		if err != nil {
			logger.DebugContext(ctx, "docs page unavailable", "url", col.DocsURL, "error", err)
		} else {
			docsAnchors = htmlutil.Anchors(string(docs), col.DocsURL)
			for _, a := range docsAnchors {
				b.add(a.Href, profile.SourceDocs)
			}
		}
	}

	// 4. One hop of aggregator pages.
	var linked []string
	linked = append(linked, dom...)
	linked = append(linked, lo.Map(homeAnchors, func(a htmlutil.Anchor, _ int) string { return a.Href })...)
	linked = append(linked, lo.Map(docsAnchors, func(a htmlutil.Anchor, _ int) string { return a.Href })...)
	col.Aggregators = lo.Uniq(lo.Filter(linked, func(l string, _ int) bool { return c.aggregators.IsAggregator(l) }))
	for _, links := range c.aggregatorLinks(ctx, col.Aggregators) {
		for _, l := range links {
			b.add(l, profile.SourceAggregator)
		}
	}

	for k, v := range htmlutil.SocialLinks(linked, htmlutil.Domain(site.URL)) {
		if k != "twitter" {
			col.SocialLinks[k] = v
		}
	}

	col.Candidates = b.out
	logger.InfoContext(ctx, "candidates collected", "count", len(b.out), "aggregators", len(col.Aggregators),
		"docs", col.DocsURL != "", "declared", col.Declared)
	return col
}

// fetchHome retrieves the home page, following one client-side redirect.
func (c *Collector) fetchHome(ctx context.Context, siteURL string) string {
	body, err := httpcache.Get(ctx, c.cache, c.client, siteURL, c.agents.Next(), c.logger, htmlutil.Cacheable)
	if err != nil {
		c.logger.DebugContext(ctx, "home page unavailable", "url", siteURL, "error", err)
		return ""
	}
	page := string(body)
	if target := htmlutil.Redirect(page, siteURL); target != "" && htmlutil.Domain(target) == htmlutil.Domain(siteURL) {
		if next, err := httpcache.Get(ctx, c.cache, c.client, target, c.agents.Next(), c.logger, htmlutil.Cacheable); err == nil {
			c.logger.DebugContext(ctx, "followed home page redirect", "from", siteURL, "to", target)
			return page + string(next)
		}
	}
	return page
}

// aggregatorLinks fetches aggregator pages concurrently, keeping input order.
func (c *Collector) aggregatorLinks(ctx context.Context, urls []string) [][]string {
	out := make([][]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.concurrency))
	for i, u := range urls {
		g.Go(func() error {
			links, err := c.aggregators.Links(gctx, u)
			if err != nil {
				c.logger.DebugContext(gctx, "aggregator unavailable", "url", u, "error", err)
				return nil
			}
			out[i] = links
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never fail
	return out
}

// declared returns the first X profile the page links to.
func declared(anchors []htmlutil.Anchor) string {
	for _, a := range anchors {
		if canonical, ok := twitter.Canonical(a.Href); ok {
			return canonical
		}
	}
	return ""
}
