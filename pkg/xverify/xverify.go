// Package xverify resolves and verifies the X profile of a project website.
//
// A Resolver wires the candidate collector, the mirror-backed profile
// fetcher with its browser fallback, the aggregator verifier, scoring, and
// avatar persistence. Resolution never fails: an empty Result means no
// profile could be confirmed.
//
// Example usage:
//
//	cfg, err := config.Load("xverify.yaml")
//	if err != nil {
//		return err
//	}
//	r, err := xverify.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	res := r.Resolve(ctx, profile.Site{URL: "https://example.io"})
package xverify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/codeGROOVE-dev/xverify/pkg/aggregator"
	"github.com/codeGROOVE-dev/xverify/pkg/auth"
	"github.com/codeGROOVE-dev/xverify/pkg/avatar"
	"github.com/codeGROOVE-dev/xverify/pkg/browser"
	"github.com/codeGROOVE-dev/xverify/pkg/cache"
	"github.com/codeGROOVE-dev/xverify/pkg/collect"
	"github.com/codeGROOVE-dev/xverify/pkg/config"
	"github.com/codeGROOVE-dev/xverify/pkg/fetch"
	"github.com/codeGROOVE-dev/xverify/pkg/htmlutil"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/mirror"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/verify"
)

// Resolver resolves project sites. It is safe for concurrent use; each
// site domain is resolved at most once per cache lifetime.
type Resolver struct {
	cfg       *config.Config
	logger    *slog.Logger
	client    *http.Client
	renderer  browser.Renderer
	cookies   auth.Source
	pages     *httpcache.Cache
	results   *cache.Results
	pool      *mirror.Pool
	collector *collect.Collector
	scorer    *verify.Scorer
	avatars   *avatar.Downloader
	debugHTTP bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithHTTPClient replaces the client built from the configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithRenderer replaces the browser fallback built from the configuration.
func WithRenderer(rd browser.Renderer) Option {
	return func(r *Resolver) { r.renderer = rd }
}

// WithCookies replaces the cookie source used by the browser fallback.
func WithCookies(s auth.Source) Option {
	return func(r *Resolver) { r.cookies = s }
}

// WithDebugHTTP logs every HTTP request and response.
func WithDebugHTTP(debug bool) Option {
	return func(r *Resolver) { r.debugHTTP = debug }
}

// New builds a Resolver from cfg.
func New(cfg *config.Config, opts ...Option) (*Resolver, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Resolver{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if r.client == nil {
		c, err := httpcache.NewClient(httpcache.ClientConfig{
			Logger:   r.logger,
			ProxyURL: cfg.ProxyURL,
			Timeout:  cfg.RequestTimeout,
			Debug:    r.debugHTTP,
		})
		if err != nil {
			return nil, err
		}
		r.client = c
	}

	var err error
	if cfg.Cache.Dir == "" {
		r.pages = httpcache.NewNull()
	} else if r.pages, err = httpcache.NewWithPath(cfg.Cache.TTL, filepath.Join(cfg.Cache.Dir, "http")); err != nil {
		return nil, err
	}
	r.results, err = cache.New(cache.WithDir(cfg.Cache.Dir), cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(r.logger))
	if err != nil {
		r.pages.Close() //nolint:errcheck,gosec // already failing
		return nil, err
	}

	if r.renderer == nil {
		if r.renderer, err = newRenderer(cfg.Browser, r.logger); err != nil {
			r.Close() //nolint:errcheck,gosec // already failing
			return nil, err
		}
	}
	if r.cookies == nil && cfg.Browser.Cookies {
		r.cookies = auth.Chain{auth.EnvSource{}, auth.NewBrowserSource(r.logger)}
	}

	agents := httpcache.NewUserAgents(cfg.UserAgents, cfg.Rotation())
	r.pool = mirror.New(cfg.Mirrors,
		mirror.WithStrategy(cfg.MirrorStrategy()),
		mirror.WithBanTTL(cfg.BanTTL),
		mirror.WithAttemptCap(cfg.AttemptCap),
		mirror.WithLogger(r.logger))

	fetchOpts := []fetch.Option{
		fetch.WithHTTPClient(r.client),
		fetch.WithCache(r.results),
		fetch.WithUserAgents(agents),
		fetch.WithMaxInstances(cfg.MaxInstances),
		fetch.WithTimeout(cfg.RequestTimeout),
		fetch.WithRenderDefaults(cfg.RenderDefaults()),
		fetch.WithLogger(r.logger),
	}
	if r.renderer != nil {
		fetchOpts = append(fetchOpts, fetch.WithRenderer(r.renderer))
	}
	if r.cookies != nil {
		fetchOpts = append(fetchOpts, fetch.WithCookies(r.cookies))
	}
	fetcher := fetch.New(r.pool, fetchOpts...)

	aggs := aggregator.New(
		aggregator.WithHTTPClient(r.client),
		aggregator.WithHTTPCache(r.pages),
		aggregator.WithUserAgents(agents),
		aggregator.WithDomains(cfg.AggregatorDomains),
		aggregator.WithLogger(r.logger))
	r.collector = collect.New(aggs,
		collect.WithHTTPClient(r.client),
		collect.WithHTTPCache(r.pages),
		collect.WithUserAgents(agents),
		collect.WithLogger(r.logger))
	r.scorer = verify.New(fetcher, aggs, verify.WithLogger(r.logger))
	r.avatars = avatar.New(
		avatar.WithHTTPClient(r.client),
		avatar.WithUserAgents(agents),
		avatar.WithLogger(r.logger))
	return r, nil
}

func newRenderer(cfg config.Browser, logger *slog.Logger) (browser.Renderer, error) {
	switch cfg.Engine {
	case "exec":
		rd, err := browser.NewExec(cfg.Command, browser.WithExecLogger(logger))
		if err != nil {
			return nil, err
		}
		return rd, nil
	case "rod":
		return browser.NewRod(
			browser.WithBin(cfg.Bin),
			browser.WithControlURL(cfg.ControlURL),
			browser.WithHeadless(true),
			browser.WithRodLogger(logger)), nil
	default:
		return nil, nil //nolint:nilnil // fallback disabled
	}
}

// Resolve returns the verified profile for site, computing it at most once
// per site domain. It never fails.
func (r *Resolver) Resolve(ctx context.Context, site profile.Site) profile.Result {
	domain := htmlutil.Domain(site.URL)
	if domain == "" {
		r.logger.WarnContext(ctx, "site URL has no domain", "url", site.URL)
		return profile.Result{}
	}
	res, err := r.results.Verification(ctx, domain, func(ctx context.Context) (profile.Result, error) {
		res := r.resolve(ctx, site, domain)
		// An interrupted resolution proves nothing; keep it out of the cache.
		if err := ctx.Err(); err != nil {
			return profile.Result{}, err
		}
		return res, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "resolution interrupted", "domain", domain, "error", err)
		} else {
			r.logger.WarnContext(ctx, "verification failed", "domain", domain, "error", err)
		}
		return profile.Result{}
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, site profile.Site, domain string) profile.Result {
	logger := r.logger.With("domain", domain)
	col := r.collector.Collect(ctx, site)
	res := r.scorer.Verify(ctx, verify.Input{
		SiteURL:    site.URL,
		Domain:     domain,
		Declared:   col.Declared,
		Candidates: col.Candidates,
		Scope:      fetch.NewScope(),
	})
	if res.Empty() {
		logger.InfoContext(ctx, "no profile found", "candidates", len(col.Candidates))
		return res
	}

	for k, v := range col.SocialLinks {
		if _, ok := res.Links[k]; !ok {
			res.Links[k] = v
		}
	}

	if r.cfg.AvatarDir != "" && res.AvatarURL != "" && !avatar.IsDefault(res.AvatarURL) {
		asset, err := r.avatars.Download(ctx, res.AvatarURL, res.ProfileURL, r.cfg.AvatarDir+string(filepath.Separator))
		if err != nil {
			logger.WarnContext(ctx, "avatar not persisted", "url", res.AvatarURL, "error", err)
		} else {
			res.AvatarPath = asset.Path
		}
	}

	logger.InfoContext(ctx, "profile resolved", "profile", res.ProfileURL,
		"confidence", string(res.Confidence), "aggregator", res.AggregatorURL)
	return res
}

// Pool returns the mirror pool, for health reporting.
func (r *Resolver) Pool() *mirror.Pool {
	return r.pool
}

// Stats returns the result cache statistics.
func (r *Resolver) Stats() cache.Stats {
	return r.results.Stats()
}

// Close releases caches and the browser.
func (r *Resolver) Close() error {
	var errs []error
	if c, ok := r.renderer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if r.results != nil {
		errs = append(errs, r.results.Close())
	}
	if r.pages != nil {
		errs = append(errs, r.pages.Close())
	}
	return errors.Join(errs...)
}

// NormalizeSiteURL adds a scheme to bare domains.
func NormalizeSiteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + strings.TrimPrefix(raw, "//")
}
