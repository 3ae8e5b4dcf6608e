// Package fetch retrieves X profiles in two stages: a bounded walk over
// mirror endpoints, then at most one headless-browser render per handle
// per resolution when the mirrors come up short.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/xverify/pkg/auth"
	"github.com/codeGROOVE-dev/xverify/pkg/browser"
	"github.com/codeGROOVE-dev/xverify/pkg/cache"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/mirror"
	"github.com/codeGROOVE-dev/xverify/pkg/nitter"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

const maxBody = 4 << 20

// Scope tracks the one browser render each handle may spend during a
// single resolution. Use a new Scope per resolution.
type Scope struct {
	used map[string]bool
	mu   sync.Mutex
}

// NewScope returns an empty Scope.
func NewScope() *Scope {
	return &Scope{used: make(map[string]bool)}
}

// claim reserves the browser render for handle. It succeeds once.
func (s *Scope) claim(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(handle)
	if s.used[key] {
		return false
	}
	s.used[key] = true
	return true
}

// Used reports whether the browser render for handle has been spent.
func (s *Scope) Used(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[strings.ToLower(handle)]
}

// Fetcher retrieves profile records.
type Fetcher struct {
	pool         *mirror.Pool
	client       *http.Client
	renderer     browser.Renderer
	results      *cache.Results
	agents       *httpcache.UserAgents
	cookies      auth.Source
	logger       *slog.Logger
	render       browser.Request
	maxInstances int
	timeout      time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for mirror requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRenderer enables the browser fallback.
func WithRenderer(r browser.Renderer) Option {
	return func(f *Fetcher) { f.renderer = r }
}

// WithCache memoizes records by canonical profile URL.
func WithCache(r *cache.Results) Option {
	return func(f *Fetcher) { f.results = r }
}

// WithUserAgents sets the User-Agent rotation for mirror and browser requests.
func WithUserAgents(ua *httpcache.UserAgents) Option {
	return func(f *Fetcher) { f.agents = ua }
}

// WithCookies forwards session cookies to the browser fallback.
func WithCookies(s auth.Source) Option {
	return func(f *Fetcher) { f.cookies = s }
}

// WithMaxInstances caps the mirror endpoints tried per fetch.
func WithMaxInstances(n int) Option {
	return func(f *Fetcher) { f.maxInstances = n }
}

// WithTimeout bounds each mirror request.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithRenderDefaults sets the wait, device, locale, scroll and timeout
// options of browser renders. URL, UserAgent and Cookies are filled per call.
func WithRenderDefaults(req browser.Request) Option {
	return func(f *Fetcher) { f.render = req }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New creates a Fetcher over a mirror pool.
func New(pool *mirror.Pool, opts ...Option) *Fetcher {
	f := &Fetcher{
		pool:         pool,
		client:       &http.Client{},
		logger:       slog.Default(),
		maxInstances: 3,
		timeout:      10 * time.Second,
		render:       browser.Request{WaitUntil: "load", TimeoutMS: 30_000},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Profile returns the record for handle. It never fails: an empty or
// invalid record means the profile was not found.
func (f *Fetcher) Profile(ctx context.Context, scope *Scope, handle string, needAvatar bool) profile.Record {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !twitter.IsValidUsername(handle) {
		return profile.Record{}
	}
	if scope == nil {
		scope = NewScope()
	}
	key := twitter.ProfileURL(handle)
	logger := f.logger.With("handle", handle)

	var rec profile.Record
	cached := false
	if f.results != nil {
		rec, cached = f.results.Profile(ctx, key)
		if cached && usable(rec, needAvatar) {
			logger.DebugContext(ctx, "profile cache hit")
			return rec
		}
	}

	// A cached but unusable record already cost a mirror walk; only the
	// browser render is left to try.
	if !cached {
		rec = f.walkMirrors(ctx, handle)
	}

	if usable(rec, needAvatar) || f.renderer == nil || !scope.claim(handle) {
		if !cached {
			f.store(ctx, key, rec)
		}
		logger.DebugContext(ctx, "profile fetched", "valid", rec.Valid(), "source", rec.Source, "cached", cached)
		return rec
	}

	logger.InfoContext(ctx, "falling back to browser render",
		"mirror_valid", rec.Valid(), "has_avatar", rec.AvatarURL != "", "cached", cached)
	rec = rec.Merge(f.renderProfile(ctx, handle))
	f.store(ctx, key, rec)
	logger.DebugContext(ctx, "profile fetched", "valid", rec.Valid(), "source", rec.Source)
	return rec
}

// store caches rec unless the fetch was interrupted, in which case the
// record says nothing about the profile.
func (f *Fetcher) store(ctx context.Context, key string, rec profile.Record) {
	if f.results == nil || ctx.Err() != nil {
		return
	}
	f.results.StoreProfile(ctx, key, rec)
}

func usable(rec profile.Record, needAvatar bool) bool {
	return rec.Valid() && (!needAvatar || rec.AvatarURL != "")
}

// walkMirrors tries endpoints in pool order and stops at the first
// response that validates for handle.
func (f *Fetcher) walkMirrors(ctx context.Context, handle string) profile.Record {
	endpoints := f.pool.Select(handle, f.maxInstances)
	if len(endpoints) == 0 {
		f.logger.DebugContext(ctx, "mirror walk skipped", "handle", handle, "error", profile.ErrNoEndpoints)
		return profile.Record{}
	}

	for _, ep := range endpoints {
		if !f.pool.Attempt(handle) {
			f.logger.DebugContext(ctx, "mirror walk stopped", "handle", handle, "error", profile.ErrBudgetExhausted)
			break
		}
		body, err := f.fetchMirror(ctx, ep.Address, handle)
		if err != nil {
			f.logger.DebugContext(ctx, "mirror attempt failed", "endpoint", ep.Address, "handle", handle, "error", err)
			if banWorthy(err) {
				f.pool.Ban(ep.Address, err.Error())
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		rec := nitter.Parse(body, handle)
		rec.Source = "mirror"
		f.logger.DebugContext(ctx, "mirror matched", "endpoint", ep.Address, "handle", handle, "valid", rec.Valid())
		return rec
	}
	return profile.Record{}
}

// banWorthy separates endpoint faults from content-level mismatches.
func banWorthy(err error) bool {
	switch {
	case errors.Is(err, profile.ErrHandleMismatch), errors.Is(err, profile.ErrNotFound), errors.Is(err, context.Canceled):
		return false
	}
	var httpErr *httpcache.HTTPError
	if errors.As(err, &httpErr) {
		return mirror.ShouldBan(httpErr.StatusCode)
	}
	return true
}

// fetchMirror requests endpoint/handle and validates the body.
func (f *Fetcher) fetchMirror(ctx context.Context, endpoint, handle string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	u := endpoint + "/" + handle
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpcache.SetBrowserHeaders(req, f.agents.Next())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // intentional

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", u, profile.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, &httpcache.HTTPError{URL: u, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	switch {
	case len(strings.TrimSpace(string(body))) == 0:
		return nil, fmt.Errorf("%s: %w", u, profile.ErrEmptyBody)
	case nitter.LooksLikeChallenge(body):
		return nil, fmt.Errorf("%s: %w", u, profile.ErrChallenge)
	case !nitter.MatchesHandle(body, handle):
		return nil, fmt.Errorf("%s: %w", u, profile.ErrHandleMismatch)
	}
	return body, nil
}

// renderProfile spends the browser render. Any failure yields an empty record.
func (f *Fetcher) renderProfile(ctx context.Context, handle string) profile.Record {
	req := f.render
	req.URL = twitter.ProfileURL(handle)
	req.UserAgent = f.agents.Next()
	if f.cookies != nil {
		req.Cookies = f.cookies.Cookies(ctx)
	}

	p, err := f.renderer.Render(ctx, req)
	if err != nil {
		f.logger.WarnContext(ctx, "browser render failed", "handle", handle, "error", err)
		return profile.Record{}
	}

	var rec profile.Record
	if p.HasProfile() {
		obj := p.Profile
		if obj.Handle == "" || strings.EqualFold(strings.TrimPrefix(obj.Handle, "@"), handle) {
			rec = nitter.FromFields(handle, obj.Name, obj.AvatarURL, obj.Links)
		} else {
			f.logger.DebugContext(ctx, "browser profile ignored", "handle", handle, "got", obj.Handle)
		}
	}
	if p.HasHTML() {
		html := []byte(p.HTML)
		switch {
		case nitter.LooksLikeChallenge(html):
			f.logger.InfoContext(ctx, "browser render hit a challenge", "handle", handle)
		case !nitter.MatchesHandle(html, handle):
			f.logger.DebugContext(ctx, "browser render does not match handle", "handle", handle)
		default:
			rec = rec.Merge(nitter.Parse(html, handle))
		}
	}
	if p.Challenge && !rec.Valid() {
		f.logger.InfoContext(ctx, "browser service reported a challenge", "handle", handle)
	}
	if rec.Valid() {
		rec.Source = "browser"
	}
	return rec
}
