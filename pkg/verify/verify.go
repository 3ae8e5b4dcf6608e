// Package verify decides which collected candidate is the project's X profile.
//
// Verification walks a declared profile first, then four passes over the
// candidates ordered by two signals: whether the site itself rendered the
// link, and whether the handle contains the brand token derived from the
// site's domain. The first candidate whose profile links back to the site
// (directly or through an aggregator page that belongs to the project)
// wins. Unverified fallbacks apply only when nothing verifies.
package verify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/codeGROOVE-dev/xverify/pkg/fetch"
	"github.com/codeGROOVE-dev/xverify/pkg/htmlutil"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/twitter"
)

// ProfileFetcher retrieves a profile record for a handle.
// *fetch.Fetcher satisfies it.
type ProfileFetcher interface {
	Profile(ctx context.Context, scope *fetch.Scope, handle string, needAvatar bool) profile.Record
}

// AggregatorChecker recognizes aggregator pages and decides whether they
// belong to a project. *aggregator.Verifier satisfies it.
type AggregatorChecker interface {
	IsAggregator(rawURL string) bool
	BelongsToProject(ctx context.Context, aggURL, siteDomain, handle string) profile.Verdict
}

// Input is everything known about a site when verification starts.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Input struct {
	SiteURL    string
	Domain     string // registrable domain; derived from SiteURL when empty
	Declared   string // canonical profile URL the site declares, if any
	Candidates []profile.Candidate
	Scope      *fetch.Scope // browser fallback budget; a fresh one is used when nil
}

// Scorer runs verification. It is safe for concurrent use.
type Scorer struct {
	fetcher ProfileFetcher
	aggs    AggregatorChecker
	logger  *slog.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) { s.logger = logger }
}

// New creates a Scorer.
func New(f ProfileFetcher, aggs AggregatorChecker, opts ...Option) *Scorer {
	s := &Scorer{fetcher: f, aggs: aggs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BrandToken derives the brand token from a domain or URL: the lowercase
// alphanumerics of the registrable domain's first label.
// "https://app.my-project.co.uk" yields "myproject".
func BrandToken(domain string) string {
	d := htmlutil.Domain(domain)
	if d == "" {
		return ""
	}
	label, _, _ := strings.Cut(d, ".")
	return alnum(label)
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hasBrand reports whether handle contains the brand token, ignoring
// underscores and case.
func hasBrand(handle, brand string) bool {
	return brand != "" && strings.Contains(alnum(handle), brand)
}

// Passes partitions candidates into the four checking passes:
// DOM-observed with brand, DOM-observed only, brand only, neither.
// Collection order is kept within each pass.
func Passes(cands []profile.Candidate, brand string) [4][]profile.Candidate {
	var out [4][]profile.Candidate
	for _, c := range cands {
		i := 3
		switch b := hasBrand(c.Handle, brand); {
		case c.DOMObserved && b:
			i = 0
		case c.DOMObserved:
			i = 1
		case b:
			i = 2
		}
		out[i] = append(out[i], c)
	}
	return out
}

// Verify runs the state machine and returns the confirmed result, or an
// empty Result when no candidate qualifies. It never fails.
func (s *Scorer) Verify(ctx context.Context, in Input) profile.Result {
	domain := in.Domain
	if domain == "" {
		domain = htmlutil.Domain(in.SiteURL)
	}
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	scope := in.Scope
	if scope == nil {
		scope = fetch.NewScope()
	}
	brand := BrandToken(domain)
	logger := s.logger.With("domain", domain, "brand", brand)

	if domain == "" {
		logger.WarnContext(ctx, "no site domain, nothing to verify against", "site", in.SiteURL)
		return profile.Result{}
	}

	declared := ""
	if in.Declared != "" {
		if canonical, ok := twitter.Canonical(in.Declared); ok {
			declared = canonical
			handle := displayHandle(in.Declared, canonical, in.Candidates)
			if res, ok := s.check(ctx, scope, handle, domain); ok {
				res.Confidence = profile.ConfidenceDeclared
				logger.InfoContext(ctx, "declared profile verified", "profile", res.ProfileURL, "reason", res.Reason)
				return s.withAvatar(ctx, scope, handle, res)
			}
			logger.DebugContext(ctx, "declared profile did not verify", "profile", canonical)
		}
	}

	for i, pass := range Passes(in.Candidates, brand) {
		for _, c := range pass {
			if c.URL == declared {
				continue // already checked
			}
			if ctx.Err() != nil {
				logger.WarnContext(ctx, "verification interrupted", "error", ctx.Err())
				return profile.Result{}
			}
			res, ok := s.check(ctx, scope, c.Handle, domain)
			if !ok {
				continue
			}
			res.Confidence = profile.ConfidenceVerified
			logger.InfoContext(ctx, "candidate verified", "profile", res.ProfileURL, "pass", i+1,
				"source", c.Source.String(), "reason", res.Reason)
			return s.withAvatar(ctx, scope, c.Handle, res)
		}
	}

	if len(in.Candidates) == 1 {
		c := in.Candidates[0]
		rec := s.fetcher.Profile(ctx, scope, c.Handle, true)
		if rec.Valid() && rec.AvatarURL != "" {
			res := result(c.Handle, rec, nil)
			res.Confidence = profile.ConfidenceSingle
			res.Reason = "only candidate"
			logger.InfoContext(ctx, "accepting single unverified candidate", "profile", res.ProfileURL)
			return res
		}
	}

	for _, c := range in.Candidates {
		if !hasBrand(c.Handle, brand) {
			continue
		}
		rec := s.fetcher.Profile(ctx, scope, c.Handle, false)
		if !rec.Valid() {
			logger.DebugContext(ctx, "brand candidate has no usable profile", "handle", c.Handle)
			continue
		}
		res := result(c.Handle, rec, nil)
		res.Confidence = profile.ConfidenceBrand
		res.Reason = "handle contains " + brand
		logger.InfoContext(ctx, "accepting unverified brand match", "profile", res.ProfileURL)
		return s.withAvatar(ctx, scope, c.Handle, res)
	}

	logger.InfoContext(ctx, "no profile verified", "candidates", len(in.Candidates))
	return profile.Result{}
}

// check fetches handle's profile and looks for a link back to domain.
func (s *Scorer) check(ctx context.Context, scope *fetch.Scope, handle, domain string) (profile.Result, bool) {
	rec := s.fetcher.Profile(ctx, scope, handle, false)
	if !rec.Valid() {
		s.logger.DebugContext(ctx, "skipping invalid profile", "handle", handle)
		return profile.Result{}, false
	}

	for _, l := range rec.BioLinks {
		if htmlutil.Domain(l) == domain {
			res := result(handle, rec, nil)
			res.Reason = "bio links " + l
			return res, true
		}
	}

	if s.aggs == nil {
		return profile.Result{}, false
	}
	for _, l := range rec.BioLinks {
		if !s.aggs.IsAggregator(l) {
			continue
		}
		v := s.aggs.BelongsToProject(ctx, l, domain, handle)
		if !v.Belongs {
			continue
		}
		res := result(handle, rec, v.Links)
		res.AggregatorURL = l
		res.Reason = "bio links aggregator " + l
		return res, true
	}
	return profile.Result{}, false
}

// withAvatar refetches the winner when its record lacked an avatar.
func (s *Scorer) withAvatar(ctx context.Context, scope *fetch.Scope, handle string, res profile.Result) profile.Result {
	if res.AvatarURL != "" {
		return res
	}
	if rec := s.fetcher.Profile(ctx, scope, handle, true); rec.AvatarURL != "" {
		res.AvatarURL = rec.AvatarURL
	}
	return res
}

// result builds a Result for handle, enriching links from the aggregator
// and the profile's classified bio links.
func result(handle string, rec profile.Record, aggLinks map[string]string) profile.Result {
	profileURL := twitter.DisplayURL(strings.TrimPrefix(handle, "@"))
	links := make(map[string]string, len(aggLinks)+1)
	for k, v := range aggLinks {
		links[k] = v
	}
	for _, l := range rec.BioLinks {
		if name, canonical, ok := htmlutil.Classify(l); ok {
			if _, dup := links[name]; !dup {
				links[name] = canonical
			}
		}
	}
	links["twitter"] = profileURL
	return profile.Result{
		ProfileURL: profileURL,
		AvatarURL:  rec.AvatarURL,
		Links:      links,
	}
}

// displayHandle prefers the handle as written by whichever source saw it.
func displayHandle(raw, canonical string, cands []profile.Candidate) string {
	for _, c := range cands {
		if c.URL == canonical {
			return c.Handle
		}
	}
	if h := twitter.DisplayHandle(raw); h != "" {
		return h
	}
	return twitter.Handle(canonical)
}
