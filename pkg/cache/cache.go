// Package cache holds the engine's process-wide result caches: parsed
// profiles keyed by canonical profile URL and verification results keyed
// by site domain.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/sfcache"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/localfs"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/null"

	"github.com/codeGROOVE-dev/xverify/pkg/profile"
)

// Stats holds cache hit/miss statistics.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Results caches profile records and verification results.
// Each key is computed at most once at a time; concurrent callers share the result.
type Results struct {
	profiles      *sfcache.TieredCache[string, profile.Record]
	verifications *sfcache.TieredCache[string, profile.Result]
	logger        *slog.Logger
	dir           string
	ttl           time.Duration
	hits          atomic.Int64
	misses        atomic.Int64
}

// Option configures Results.
type Option func(*Results)

// WithDir persists both caches under dir. Without it entries live in memory only.
func WithDir(dir string) Option {
	return func(r *Results) { r.dir = dir }
}

// WithTTL bounds entry lifetime. Zero keeps entries for the life of the process.
func WithTTL(ttl time.Duration) Option {
	return func(r *Results) { r.ttl = ttl }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Results) { r.logger = logger }
}

// New creates the result caches.
func New(opts ...Option) (*Results, error) {
	r := &Results{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.dir == "" {
		r.profiles, err = sfcache.NewTiered[string, profile.Record](null.New[string, profile.Record]())
		if err != nil {
			return nil, fmt.Errorf("create profile cache: %w", err)
		}
		r.verifications, err = sfcache.NewTiered[string, profile.Result](null.New[string, profile.Result]())
		if err != nil {
			return nil, fmt.Errorf("create verification cache: %w", err)
		}
		return r, nil
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	ps, err := localfs.New[string, profile.Record]("xverify-profiles", filepath.Join(r.dir, "profiles"))
	if err != nil {
		return nil, fmt.Errorf("create profile store: %w", err)
	}
	if r.profiles, err = sfcache.NewTiered[string, profile.Record](ps, sfcache.TTL(r.ttl)); err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	vs, err := localfs.New[string, profile.Result]("xverify-verifications", filepath.Join(r.dir, "verifications"))
	if err != nil {
		return nil, fmt.Errorf("create verification store: %w", err)
	}
	if r.verifications, err = sfcache.NewTiered[string, profile.Result](vs, sfcache.TTL(r.ttl)); err != nil {
		return nil, fmt.Errorf("create verification cache: %w", err)
	}
	return r, nil
}

// Profile returns the cached record for a canonical profile URL.
func (r *Results) Profile(ctx context.Context, profileURL string) (profile.Record, bool) {
	rec, found, err := r.profiles.Get(ctx, strings.ToLower(profileURL))
	if err != nil {
		r.logger.WarnContext(ctx, "profile cache read failed", "url", profileURL, "error", err)
		found = false
	}
	r.record(!found, "profile", profileURL)
	return rec, found
}

// StoreProfile caches a record, replacing any earlier one. Invalid records
// are stored too so a run never pays twice for a missing profile.
func (r *Results) StoreProfile(ctx context.Context, profileURL string, rec profile.Record) {
	if err := r.profiles.Set(ctx, strings.ToLower(profileURL), rec, r.ttl); err != nil {
		r.logger.WarnContext(ctx, "profile cache write failed", "url", profileURL, "error", err)
	}
}

// Verification returns the cached result for a site domain, computing it on a
// miss. Concurrent calls for the same domain run compute once.
func (r *Results) Verification(ctx context.Context, domain string, compute func(context.Context) (profile.Result, error)) (profile.Result, error) {
	key := strings.TrimPrefix(strings.ToLower(domain), "www.")
	if key == "" {
		return profile.Result{}, errors.New("empty domain")
	}
	computed := false
	res, err := r.verifications.GetSet(ctx, key, func(ctx context.Context) (profile.Result, error) {
		computed = true
		return compute(ctx)
	}, r.ttl)
	r.record(computed, "verification", key)
	if err != nil {
		return profile.Result{}, fmt.Errorf("verification %s: %w", key, err)
	}
	return res.Clone(), nil
}

func (r *Results) record(computed bool, kind, key string) {
	if computed {
		r.misses.Add(1)
		r.logger.Debug("cache miss", "kind", kind, "key", key)
		return
	}
	r.hits.Add(1)
	r.logger.Debug("cache hit", "kind", kind, "key", key)
}

// Stats returns hit/miss counts across both caches.
func (r *Results) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// Close flushes and releases both caches.
func (r *Results) Close() error {
	return errors.Join(r.profiles.Close(), r.verifications.Close())
}
