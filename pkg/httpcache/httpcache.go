// Package httpcache provides cached, rate-limited page fetching for the cheap
// channel (home, docs, and aggregator pages) with thundering herd prevention.
package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/codeGROOVE-dev/sfcache"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/localfs"
	"github.com/codeGROOVE-dev/sfcache/pkg/store/null"
)

// UserAgent is the default browser User-Agent string.
const UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:146.0) Gecko/20100101 Firefox/146.0"

// maxBody bounds how much of a page is read.
const maxBody = 4 << 20

// Stats tracks cache hit/miss statistics.
type Stats struct {
	Hits   int64
	Misses int64
}

var (
	hits   atomic.Int64
	misses atomic.Int64
)

// CacheStats returns the current cache statistics.
func CacheStats() Stats {
	return Stats{Hits: hits.Load(), Misses: misses.Load()}
}

// ResetStats resets the cache statistics.
func ResetStats() {
	hits.Store(0)
	misses.Store(0)
}

// Cacher allows external cache implementations for sharing across packages.
type Cacher interface {
	GetSet(ctx context.Context, key string, fetch func(context.Context) ([]byte, error), ttl ...time.Duration) ([]byte, error)
	TTL() time.Duration
}

// Cache wraps sfcache for HTTP response caching.
type Cache struct {
	*sfcache.TieredCache[string, []byte]

	ttl time.Duration
}

// NewNull creates a Cache with no persistence. Concurrent requests for the
// same key are still collapsed into one fetch.
func NewNull() *Cache {
	tc, err := sfcache.NewTiered[string, []byte](null.New[string, []byte]())
	if err != nil {
		panic("sfcache.NewTiered with null store: " + err.Error())
	}
	return &Cache{TieredCache: tc, ttl: 0}
}

// NewWithPath creates a new Cache with disk persistence at the specified path.
func NewWithPath(ttl time.Duration, cachePath string) (*Cache, error) {
	if err := os.MkdirAll(cachePath, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	persist, err := localfs.New[string, []byte]("xverify-http", cachePath)
	if err != nil {
		return nil, fmt.Errorf("create persistence layer: %w", err)
	}

	tc, err := sfcache.NewTiered[string, []byte](persist, sfcache.TTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &Cache{TieredCache: tc, ttl: ttl}, nil
}

// TTL returns the default TTL for cache entries.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// URLToKey converts a URL to a cache key using SHA256 hash.
func URLToKey(rawURL string) string {
	hash := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(hash[:])
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}

// ResponseValidator validates a response body. Returns true if cacheable.
type ResponseValidator func(body []byte) bool

// FetchURL fetches a URL with caching and thundering herd prevention.
// Permanent HTTP errors are cached to avoid hammering servers; transient
// failures and interrupted fetches are not. If validator is non-nil and
// rejects the body, the body is returned but NOT cached.
func FetchURL(
	ctx context.Context,
	cache Cacher,
	client *http.Client,
	req *http.Request,
	logger *slog.Logger,
	validator ResponseValidator,
) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cacheKey := req.URL.String()

	if cache == nil {
		misses.Add(1)
		return doFetch(ctx, client, req, logger)
	}

	var wasFetched bool
	data, err := cache.GetSet(ctx, URLToKey(cacheKey), func(ctx context.Context) ([]byte, error) {
		wasFetched = true
		misses.Add(1)
		logger.DebugContext(ctx, "cache miss", "url", cacheKey)
		body, fetchErr := doFetch(ctx, client, req, logger)
		if fetchErr != nil {
			if ctx.Err() != nil || IsTransient(fetchErr) {
				return nil, fetchErr
			}
			var httpErr *HTTPError
			if errors.As(fetchErr, &httpErr) {
				return fmt.Appendf(nil, "ERROR:%d", httpErr.StatusCode), nil
			}
			return nil, fetchErr
		}
		if validator != nil && !validator(body) {
			logger.DebugContext(ctx, "skipping cache due to validation failure", "url", cacheKey)
			return nil, &validationError{data: body}
		}
		return body, nil
	}, cache.TTL())

	if !wasFetched {
		hits.Add(1)
		logger.DebugContext(ctx, "cache hit", "url", cacheKey)
	}

	var validErr *validationError
	if errors.As(err, &validErr) {
		return validErr.data, nil
	}
	if err != nil {
		return nil, err
	}

	if errCode, found := strings.CutPrefix(string(data), "ERROR:"); found {
		code, _ := strconv.Atoi(errCode) //nolint:errcheck // 0 is acceptable default
		return nil, &HTTPError{StatusCode: code, URL: cacheKey}
	}

	return data, nil
}

type validationError struct{ data []byte }

func (*validationError) Error() string { return "validation failed" }

func doFetch(ctx context.Context, client *http.Client, req *http.Request, logger *slog.Logger) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*client.Timeout+time.Second)
	defer cancel()

	return retry.DoWithData(
		func() ([]byte, error) {
			if err := DefaultLimiter.Wait(ctx, req.URL.String()); err != nil {
				return nil, retry.Unrecoverable(err)
			}

			resp, err := client.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close() //nolint:errcheck // intentional

			if resp.StatusCode != http.StatusOK {
				return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
			}

			return io.ReadAll(io.LimitReader(resp.Body, maxBody))
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.MaxJitter(100*time.Millisecond),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.DebugContext(ctx, "retrying HTTP request", "attempt", n+1, "url", req.URL.String(), "error", err)
		}),
	)
}

// IsTransient returns true for errors worth retrying or banning over:
// transport failures, 403, 429, and any 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusForbidden,
			httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= 500:
			return true
		default:
			return false // other 4xx are permanent
		}
	}
	return !errors.Is(err, context.Canceled)
}

// Get builds a browser-like GET request and fetches it through the cache.
// Bodies rejected by validator (which may be nil) are not cached.
func Get(
	ctx context.Context,
	cache Cacher,
	client *http.Client,
	rawURL, userAgent string,
	logger *slog.Logger,
	validator ResponseValidator,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	SetBrowserHeaders(req, userAgent)
	return FetchURL(ctx, cache, client, req, logger, validator)
}

// SetBrowserHeaders sets the headers a desktop browser sends for a navigation.
func SetBrowserHeaders(req *http.Request, userAgent string) {
	if userAgent == "" {
		userAgent = UserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("DNT", "1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}
