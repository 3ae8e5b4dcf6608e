package httpcache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// DefaultLimiter spaces requests to the same host across all goroutines.
var DefaultLimiter = NewDomainRateLimiter(250 * time.Millisecond)

// DomainRateLimiter enforces a minimum delay between requests to the same domain.
// It is safe for concurrent use from multiple goroutines.
type DomainRateLimiter struct {
	overrides   map[string]time.Duration
	lastRequest map[string]time.Time
	locks       sync.Map // map[string]*sync.Mutex
	minDelay    time.Duration
	mu          sync.RWMutex
}

// NewDomainRateLimiter creates a rate limiter that enforces minDelay between
// requests to the same domain.
func NewDomainRateLimiter(minDelay time.Duration) *DomainRateLimiter {
	return &DomainRateLimiter{
		minDelay:    minDelay,
		overrides:   make(map[string]time.Duration),
		lastRequest: make(map[string]time.Time),
	}
}

// SetDomainDelay overrides the minimum delay for one domain.
func (r *DomainRateLimiter) SetDomainDelay(domain string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[domain] = delay
}

// Wait blocks until it's safe to make a request to the URL's domain, or ctx ends.
func (r *DomainRateLimiter) Wait(ctx context.Context, rawURL string) error {
	domain := extractDomain(rawURL)
	if domain == "" {
		return nil
	}

	lockI, _ := r.locks.LoadOrStore(domain, &sync.Mutex{})
	lock, ok := lockI.(*sync.Mutex)
	if !ok {
		return nil
	}
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	delay := r.minDelay
	if d, ok := r.overrides[domain]; ok {
		delay = d
	}
	last, seen := r.lastRequest[domain]
	r.mu.RUnlock()

	if seen {
		if wait := delay - time.Since(last); wait > 0 {
			slog.Debug("rate limiting request", "domain", domain, "wait", wait.Round(time.Millisecond))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}

	r.mu.Lock()
	r.lastRequest[domain] = time.Now()
	r.mu.Unlock()
	return nil
}

// extractDomain returns the host portion of a URL, or empty string on error.
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
