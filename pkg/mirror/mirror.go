// Package mirror tracks a pool of interchangeable profile-mirror endpoints,
// their health, a selection strategy, and a per-handle attempt budget.
//
// A Pool is process-wide shared state: it is safe for concurrent use by
// resolutions of different handles.
package mirror

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/codeGROOVE-dev/xverify/pkg/profile"
)

// Strategy selects the order in which healthy endpoints are tried.
type Strategy string

// Supported selection strategies.
const (
	Random     Strategy = "random"
	RoundRobin Strategy = "round_robin"
)

// DefaultBanTTL is the cool-down applied to a failing endpoint.
const DefaultBanTTL = 10 * time.Minute

// Pool holds mirror endpoints and their ban state.
type Pool struct {
	now        func() time.Time
	rng        *rand.Rand
	logger     *slog.Logger
	attempts   map[string]int
	strategy   Strategy
	endpoints  []profile.Endpoint
	banTTL     time.Duration
	attemptCap int
	cursor     int
	mu         sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithStrategy sets the selection strategy. Unknown values fall back to Random.
func WithStrategy(s Strategy) Option {
	return func(p *Pool) { p.strategy = s }
}

// WithBanTTL sets how long a failing endpoint is excluded.
func WithBanTTL(d time.Duration) Option {
	return func(p *Pool) { p.banTTL = d }
}

// WithAttemptCap caps the endpoint attempts spent on one handle. Zero means unlimited.
func WithAttemptCap(n int) Option {
	return func(p *Pool) { p.attemptCap = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRand sets the random source used by the Random strategy.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rng = r }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// New creates a Pool from endpoint base URLs. Duplicates and blanks are dropped.
func New(addrs []string, opts ...Option) *Pool {
	p := &Pool{
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)), //nolint:gosec // selection order, not security
		logger:   slog.Default(),
		attempts: make(map[string]int),
		strategy: Random,
		banTTL:   DefaultBanTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	cleaned := lo.Map(addrs, func(a string, _ int) string { return strings.TrimRight(strings.TrimSpace(a), "/") })
	cleaned = lo.Uniq(lo.Compact(cleaned))
	for _, a := range cleaned {
		p.endpoints = append(p.endpoints, profile.Endpoint{Address: a})
	}
	return p
}

// Select returns up to maxCount healthy endpoints in strategy order.
// maxCount is further reduced by the handle's remaining attempt budget;
// an exhausted handle gets an empty list.
func (p *Pool) Select(handle string, maxCount int) []profile.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	healthy := lo.Filter(p.endpoints, func(e profile.Endpoint, _ int) bool { return e.Healthy(now) })

	n := min(maxCount, len(healthy))
	if p.attemptCap > 0 {
		n = min(n, p.attemptCap-p.attempts[strings.ToLower(handle)])
	}
	if n <= 0 {
		p.logger.Debug("no mirror endpoints available", "handle", handle,
			"healthy", len(healthy), "attempts", p.attempts[strings.ToLower(handle)])
		return nil
	}

	switch p.strategy {
	case RoundRobin:
		start := p.cursor % len(healthy)
		p.cursor = (start + 1) % len(healthy)
		out := make([]profile.Endpoint, 0, n)
		for i := range n {
			out = append(out, healthy[(start+i)%len(healthy)])
		}
		return out
	default:
		p.rng.Shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
		return healthy[:n]
	}
}

// Attempt reserves one attempt from the handle's budget.
// It returns false, spending nothing, once the budget is exhausted.
func (p *Pool) Attempt(handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToLower(handle)
	if p.attemptCap > 0 && p.attempts[key] >= p.attemptCap {
		return false
	}
	p.attempts[key]++
	return true
}

// Attempts returns how many attempts have been spent on a handle.
func (p *Pool) Attempts(handle string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[strings.ToLower(handle)]
}

// Remaining returns the handle's remaining budget, or -1 when unlimited.
func (p *Pool) Remaining(handle string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attemptCap <= 0 {
		return -1
	}
	return max(0, p.attemptCap-p.attempts[strings.ToLower(handle)])
}

// Ban excludes an endpoint from selection for the configured TTL.
// Bans only ever extend an existing ban.
func (p *Pool) Ban(addr, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr = strings.TrimRight(addr, "/")
	until := p.now().Add(p.banTTL)
	for i := range p.endpoints {
		if p.endpoints[i].Address != addr {
			continue
		}
		if until.After(p.endpoints[i].BannedUntil) {
			p.endpoints[i].BannedUntil = until
		}
		p.logger.Info("mirror endpoint banned", "endpoint", addr, "reason", reason, "until", until.Format(time.RFC3339))
		return
	}
}

// Reset clears all bans, budgets, and the round-robin cursor.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.endpoints {
		p.endpoints[i].BannedUntil = time.Time{}
	}
	p.attempts = make(map[string]int)
	p.cursor = 0
}

// Endpoints returns a snapshot of every endpoint and its ban state.
func (p *Pool) Endpoints() []profile.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]profile.Endpoint(nil), p.endpoints...)
}

// Len returns the number of configured endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// ShouldBan reports whether an HTTP status marks the endpoint as unhealthy.
func ShouldBan(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	default:
		return status >= 500
	}
}
