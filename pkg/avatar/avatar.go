// Package avatar downloads and persists profile avatars.
package avatar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // GIF support
	_ "image/jpeg" // JPEG support
	_ "image/png"  // PNG support
	"io"
	"log/slog"
	"math/bits"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/corona10/goimagehash"

	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/nitter"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
)

// trustedPrefix serves images even when the Content-Type says otherwise.
const trustedPrefix = "https://pbs.twimg.com/"

const maxImage = 8 << 20

// Asset describes a persisted avatar.
type Asset struct {
	Path      string
	Hash      uint64 // difference hash; 0 when the format can't be decoded
	Unchanged bool   // an identical image was already on disk
}

// Downloader fetches avatars with retries and writes them atomically.
type Downloader struct {
	client   *http.Client
	agents   *httpcache.UserAgents
	logger   *slog.Logger
	delay    time.Duration
	attempts uint
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithUserAgents sets the User-Agent rotation.
func WithUserAgents(ua *httpcache.UserAgents) Option {
	return func(d *Downloader) { d.agents = ua }
}

// WithRetryDelay sets the base backoff between attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Downloader) { d.delay = delay }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) { d.logger = logger }
}

// New creates a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   slog.Default(),
		delay:    500 * time.Millisecond,
		attempts: 3,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download fetches avatarURL and writes it to dest. When dest is an
// existing directory (or ends in a separator) the file name is derived
// from the canonical avatar URL. The referer, if set, is sent along.
func (d *Downloader) Download(ctx context.Context, avatarURL, referer, dest string) (Asset, error) {
	if avatarURL == "" {
		return Asset{}, errors.New("empty avatar URL")
	}
	target, err := destination(avatarURL, dest)
	if err != nil {
		return Asset{}, err
	}

	body, err := retry.DoWithData(
		func() ([]byte, error) {
			b, err := d.fetch(ctx, avatarURL, referer)
			if err != nil && !retryable(err) {
				return nil, retry.Unrecoverable(err)
			}
			return b, err
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.MaxJitter(d.delay/2),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.DebugContext(ctx, "retrying avatar download", "attempt", n+1, "url", avatarURL, "error", err)
		}),
	)
	if err != nil {
		return Asset{}, fmt.Errorf("download %s: %w", avatarURL, err)
	}

	asset := Asset{Path: target, Hash: Hash(body)}
	if old, err := os.ReadFile(target); err == nil && bytes.Equal(old, body) {
		asset.Unchanged = true
		d.logger.DebugContext(ctx, "avatar unchanged", "path", target)
		return asset, nil
	} else if err == nil && Similar(Hash(old), asset.Hash) {
		d.logger.DebugContext(ctx, "replacing visually similar avatar", "path", target, "distance", Distance(Hash(old), asset.Hash))
	}

	if err := writeAtomic(target, body); err != nil {
		return Asset{}, err
	}
	d.logger.InfoContext(ctx, "avatar saved", "url", avatarURL, "path", target, "bytes", len(body))
	return asset, nil
}

func (d *Downloader) fetch(ctx context.Context, avatarURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("build request: %w", err))
	}
	ua := d.agents.Next()
	if ua == "" {
		ua = httpcache.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,image/gif,*/*")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // intentional

	if resp.StatusCode != http.StatusOK {
		return nil, &httpcache.HTTPError{URL: avatarURL, StatusCode: resp.StatusCode}
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "image/") && !strings.HasPrefix(avatarURL, trustedPrefix) {
		return nil, fmt.Errorf("%w: content type %q", profile.ErrNotImage, ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImage))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, profile.ErrEmptyBody
	}
	return body, nil
}

// retryable reports whether another attempt may succeed: transport
// failures, 403, 429, and 5xx. Wrong content is final.
func retryable(err error) bool {
	if errors.Is(err, profile.ErrNotImage) || errors.Is(err, profile.ErrEmptyBody) {
		return false
	}
	return httpcache.IsTransient(err)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// destination resolves the file an avatar is written to.
func destination(avatarURL, dest string) (string, error) {
	if dest == "" {
		return "", errors.New("empty destination")
	}
	info, err := os.Stat(dest)
	isDir := err == nil && info.IsDir()
	if !isDir && !strings.HasSuffix(dest, string(os.PathSeparator)) && !strings.HasSuffix(dest, "/") {
		return dest, nil
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", fmt.Errorf("create avatar directory: %w", err)
	}
	return filepath.Join(dest, FileName(avatarURL)), nil
}

// FileName derives a stable file name from the canonical form of an avatar
// URL: the last two path segments, so size variants share one file.
func FileName(avatarURL string) string {
	canonical := nitter.CanonicalAvatar(avatarURL)
	if canonical == "" {
		canonical = avatarURL
	}
	p := canonical
	if u, err := url.Parse(canonical); err == nil {
		p = u.Path
	}
	dir, base := path.Split(strings.Trim(p, "/"))
	name := base
	if parent := path.Base(strings.TrimSuffix(dir, "/")); parent != "." && parent != "/" && parent != "" {
		name = parent + "_" + base
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "avatar"
	}
	if path.Ext(name) == "" {
		name += ".jpg"
	}
	return name
}

// writeAtomic writes data next to target and renames it into place.
func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".avatar-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()     //nolint:errcheck,gosec // already failing
		os.Remove(name) //nolint:errcheck,gosec // best effort
		return fmt.Errorf("write avatar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name) //nolint:errcheck,gosec // best effort
		return fmt.Errorf("close avatar: %w", err)
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name) //nolint:errcheck,gosec // best effort
		return fmt.Errorf("rename avatar: %w", err)
	}
	return nil
}

// Hash computes the difference hash of an encoded image.
// Returns 0 for formats that can't be decoded.
func Hash(data []byte) uint64 {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0
	}
	return h.GetHash()
}

// Similar returns true if two avatar hashes are perceptually similar.
// A hamming distance of 10 or less (out of 64 bits) indicates similarity.
func Similar(a, b uint64) bool {
	if a == 0 || b == 0 {
		return false
	}
	return Distance(a, b) <= 10
}

// Distance returns the hamming distance between two hashes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// IsDefault returns true for the platform's placeholder avatars, which
// are not worth persisting.
func IsDefault(avatarURL string) bool {
	lower := strings.ToLower(avatarURL)
	if i := strings.Index(lower, "?"); i != -1 {
		lower = lower[:i]
	}
	return strings.Contains(lower, "default_profile") ||
		strings.Contains(lower, "placeholder")
}
