// Package auth supplies X session cookies to the browser fallback, so a
// logged-in render sees the full profile instead of a login wall.
package auth

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/all" // Import all browser cookie stores
	"github.com/browserutils/kooky/browser/firefox"

	"github.com/codeGROOVE-dev/xverify/pkg/browser"
)

// Domain is the cookie domain read for X sessions.
const Domain = "x.com"

// essentialCookies are the session cookies worth forwarding.
var essentialCookies = []string{"auth_token", "ct0", "kdt", "twid", "att", "guest_id"}

// Source provides cookies for the X domain.
type Source interface {
	Cookies(ctx context.Context) []browser.Cookie
}

// BrowserSource reads cookies from local browser cookie stores.
type BrowserSource struct {
	logger *slog.Logger
	read   func(ctx context.Context, domain string) ([]*kooky.Cookie, error)
}

// NewBrowserSource creates a new browser cookie source.
func NewBrowserSource(logger *slog.Logger) *BrowserSource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BrowserSource{logger: logger}
	s.read = s.readStores
	return s
}

// Cookies returns the essential X cookies found in any local browser.
// Failures are logged and yield no cookies.
func (s *BrowserSource) Cookies(ctx context.Context) []browser.Cookie {
	s.logger.DebugContext(ctx, "reading browser cookies", "domain", Domain)
	kookies, err := s.read(ctx, Domain)
	if err != nil {
		s.logger.DebugContext(ctx, "failed to read browser cookies", "error", err)
		return nil
	}
	return s.filterEssential(kookies)
}

func (s *BrowserSource) readStores(ctx context.Context, domain string) ([]*kooky.Cookie, error) {
	// Firefox profiles in non-default locations are not auto-detected by kooky.
	for _, f := range firefoxProfiles() {
		kookies, err := firefox.ReadCookies(ctx, f, kooky.Valid, kooky.DomainHasSuffix(domain))
		if err == nil && len(kookies) > 0 {
			s.logger.DebugContext(ctx, "found Firefox cookies", "profile", filepath.Base(filepath.Dir(f)), "count", len(kookies))
			return kookies, nil
		}
	}
	return kooky.ReadCookies(ctx, kooky.Valid, kooky.DomainHasSuffix(domain))
}

func firefoxProfiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var out []string
	for _, dir := range []string{
		filepath.Join(home, "Library", "Application Support", "zen", "Profiles"),
		filepath.Join(home, "Library", "Application Support", "Firefox", "Profiles"),
		filepath.Join(home, ".mozilla", "firefox"),
	} {
		matches, err := filepath.Glob(filepath.Join(dir, "*", "cookies.sqlite"))
		if err == nil {
			out = append(out, matches...)
		}
	}
	return out
}

// filterEssential keeps only session cookies, one per name.
func (s *BrowserSource) filterEssential(kookies []*kooky.Cookie) []browser.Cookie {
	seen := make(map[string]bool)
	var out []browser.Cookie
	for _, c := range kookies {
		if c == nil || !slices.Contains(essentialCookies, c.Name) || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, browser.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	var missing []string
	for _, name := range essentialCookies[:2] {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(out) > 0 && len(missing) > 0 {
		s.logger.Info("browser cookies missing", "domain", Domain, "keys", missing)
	}
	return out
}
