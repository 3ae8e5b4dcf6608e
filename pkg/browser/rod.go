package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodRenderer drives a local Chrome through the DevTools protocol. The
// browser is launched lazily on first use and shared across renders.
type RodRenderer struct {
	browser    *rod.Browser
	logger     *slog.Logger
	bin        string
	controlURL string
	mu         sync.Mutex
	headless   bool
}

// RodOption configures a RodRenderer.
type RodOption func(*RodRenderer)

// WithBin sets the Chrome binary. Empty uses launcher's lookup.
func WithBin(bin string) RodOption {
	return func(r *RodRenderer) { r.bin = bin }
}

// WithControlURL attaches to an already running browser instead of launching one.
func WithControlURL(u string) RodOption {
	return func(r *RodRenderer) { r.controlURL = u }
}

// WithHeadless toggles headless mode. Default true.
func WithHeadless(headless bool) RodOption {
	return func(r *RodRenderer) { r.headless = headless }
}

// WithRodLogger sets a custom logger.
func WithRodLogger(logger *slog.Logger) RodOption {
	return func(r *RodRenderer) { r.logger = logger }
}

// NewRod returns a renderer backed by go-rod.
func NewRod(opts ...RodOption) *RodRenderer {
	r := &RodRenderer{logger: slog.Default(), headless: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RodRenderer) connect(ctx context.Context) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	controlURL := r.controlURL
	if controlURL == "" {
		l := launcher.New().Headless(r.headless)
		if r.bin != "" {
			l = l.Bin(r.bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	// The browser outlives any single render, so it is not bound to ctx.
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	r.logger.InfoContext(ctx, "headless browser connected", "control_url", controlURL)
	r.browser = b
	return b, nil
}

// Render loads the page in a fresh incognito context and returns its HTML.
func (r *RodRenderer) Render(ctx context.Context, req Request) (Payload, error) {
	b, err := r.connect(ctx)
	if err != nil {
		return Payload{}, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return Payload{}, fmt.Errorf("incognito context: %w", err)
	}
	defer func() { _ = incognito.Close() }() //nolint:errcheck // best effort

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return Payload{}, fmt.Errorf("create page: %w", err)
	}
	page = page.Context(ctx)
	if d := req.Timeout(); d > 0 {
		page = page.Timeout(d)
	}

	if req.UserAgent != "" || req.Locale != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      req.UserAgent,
			AcceptLanguage: req.Locale,
		}); err != nil {
			r.logger.DebugContext(ctx, "set user agent failed", "error", err)
		}
	}
	if req.Device == "mobile" {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width: 390, Height: 844, DeviceScaleFactor: 3, Mobile: true,
		}).Call(page); err != nil {
			r.logger.DebugContext(ctx, "set viewport failed", "error", err)
		}
	}
	if len(req.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			})
		}
		if err := page.SetCookies(params); err != nil {
			r.logger.DebugContext(ctx, "set cookies failed", "error", err)
		}
	}

	if err := page.Navigate(req.URL); err != nil {
		return Payload{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}
	if err := r.wait(page, req.WaitUntil); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Payload{}, fmt.Errorf("wait for %s: %w", req.URL, err)
	}
	if req.Scroll {
		if err := page.Mouse.Scroll(0, 1200, 4); err != nil {
			r.logger.DebugContext(ctx, "scroll failed", "error", err)
		}
		_ = page.WaitStable(500 * time.Millisecond) //nolint:errcheck // best effort
	}

	html, err := page.HTML()
	if err != nil {
		return Payload{}, fmt.Errorf("read html: %w", err)
	}
	return Payload{HTML: html}, nil
}

func (*RodRenderer) wait(page *rod.Page, until string) error {
	switch until {
	case "domcontentloaded":
		return nil
	case "networkidle":
		return page.WaitStable(time.Second)
	default:
		return page.WaitLoad()
	}
}

// Close shuts the browser down if one was started.
func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
