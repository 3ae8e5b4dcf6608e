package httpcache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/motemen/go-loghttp"
	"golang.org/x/net/proxy"
)

// ClientConfig configures NewClient.
type ClientConfig struct {
	Logger   *slog.Logger
	ProxyURL string // socks5://, http:// or https://; empty uses the environment
	Timeout  time.Duration
	Debug    bool // log every request and response at Debug
}

// NewClient builds the HTTP client shared by mirror, page and asset fetches.
func NewClient(cfg ClientConfig) (*http.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		default:
			dialer, err := proxy.FromURL(u, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("create proxy dialer: %w", err)
			}
			transport.Proxy = nil
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}
		}
	}

	var rt http.RoundTripper = transport
	if cfg.Debug {
		logger := cfg.Logger
		rt = &loghttp.Transport{
			Transport: transport,
			LogRequest: func(req *http.Request) {
				logger.Debug("HTTP request", "method", req.Method, "url", req.URL.String())
			},
			LogResponse: func(resp *http.Response) {
				logger.Debug("HTTP response", "url", resp.Request.URL.String(), "status_code", resp.StatusCode)
			},
		}
	}

	return &http.Client{Timeout: cfg.Timeout, Transport: rt}, nil
}

// Rotation selects how UserAgents hands out strings.
type Rotation string

// Supported rotations.
const (
	RotateFixed      Rotation = "fixed"
	RotateRandom     Rotation = "random"
	RotateRoundRobin Rotation = "round_robin"
)

// UserAgents rotates through a list of User-Agent strings. The zero value
// always returns UserAgent.
type UserAgents struct {
	list     []string
	rotation Rotation
	next     atomic.Uint64
}

// NewUserAgents returns a rotation over list. An empty list yields UserAgent.
func NewUserAgents(list []string, rotation Rotation) *UserAgents {
	return &UserAgents{list: append([]string(nil), list...), rotation: rotation}
}

// Next returns the User-Agent for the next request.
func (u *UserAgents) Next() string {
	if u == nil || len(u.list) == 0 {
		return UserAgent
	}
	switch u.rotation {
	case RotateRandom:
		return u.list[rand.IntN(len(u.list))] //nolint:gosec // header rotation, not security
	case RotateRoundRobin:
		return u.list[(u.next.Add(1)-1)%uint64(len(u.list))]
	default:
		return u.list[0]
	}
}
