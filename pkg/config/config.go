// Package config loads resolver settings from YAML with environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/xverify/pkg/aggregator"
	"github.com/codeGROOVE-dev/xverify/pkg/browser"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/mirror"
)

// Environment variables that override the file.
const (
	EnvMirrors  = "XVERIFY_MIRRORS" // comma separated
	EnvStrategy = "XVERIFY_STRATEGY"
	EnvProxy    = "XVERIFY_PROXY"
)

// Config is the full resolver configuration.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Config struct {
	Mirrors           []string      `yaml:"mirrors" validate:"required,min=1,dive,url"`
	Strategy          string        `yaml:"strategy" validate:"oneof=random round_robin"`
	MaxInstances      int           `yaml:"max_instances" validate:"gte=1"`
	AttemptCap        int           `yaml:"attempt_cap" validate:"gte=0"`
	BanTTL            time.Duration `yaml:"ban_ttl" validate:"gte=0"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"gt=0"`
	AggregatorDomains []string      `yaml:"aggregator_domains" validate:"dive,hostname_rfc1123"`
	UserAgents        []string      `yaml:"user_agents" validate:"dive,required"`
	UserAgentRotation string        `yaml:"user_agent_rotation" validate:"oneof=fixed random round_robin"`
	ProxyURL          string        `yaml:"proxy_url" validate:"omitempty,url"`
	Workers           int           `yaml:"workers" validate:"gte=1,lte=64"`
	AvatarDir         string        `yaml:"avatar_dir"`
	Browser           Browser       `yaml:"browser"`
	Cache             Cache         `yaml:"cache"`
}

// Browser configures the expensive fallback channel. An empty Engine disables it.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Browser struct {
	Engine     string        `yaml:"engine" validate:"omitempty,oneof=exec rod"`
	Command    []string      `yaml:"command" validate:"required_if=Engine exec"`
	Bin        string        `yaml:"bin"`         // rod: Chrome binary, found automatically when empty
	ControlURL string        `yaml:"control_url"` // rod: attach to a running browser
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	WaitUntil  string        `yaml:"wait_until" validate:"oneof=load domcontentloaded networkidle"`
	Scroll     bool          `yaml:"scroll"`
	Device     string        `yaml:"device" validate:"oneof=desktop mobile"`
	Locale     string        `yaml:"locale"`
	Cookies    bool          `yaml:"cookies"` // send x.com session cookies from local browsers or env
}

// Cache configures the result caches. An empty Dir keeps them in memory.
type Cache struct {
	Dir string        `yaml:"dir"`
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mirrors:           []string{"https://nitter.net", "https://nitter.poast.org", "https://xcancel.com"},
		Strategy:          string(mirror.Random),
		MaxInstances:      3,
		AttemptCap:        4,
		BanTTL:            mirror.DefaultBanTTL,
		RequestTimeout:    10 * time.Second,
		AggregatorDomains: append([]string(nil), aggregator.DefaultDomains...),
		UserAgentRotation: string(httpcache.RotateRandom),
		Workers:           4,
		Browser: Browser{
			Timeout:   30 * time.Second,
			WaitUntil: "load",
			Device:    "desktop",
			Locale:    "en-US",
		},
		Cache: Cache{TTL: 24 * time.Hour},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvMirrors); ok && strings.TrimSpace(v) != "" {
		var mirrors []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				mirrors = append(mirrors, m)
			}
		}
		c.Mirrors = mirrors
	}
	if v, ok := lookup(EnvStrategy); ok && v != "" {
		c.Strategy = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvProxy); ok {
		c.ProxyURL = strings.TrimSpace(v)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// MirrorStrategy returns the mirror selection strategy.
func (c *Config) MirrorStrategy() mirror.Strategy {
	return mirror.Strategy(c.Strategy)
}

// Rotation returns the user-agent rotation.
func (c *Config) Rotation() httpcache.Rotation {
	return httpcache.Rotation(c.UserAgentRotation)
}

// RenderDefaults returns the browser request template for the fallback channel.
func (c *Config) RenderDefaults() browser.Request {
	return browser.Request{
		WaitUntil: c.Browser.WaitUntil,
		Device:    c.Browser.Device,
		Locale:    c.Browser.Locale,
		TimeoutMS: c.Browser.Timeout.Milliseconds(),
		Scroll:    c.Browser.Scroll,
	}
}
