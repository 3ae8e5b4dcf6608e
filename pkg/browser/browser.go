// Package browser is the expensive fetch channel: it asks a headless
// browser to render a profile page and returns the rendered HTML, a
// pre-parsed profile object, or a challenge flag.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/tidwall/gjson"
)

// ErrMalformed is returned when a renderer's output is not a payload.
var ErrMalformed = errors.New("malformed browser output")

// Cookie is a browser cookie forwarded to the renderer.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Request describes one render.
type Request struct {
	URL       string   `json:"url"`
	WaitUntil string   `json:"wait_until,omitempty"` // load, domcontentloaded, networkidle
	Device    string   `json:"device,omitempty"`     // desktop or mobile
	Locale    string   `json:"locale,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	Cookies   []Cookie `json:"cookies,omitempty"`
	TimeoutMS int64    `json:"timeout_ms"`
	Scroll    bool     `json:"scroll,omitempty"`
}

// Timeout returns the request timeout as a duration.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// ProfileObject is a profile the browser service already extracted.
type ProfileObject struct {
	Handle    string
	Name      string
	AvatarURL string
	Links     []string
}

// Payload is the result of a render. Any combination of fields may be
// present; callers check HasHTML and HasProfile before use.
type Payload struct {
	Profile   *ProfileObject
	HTML      string
	Challenge bool
}

// HasHTML reports whether rendered markup is present.
func (p Payload) HasHTML() bool { return strings.TrimSpace(p.HTML) != "" }

// HasProfile reports whether a pre-parsed profile object is present.
func (p Payload) HasProfile() bool { return p.Profile != nil }

// Renderer renders a page in a headless browser.
type Renderer interface {
	Render(ctx context.Context, req Request) (Payload, error)
}

// Func adapts a function to the Renderer interface.
type Func func(ctx context.Context, req Request) (Payload, error)

// Render calls f.
func (f Func) Render(ctx context.Context, req Request) (Payload, error) { return f(ctx, req) }

// rawPayload mirrors the loosely typed JSON a browser service emits.
// Field aliases cover the spellings seen across service versions.
type rawPayload struct {
	HTML      string         `mapstructure:"html"`
	Content   string         `mapstructure:"content"`
	Profile   map[string]any `mapstructure:"profile"`
	Challenge bool           `mapstructure:"challenge"`
	Blocked   bool           `mapstructure:"blocked"`
}

type rawProfile struct {
	Handle      string   `mapstructure:"handle"`
	Username    string   `mapstructure:"username"`
	Name        string   `mapstructure:"name"`
	DisplayName string   `mapstructure:"display_name"`
	Avatar      string   `mapstructure:"avatar"`
	AvatarURL   string   `mapstructure:"avatar_url"`
	Image       string   `mapstructure:"profile_image"`
	Links       []string `mapstructure:"links"`
	BioLinks    []string `mapstructure:"bio_links"`
	Website     string   `mapstructure:"website"`
}

// Decode parses renderer output. Anything that is not a JSON object is
// ErrMalformed.
func Decode(raw []byte) (Payload, error) {
	if !gjson.ValidBytes(raw) {
		return Payload{}, ErrMalformed
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Payload{}, ErrMalformed
	}

	var rp rawPayload
	if err := weakDecode(doc.Value(), &rp); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	p := Payload{HTML: rp.HTML, Challenge: rp.Challenge || rp.Blocked}
	if p.HTML == "" {
		p.HTML = rp.Content
	}
	if len(rp.Profile) > 0 {
		var pr rawProfile
		if err := weakDecode(rp.Profile, &pr); err != nil {
			return Payload{}, fmt.Errorf("%w: profile: %w", ErrMalformed, err)
		}
		obj := &ProfileObject{
			Handle:    firstNonEmpty(pr.Handle, pr.Username),
			Name:      firstNonEmpty(pr.Name, pr.DisplayName),
			AvatarURL: firstNonEmpty(pr.Avatar, pr.AvatarURL, pr.Image),
			Links:     append(append([]string(nil), pr.Links...), pr.BioLinks...),
		}
		if pr.Website != "" {
			obj.Links = append(obj.Links, pr.Website)
		}
		p.Profile = obj
	}
	return p, nil
}

func weakDecode(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
