package twitter

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://twitter.com/johndoe", true},
		{"https://x.com/johndoe", true},
		{"https://www.twitter.com/johndoe", true},
		{"https://mobile.twitter.com/johndoe", true},
		{"x.com/johndoe", true},
		{"https://TWITTER.COM/johndoe", true},
		{"https://linkedin.com/in/johndoe", false},
		{"https://box.com/johndoe", false},
		{"https://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"https://x.com/exampleProtocol", "https://x.com/exampleprotocol", true},
		{"http://twitter.com/ExampleProtocol/", "https://x.com/exampleprotocol", true},
		{"https://www.twitter.com/foo/photo", "https://x.com/foo", true},
		{"https://mobile.twitter.com/foo/status/123", "https://x.com/foo", true},
		{"twitter.com/@foo?lang=en", "https://x.com/foo", true},
		{"https://twitter.com/#!/foo", "https://x.com/foo", true},
		{"https://x.com/home", "", false},
		{"https://x.com/intent/tweet?text=hi", "", false},
		{"https://x.com/i/flow/login", "", false},
		{"https://x.com/en", "", false},
		{"https://x.com/this_handle_is_too_long", "", false},
		{"https://x.com/", "", false},
		{"https://example.com/foo", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Canonical(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Canonical(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCanonicalEquality(t *testing.T) {
	a, _ := Canonical("https://twitter.com/Foo/photo")
	b, _ := Canonical("x.com/foo")
	if a != b {
		t.Errorf("canonical forms differ: %q vs %q", a, b)
	}
}

func TestIsPlatformURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://t.co/abc123", true},
		{"https://pbs.twimg.com/profile_images/1/a.jpg", true},
		{"https://twitter.com/foo", true},
		{"https://example.io", false},
		{"https://docs.example.io/x.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := IsPlatformURL(tt.url); got != tt.want {
				t.Errorf("IsPlatformURL(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
	if !IsShortener("https://t.co/abc") || IsShortener("https://x.com/abc") {
		t.Error("IsShortener misclassified")
	}
}

func TestMentions(t *testing.T) {
	text := "Follow @ExampleProtocol and @devs_team! Mail hello@example.io or see @home."
	got := Mentions(text)
	want := []string{"exampleprotocol", "devs_team"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Mentions() mismatch (-want +got):\n%s", diff)
	}
}

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"a", true},
		{"foo_bar9", true},
		{"", false},
		{"toolongusername1", false},
		{"foo-bar", false},
		{"foo.bar", false},
	}
	for _, tt := range tests {
		if got := IsValidUsername(tt.in); got != tt.want {
			t.Errorf("IsValidUsername(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDisplayHandle(t *testing.T) {
	tests := map[string]string{
		"https://twitter.com/ExampleProtocol/status/1": "ExampleProtocol",
		"x.com/@Foo_Bar":             "Foo_Bar",
		"https://x.com/i/flow/login": "",
	}
	for in, want := range tests {
		if got := DisplayHandle(in); got != want {
			t.Errorf("DisplayHandle(%q) = %q, want %q", in, got, want)
		}
		if got, wantLower := Handle(in), strings.ToLower(want); got != wantLower {
			t.Errorf("Handle(%q) = %q, want %q", in, got, wantLower)
		}
	}
	if got := DisplayURL("@ExampleProtocol"); got != "https://x.com/ExampleProtocol" {
		t.Errorf("DisplayURL() = %q", got)
	}
}
