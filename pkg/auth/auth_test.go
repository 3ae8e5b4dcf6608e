package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/browserutils/kooky"
	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/xverify/pkg/browser"
)

func kookie(name, value string) *kooky.Cookie {
	return &kooky.Cookie{Cookie: http.Cookie{Name: name, Value: value, Domain: ".x.com"}}
}

func TestBrowserSourceFiltersEssential(t *testing.T) {
	s := NewBrowserSource(nil)
	s.read = func(context.Context, string) ([]*kooky.Cookie, error) {
		return []*kooky.Cookie{
			kookie("ct0", "csrf"),
			kookie("personalization_id", "noise"),
			kookie("auth_token", "tok"),
			kookie("auth_token", "older"),
			nil,
		}, nil
	}
	want := []browser.Cookie{
		{Name: "auth_token", Value: "tok", Domain: ".x.com", Path: "/"},
		{Name: "ct0", Value: "csrf", Domain: ".x.com", Path: "/"},
	}
	if diff := cmp.Diff(want, s.Cookies(context.Background())); diff != "" {
		t.Errorf("Cookies() mismatch (-want +got):\n%s", diff)
	}
}

func TestBrowserSourceReadFailure(t *testing.T) {
	s := NewBrowserSource(nil)
	s.read = func(context.Context, string) ([]*kooky.Cookie, error) {
		return nil, errors.New("locked database")
	}
	if got := s.Cookies(context.Background()); got != nil {
		t.Errorf("Cookies() = %v, want nil", got)
	}
}

func TestEnvSource(t *testing.T) {
	env := map[string]string{"TWITTER_CT0": "c", "TWITTER_AUTH_TOKEN": "a", "UNRELATED": "x"}
	s := EnvSource{lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}
	want := []browser.Cookie{
		{Name: "auth_token", Value: "a", Domain: ".x.com", Path: "/"},
		{Name: "ct0", Value: "c", Domain: ".x.com", Path: "/"},
	}
	if diff := cmp.Diff(want, s.Cookies(context.Background())); diff != "" {
		t.Errorf("Cookies() mismatch (-want +got):\n%s", diff)
	}
}

type staticSource []browser.Cookie

func (s staticSource) Cookies(context.Context) []browser.Cookie { return s }

func TestChain(t *testing.T) {
	second := staticSource{{Name: "ct0", Value: "2"}}
	c := Chain{nil, staticSource(nil), second, staticSource{{Name: "ct0", Value: "3"}}}
	if diff := cmp.Diff([]browser.Cookie(second), c.Cookies(context.Background())); diff != "" {
		t.Errorf("Chain.Cookies() mismatch (-want +got):\n%s", diff)
	}
	if got := (Chain{}).Cookies(context.Background()); got != nil {
		t.Errorf("empty chain = %v", got)
	}
}

func TestEnvVarsSorted(t *testing.T) {
	got := EnvVars()
	if len(got) != len(envVars) || got[0] != "TWITTER_ATT" {
		t.Errorf("EnvVars() = %v", got)
	}
}
