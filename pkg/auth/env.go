package auth

import (
	"context"
	"os"
	"sort"

	"github.com/codeGROOVE-dev/xverify/pkg/browser"
)

// envVars maps environment variable names to cookie names.
var envVars = map[string]string{
	"TWITTER_AUTH_TOKEN": "auth_token",
	"TWITTER_CT0":        "ct0",
	"TWITTER_TWID":       "twid",
	"TWITTER_GUEST_ID":   "guest_id",
	"TWITTER_KDT":        "kdt",
	"TWITTER_ATT":        "att",
}

// EnvSource reads cookies from environment variables.
type EnvSource struct {
	lookup func(string) (string, bool)
}

// Cookies returns cookies for every TWITTER_* variable that is set.
func (e EnvSource) Cookies(context.Context) []browser.Cookie {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var out []browser.Cookie
	for env, name := range envVars {
		if v, ok := lookup(env); ok && v != "" {
			out = append(out, browser.Cookie{Name: name, Value: v, Domain: "." + Domain, Path: "/"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnvVars returns the supported environment variable names, for help text.
func EnvVars() []string {
	out := make([]string, 0, len(envVars))
	for k := range envVars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Chain returns the cookies of the first source that has any.
type Chain []Source

// Cookies implements Source.
func (c Chain) Cookies(ctx context.Context) []browser.Cookie {
	for _, s := range c {
		if s == nil {
			continue
		}
		if cookies := s.Cookies(ctx); len(cookies) > 0 {
			return cookies
		}
	}
	return nil
}
