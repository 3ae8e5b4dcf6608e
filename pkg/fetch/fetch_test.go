package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/xverify/pkg/browser"
	"github.com/codeGROOVE-dev/xverify/pkg/cache"
	"github.com/codeGROOVE-dev/xverify/pkg/mirror"
	"github.com/codeGROOVE-dev/xverify/pkg/nitter"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
)

var padding = "<!--" + strings.Repeat("x", nitter.MinPageBytes) + "-->"

func mirrorPage(handle string, withAvatar bool) string {
	avatar := ""
	if withAvatar {
		avatar = `<a class="profile-card-avatar" href="/pic/orig/profile_images%2F1%2Fface.jpg"><img src="/pic/profile_images%2F1%2Fface_400x400.jpg"></a>`
	}
	return fmt.Sprintf(`<html><body><div class="profile-card">%s
	<a class="profile-card-fullname" href="/%s">Foo Project</a>
	<a class="profile-card-username" href="/%s">@%s</a>
	<div class="profile-bio"><p>Official account. <a href="https://foo.io">foo.io</a></p></div>
	</div>%s</body></html>`, avatar, handle, handle, handle, padding)
}

type endpoint struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newEndpoint(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) }
}

func serve(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, body) }
}

func addrs(eps ...*endpoint) []string {
	out := make([]string, 0, len(eps))
	for _, e := range eps {
		out = append(out, e.srv.URL)
	}
	return out
}

func banned(p *mirror.Pool, addr string) bool {
	for _, e := range p.Endpoints() {
		if e.Address == addr {
			return !e.Healthy(time.Now())
		}
	}
	return false
}

type countingRenderer struct {
	payload browser.Payload
	err     error
	last    browser.Request
	calls   atomic.Int32
}

func (r *countingRenderer) Render(_ context.Context, req browser.Request) (browser.Payload, error) {
	r.calls.Add(1)
	r.last = req
	return r.payload, r.err
}

func TestFirstMirror503SecondServes(t *testing.T) {
	bad := newEndpoint(t, status(http.StatusServiceUnavailable))
	good := newEndpoint(t, serve(mirrorPage("foo", true)))
	pool := mirror.New(addrs(bad, good), mirror.WithStrategy(mirror.RoundRobin))
	results, err := cache.New()
	if err != nil {
		t.Fatal(err)
	}
	defer results.Close() //nolint:errcheck // test
	f := New(pool, WithCache(results))

	rec := f.Profile(context.Background(), NewScope(), "foo", false)

	want := profile.Record{
		Handle:      "foo",
		DisplayName: "Foo Project",
		AvatarURL:   "https://pbs.twimg.com/profile_images/1/face.jpg",
		BioLinks:    []string{"https://foo.io"},
		Source:      "mirror",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("Profile() mismatch (-want +got):\n%s", diff)
	}
	if !banned(pool, bad.srv.URL) {
		t.Error("503 endpoint was not banned")
	}
	if banned(pool, good.srv.URL) {
		t.Error("serving endpoint was banned")
	}
	if got := pool.Attempts("foo"); got != 2 {
		t.Errorf("Attempts() = %d, want 2", got)
	}
	cached, ok := results.Profile(context.Background(), "https://x.com/foo")
	if !ok {
		t.Fatal("record not cached under https://x.com/foo")
	}
	if diff := cmp.Diff(want, cached); diff != "" {
		t.Errorf("cached record mismatch (-want +got):\n%s", diff)
	}
}

func TestStopsAtFirstValidMirror(t *testing.T) {
	a := newEndpoint(t, serve(mirrorPage("foo", true)))
	b := newEndpoint(t, serve(mirrorPage("foo", true)))
	pool := mirror.New(addrs(a, b), mirror.WithStrategy(mirror.RoundRobin))
	render := &countingRenderer{}
	f := New(pool, WithRenderer(render))

	if rec := f.Profile(context.Background(), NewScope(), "@Foo", true); !rec.Valid() {
		t.Fatalf("Profile() = %+v, want valid", rec)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 0 {
		t.Errorf("calls = %d,%d; want 1,0", a.calls.Load(), b.calls.Load())
	}
	if render.calls.Load() != 0 {
		t.Error("browser used although the mirror answered")
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler func(http.ResponseWriter, *http.Request)
		banned  bool
	}{
		{"challenge", serve("<html><title>Just a moment...</title>" + padding + "</html>"), true},
		{"empty body", serve("   "), true},
		{"rate limited", status(http.StatusTooManyRequests), true},
		{"forbidden", status(http.StatusForbidden), true},
		{"handle mismatch", serve(mirrorPage("somebody", true)), false},
		{"not found", status(http.StatusNotFound), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEndpoint(t, tt.handler)
			pool := mirror.New(addrs(e))
			rec := New(pool).Profile(context.Background(), NewScope(), "foo", false)
			if rec.Valid() {
				t.Errorf("Profile() = %+v, want invalid", rec)
			}
			if got := banned(pool, e.srv.URL); got != tt.banned {
				t.Errorf("banned = %v, want %v", got, tt.banned)
			}
		})
	}
}

func TestTransportFailuresBanAndMoveOn(t *testing.T) {
	slow := newEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	closed := newEndpoint(t, serve(mirrorPage("foo", true)))
	closed.srv.Close()
	good := newEndpoint(t, serve(mirrorPage("foo", true)))

	tests := []struct {
		name string
		dead *endpoint
	}{
		{"request timeout", slow},
		{"connection refused", closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := mirror.New(addrs(tt.dead, good), mirror.WithStrategy(mirror.RoundRobin))
			f := New(pool, WithTimeout(50*time.Millisecond))

			start := time.Now()
			rec := f.Profile(context.Background(), NewScope(), "foo", false)
			if !rec.Valid() {
				t.Fatalf("Profile() = %+v, want valid from the healthy mirror", rec)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("Profile() took %v; per-request timeout not applied", elapsed)
			}
			if !banned(pool, tt.dead.srv.URL) {
				t.Error("failing endpoint was not banned")
			}
			if banned(pool, good.srv.URL) {
				t.Error("healthy endpoint was banned")
			}
			if got := pool.Attempts("foo"); got != 2 {
				t.Errorf("Attempts() = %d, want 2", got)
			}
		})
	}
}

func TestBrowserFallbackAtMostOncePerScope(t *testing.T) {
	e := newEndpoint(t, status(http.StatusBadGateway))
	pool := mirror.New(addrs(e), mirror.WithBanTTL(time.Nanosecond))
	render := &countingRenderer{err: errors.New("chrome crashed")}
	f := New(pool, WithRenderer(render))

	scope := NewScope()
	for range 3 {
		if rec := f.Profile(context.Background(), scope, "foo", true); rec.Valid() {
			t.Fatalf("Profile() = %+v, want invalid", rec)
		}
	}
	if got := render.calls.Load(); got != 1 {
		t.Errorf("renderer called %d times in one scope, want 1", got)
	}
	if !scope.Used("FOO") {
		t.Error("scope does not record the spent render")
	}

	f.Profile(context.Background(), NewScope(), "foo", true)
	if got := render.calls.Load(); got != 2 {
		t.Errorf("renderer called %d times after a new scope, want 2", got)
	}
}

func TestBrowserResultIsMergedIntoMirrorResult(t *testing.T) {
	e := newEndpoint(t, serve(mirrorPage("foo", false)))
	pool := mirror.New(addrs(e))
	render := &countingRenderer{payload: browser.Payload{Profile: &browser.ProfileObject{
		Handle:    "Foo",
		Name:      "Replacement Name",
		AvatarURL: "https://pbs.twimg.com/profile_images/9/new_normal.png",
		Links:     []string{"https://foo.io/", "https://docs.foo.io"},
	}}}
	f := New(pool, WithRenderer(render), WithRenderDefaults(browser.Request{WaitUntil: "networkidle", TimeoutMS: 1000}))

	rec := f.Profile(context.Background(), NewScope(), "foo", true)

	want := profile.Record{
		Handle:      "foo",
		DisplayName: "Foo Project",
		AvatarURL:   "https://pbs.twimg.com/profile_images/9/new.png",
		BioLinks:    []string{"https://foo.io", "https://docs.foo.io"},
		Source:      "mirror+browser",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("Profile() mismatch (-want +got):\n%s", diff)
	}
	if render.last.URL != "https://x.com/foo" || render.last.WaitUntil != "networkidle" {
		t.Errorf("render request = %+v", render.last)
	}
}

func TestBrowserProfileForOtherHandleIgnored(t *testing.T) {
	pool := mirror.New(nil)
	render := &countingRenderer{payload: browser.Payload{Profile: &browser.ProfileObject{
		Handle: "someoneelse", Name: "Else", Links: []string{"https://else.io"},
	}}}
	rec := New(pool, WithRenderer(render)).Profile(context.Background(), NewScope(), "foo", false)
	if rec.Valid() {
		t.Errorf("Profile() = %+v, want invalid", rec)
	}
}

func TestCacheShortCircuit(t *testing.T) {
	e := newEndpoint(t, serve(mirrorPage("foo", false)))
	results, err := cache.New()
	if err != nil {
		t.Fatal(err)
	}
	f := New(mirror.New(addrs(e)), WithCache(results))

	first := f.Profile(context.Background(), NewScope(), "foo", false)
	second := f.Profile(context.Background(), NewScope(), "FOO", false)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached record differs (-first +second):\n%s", diff)
	}
	if got := e.calls.Load(); got != 1 {
		t.Errorf("mirror called %d times, want 1", got)
	}

	// The cached record has no avatar; an avatar request goes to the
	// browser instead of asking the mirrors again.
	render := &countingRenderer{payload: browser.Payload{Profile: &browser.ProfileObject{
		Handle: "foo", AvatarURL: "https://pbs.twimg.com/profile_images/1/face_normal.jpg",
	}}}
	f = New(mirror.New(addrs(e)), WithCache(results), WithRenderer(render))
	rec := f.Profile(context.Background(), NewScope(), "foo", true)
	if rec.AvatarURL != "https://pbs.twimg.com/profile_images/1/face.jpg" {
		t.Errorf("AvatarURL = %q after browser fallback", rec.AvatarURL)
	}
	if got := e.calls.Load(); got != 1 {
		t.Errorf("mirror called %d times after needAvatar, want 1", got)
	}
	if got := render.calls.Load(); got != 1 {
		t.Errorf("renderer called %d times, want 1", got)
	}
	if again := f.Profile(context.Background(), NewScope(), "foo", true); again.AvatarURL != rec.AvatarURL || render.calls.Load() != 1 {
		t.Errorf("merged record not cached: %+v after %d renders", again, render.calls.Load())
	}
}

func TestCachedMissingProfileIsNotRefetched(t *testing.T) {
	e := newEndpoint(t, status(http.StatusNotFound))
	results, err := cache.New()
	if err != nil {
		t.Fatal(err)
	}
	defer results.Close() //nolint:errcheck // test
	pool := mirror.New(addrs(e), mirror.WithAttemptCap(0))
	render := &countingRenderer{err: errors.New("render failed")}
	f := New(pool, WithCache(results), WithRenderer(render))

	scope := NewScope()
	for range 3 {
		if rec := f.Profile(context.Background(), scope, "gone", false); rec.Valid() {
			t.Fatalf("Profile() = %+v, want invalid", rec)
		}
	}
	if got := e.calls.Load(); got != 1 {
		t.Errorf("mirror called %d times for a cached missing profile, want 1", got)
	}
	if got := render.calls.Load(); got != 1 {
		t.Errorf("renderer called %d times, want 1", got)
	}
}

func TestCanceledFetchIsNotCached(t *testing.T) {
	e := newEndpoint(t, serve(mirrorPage("foo", true)))
	results, err := cache.New()
	if err != nil {
		t.Fatal(err)
	}
	defer results.Close() //nolint:errcheck // test
	f := New(mirror.New(addrs(e)), WithCache(results))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if rec := f.Profile(canceled, NewScope(), "foo", false); rec.Valid() {
		t.Fatalf("Profile() with canceled context = %+v", rec)
	}
	if _, found := results.Profile(context.Background(), "https://x.com/foo"); found {
		t.Error("interrupted fetch was cached")
	}
	if rec := f.Profile(context.Background(), NewScope(), "foo", false); !rec.Valid() {
		t.Errorf("Profile() after canceled fetch = %+v, want valid", rec)
	}
}

func TestAttemptBudgetCapsMirrorRequests(t *testing.T) {
	var eps []*endpoint
	for range 4 {
		eps = append(eps, newEndpoint(t, status(http.StatusInternalServerError)))
	}
	pool := mirror.New(addrs(eps...), mirror.WithAttemptCap(2))
	f := New(pool, WithMaxInstances(4))

	f.Profile(context.Background(), NewScope(), "foo", false)
	f.Profile(context.Background(), NewScope(), "foo", false)

	var total int32
	for _, e := range eps {
		total += e.calls.Load()
	}
	if total != 2 {
		t.Errorf("mirror requests = %d, want 2", total)
	}
}

func TestInvalidHandle(t *testing.T) {
	render := &countingRenderer{}
	rec := New(mirror.New(nil), WithRenderer(render)).Profile(context.Background(), nil, "not a handle!", true)
	if rec.Valid() || render.calls.Load() != 0 {
		t.Errorf("Profile() = %+v with %d renders", rec, render.calls.Load())
	}
}
