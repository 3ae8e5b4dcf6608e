package verify

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/xverify/pkg/fetch"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
)

type call struct {
	handle     string
	needAvatar bool
}

// fakeFetcher serves canned records and logs every request.
type fakeFetcher struct {
	records map[string]profile.Record
	calls   []call
	mu      sync.Mutex
}

func (f *fakeFetcher) Profile(_ context.Context, _ *fetch.Scope, handle string, needAvatar bool) profile.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{strings.ToLower(handle), needAvatar})
	return f.records[strings.ToLower(handle)]
}

func (f *fakeFetcher) handles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.handle)
	}
	return out
}

// fakeAggregators treats linktr.ee pages as aggregators; belongs lists
// the pages that belong to the project.
type fakeAggregators struct {
	belongs map[string]profile.Verdict
}

func (a fakeAggregators) IsAggregator(rawURL string) bool {
	return strings.Contains(rawURL, "linktr.ee/")
}

func (a fakeAggregators) BelongsToProject(_ context.Context, aggURL, _, _ string) profile.Verdict {
	return a.belongs[aggURL]
}

func valid(bio ...string) profile.Record {
	return profile.Record{DisplayName: "Somebody", AvatarURL: "https://pbs.twimg.com/profile_images/1/a.jpg", BioLinks: bio}
}

func cand(handle string, dom bool, src profile.SourceKind) profile.Candidate {
	return profile.Candidate{URL: "https://x.com/" + strings.ToLower(handle), Handle: handle, Source: src, DOMObserved: dom}
}

func TestBrandToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.io", "example"},
		{"https://www.Example.io/path", "example"},
		{"app.my-project.co.uk", "myproject"},
		{"https://docs.acme2.finance", "acme2"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BrandToken(tt.in); got != tt.want {
			t.Errorf("BrandToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPasses(t *testing.T) {
	d := cand("dan", false, profile.SourceDocs)
	c := cand("Acme_C", false, profile.SourceHomePage)
	b := cand("bob", true, profile.SourceDOM)
	a := cand("acmeA", true, profile.SourceDOM)
	a2 := cand("theACME", true, profile.SourceDOM)

	got := Passes([]profile.Candidate{d, c, b, a, a2}, "acme")
	want := [4][]profile.Candidate{{a, a2}, {b}, {c}, {d}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Passes() mismatch (-want +got):\n%s", diff)
	}

	got = Passes([]profile.Candidate{a, d}, "")
	want = [4][]profile.Candidate{nil, {a}, nil, {d}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Passes() without brand mismatch (-want +got):\n%s", diff)
	}
}

func TestPassOrderSelectsLaterPass(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"acmea": valid("https://elsewhere.example"),
		"bobb":  valid(),
		"acmec": valid("https://www.acme.io/team"),
		"dand":  valid("https://acme.io"),
	}}
	s := New(f, fakeAggregators{})

	// Collection order differs from pass order on purpose.
	cands := []profile.Candidate{
		cand("danD", false, profile.SourceAggregator),
		cand("acmeC", false, profile.SourceDocs),
		cand("bobB", true, profile.SourceDOM),
		cand("acmeA", true, profile.SourceDOM),
	}
	got := s.Verify(context.Background(), Input{SiteURL: "https://acme.io", Candidates: cands})

	if got.ProfileURL != "https://x.com/acmeC" {
		t.Errorf("ProfileURL = %q, want https://x.com/acmeC", got.ProfileURL)
	}
	if got.Confidence != profile.ConfidenceVerified {
		t.Errorf("Confidence = %q", got.Confidence)
	}
	if diff := cmp.Diff([]string{"acmea", "bobb", "acmec"}, f.handles()); diff != "" {
		t.Errorf("fetch order mismatch (-want +got):\n%s", diff)
	}
}

func TestDocsPageScenario(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"exampleprotocol": {
			DisplayName: "Example Protocol",
			AvatarURL:   "https://pbs.twimg.com/profile_images/123/abc.jpg",
			BioLinks:    []string{"https://example.io", "https://github.com/example"},
		},
	}}
	s := New(f, fakeAggregators{})
	got := s.Verify(context.Background(), Input{
		SiteURL:    "https://example.io",
		Candidates: []profile.Candidate{cand("exampleProtocol", false, profile.SourceDocs)},
	})
	want := profile.Result{
		ProfileURL: "https://x.com/exampleProtocol",
		AvatarURL:  "https://pbs.twimg.com/profile_images/123/abc.jpg",
		Links: map[string]string{
			"twitter": "https://x.com/exampleProtocol",
			"github":  "https://github.com/example",
		},
		Confidence: profile.ConfidenceVerified,
		Reason:     "bio links https://example.io",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
	}
}

func TestDeclaredShortCircuits(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"examplehq": {DisplayName: "Example", BioLinks: []string{"https://linktr.ee/example"}},
		"example":   valid("https://example.io"),
	}}
	aggs := fakeAggregators{belongs: map[string]profile.Verdict{
		"https://linktr.ee/example": {Belongs: true, Links: map[string]string{
			"telegram": "https://t.me/example",
			"twitter":  "https://x.com/someoneelse",
		}},
	}}
	s := New(f, aggs)
	got := s.Verify(context.Background(), Input{
		SiteURL:  "https://example.io",
		Declared: "https://twitter.com/ExampleHQ",
		Candidates: []profile.Candidate{
			cand("example", true, profile.SourceDOM),
			cand("ExampleHQ", false, profile.SourceHomePage),
		},
	})
	want := profile.Result{
		ProfileURL:    "https://x.com/ExampleHQ",
		AggregatorURL: "https://linktr.ee/example",
		Links: map[string]string{
			"telegram": "https://t.me/example",
			"twitter":  "https://x.com/ExampleHQ",
		},
		Confidence: profile.ConfidenceDeclared,
		Reason:     "bio links aggregator https://linktr.ee/example",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
	}
	// Declared first, then once more for the missing avatar; "example" never fetched.
	wantCalls := []call{{"examplehq", false}, {"examplehq", true}}
	if diff := cmp.Diff(wantCalls, f.calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDeclaredFailureFallsThroughToPasses(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"stale":   valid("https://other.example"),
		"example": valid("https://example.io"),
	}}
	s := New(f, fakeAggregators{})
	got := s.Verify(context.Background(), Input{
		SiteURL:  "https://example.io",
		Declared: "https://x.com/stale",
		Candidates: []profile.Candidate{
			cand("stale", true, profile.SourceDOM),
			cand("example", false, profile.SourceDocs),
		},
	})
	if got.ProfileURL != "https://x.com/example" {
		t.Errorf("ProfileURL = %q", got.ProfileURL)
	}
	if diff := cmp.Diff([]string{"stale", "example"}, f.handles()); diff != "" {
		t.Errorf("declared profile checked twice (-want +got):\n%s", diff)
	}
}

func TestAggregatorNotBelonging(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"foo": valid("https://linktr.ee/foo"),
		"bar": valid("https://linktr.ee/bar"),
	}}
	aggs := fakeAggregators{belongs: map[string]profile.Verdict{"https://linktr.ee/bar": {Belongs: true}}}
	got := New(f, aggs).Verify(context.Background(), Input{
		SiteURL:    "https://site.example",
		Candidates: []profile.Candidate{cand("foo", true, profile.SourceDOM), cand("bar", true, profile.SourceDOM)},
	})
	if got.ProfileURL != "https://x.com/bar" || got.AggregatorURL != "https://linktr.ee/bar" {
		t.Errorf("Verify() = %+v, want bar via its aggregator", got)
	}
}

func TestSingleCandidateFallback(t *testing.T) {
	tests := []struct {
		name string
		rec  profile.Record
		want string
	}{
		{"valid with avatar", valid("https://unrelated.example"), "https://x.com/lonely"},
		{"valid without avatar", profile.Record{DisplayName: "Lonely", BioLinks: []string{"https://a.example"}}, ""},
		{"fresh account", profile.Record{DisplayName: "New to X"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{records: map[string]profile.Record{"lonely": tt.rec}}
			got := New(f, fakeAggregators{}).Verify(context.Background(), Input{
				SiteURL:    "https://site.example",
				Candidates: []profile.Candidate{cand("lonely", false, profile.SourceHomePage)},
			})
			if got.ProfileURL != tt.want {
				t.Errorf("ProfileURL = %q, want %q", got.ProfileURL, tt.want)
			}
			if tt.want != "" && got.Confidence != profile.ConfidenceSingle {
				t.Errorf("Confidence = %q, want single", got.Confidence)
			}
		})
	}
}

func TestBrandFallback(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"random":    valid(),
		"acme_fake": {DisplayName: "new to x"},
		"acmelabs":  valid("https://unrelated.example"),
		"acme_dao":  valid(),
	}}
	got := New(f, fakeAggregators{}).Verify(context.Background(), Input{
		SiteURL: "https://acme.xyz",
		Candidates: []profile.Candidate{
			cand("random", true, profile.SourceDOM),
			cand("acme_fake", false, profile.SourceHomePage),
			cand("AcmeLabs", false, profile.SourceDocs),
			cand("acme_dao", false, profile.SourceDocs),
		},
	})
	if got.ProfileURL != "https://x.com/AcmeLabs" {
		t.Errorf("ProfileURL = %q, want https://x.com/AcmeLabs", got.ProfileURL)
	}
	if got.Confidence != profile.ConfidenceBrand {
		t.Errorf("Confidence = %q, want brand", got.Confidence)
	}
}

func TestExhausted(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{"a": valid(), "b": valid()}}
	got := New(f, fakeAggregators{}).Verify(context.Background(), Input{
		SiteURL:    "https://zzz.example",
		Candidates: []profile.Candidate{cand("a", true, profile.SourceDOM), cand("b", false, profile.SourceDocs)},
	})
	if !got.Empty() {
		t.Errorf("Verify() = %+v, want empty", got)
	}
	if got := New(f, nil).Verify(context.Background(), Input{SiteURL: "https://zzz.example"}); !got.Empty() {
		t.Errorf("Verify() without candidates = %+v, want empty", got)
	}
}

func TestInvalidRecordNeverConfirmed(t *testing.T) {
	f := &fakeFetcher{records: map[string]profile.Record{
		"examplebot": {DisplayName: "New to X"},
	}}
	got := New(f, fakeAggregators{}).Verify(context.Background(), Input{
		SiteURL:    "https://example.io",
		Declared:   "https://x.com/examplebot",
		Candidates: []profile.Candidate{cand("examplebot", true, profile.SourceDOM)},
	})
	if !got.Empty() {
		t.Errorf("invalid record confirmed: %+v", got)
	}
}
