// Package profile defines the common types shared by the identity resolution engine.
package profile

import (
	"errors"
	"strings"
	"time"
)

// Common errors used inside the engine. None of them escape the resolver:
// every failure path has a defined fallback value.
var (
	ErrNotFound        = errors.New("profile not found")
	ErrChallenge       = errors.New("anti-bot challenge page")
	ErrHandleMismatch  = errors.New("payload does not match requested handle")
	ErrEmptyBody       = errors.New("empty response body")
	ErrNoEndpoints     = errors.New("no healthy mirror endpoints")
	ErrBudgetExhausted = errors.New("attempt budget exhausted")
	ErrNotImage        = errors.New("response is not an image")
)

// Endpoint is a mirror instance base URL and its health state.
type Endpoint struct {
	Address     string
	BannedUntil time.Time // zero means healthy
}

// Healthy reports whether the endpoint may be selected at time now.
func (e Endpoint) Healthy(now time.Time) bool {
	return e.BannedUntil.IsZero() || !now.Before(e.BannedUntil)
}

// Record is the normalized result of parsing a fetched profile.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Record struct {
	Handle           string   `json:"handle,omitempty"`
	DisplayName      string   `json:"display_name,omitempty"`
	AvatarURL        string   `json:"avatar_url,omitempty"` // canonical form
	BioLinks         []string `json:"bio_links,omitempty"`  // absolute, de-duplicated, platform domains excluded
	MentionedHandles []string `json:"mentioned_handles,omitempty"`
	Source           string   `json:"source,omitempty"` // "mirror", "browser", or both joined by "+"
}

// placeholderNames are display names served for fresh or empty accounts.
var placeholderNames = []string{"new to x", "new to twitter"}

// IsPlaceholderName returns true for empty names or names that mark a fresh account.
func IsPlaceholderName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" || lower == "x" || lower == "twitter" {
		return true
	}
	for _, p := range placeholderNames {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Valid reports whether the record may be used as evidence.
// A record with no avatar, no usable name and no links is the fresh-account sentinel.
func (r Record) Valid() bool {
	return r.AvatarURL != "" || !IsPlaceholderName(r.DisplayName) || len(r.BioLinks) > 0
}

// Merge fills missing fields of r from other and unions the link sets.
// Fields already present in r are never replaced.
func (r Record) Merge(other Record) Record {
	out := r
	if out.Handle == "" {
		out.Handle = other.Handle
	}
	if out.AvatarURL == "" {
		out.AvatarURL = other.AvatarURL
	}
	if IsPlaceholderName(out.DisplayName) && !IsPlaceholderName(other.DisplayName) {
		out.DisplayName = other.DisplayName
	}
	out.BioLinks = UnionStrings(r.BioLinks, other.BioLinks)
	out.MentionedHandles = UnionStrings(r.MentionedHandles, other.MentionedHandles)
	switch {
	case out.Source == "":
		out.Source = other.Source
	case other.Source != "" && other.Source != out.Source:
		out.Source += "+" + other.Source
	}
	return out
}

// UnionStrings returns a followed by the members of b not already present, preserving order.
func UnionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// SourceKind identifies which surface a candidate was collected from.
type SourceKind int

// Collection surfaces in precedence order (earlier is more trusted).
const (
	SourceDOM SourceKind = iota
	SourceHomePage
	SourceDocs
	SourceAggregator
)

func (k SourceKind) String() string {
	switch k {
	case SourceDOM:
		return "dom"
	case SourceHomePage:
		return "home"
	case SourceDocs:
		return "docs"
	case SourceAggregator:
		return "aggregator"
	default:
		return "unknown"
	}
}

// Candidate is a canonicalized profile URL discovered for a target site.
type Candidate struct {
	URL         string     `json:"url"`
	Handle      string     `json:"handle"`
	Source      SourceKind `json:"source"`
	DOMObserved bool       `json:"dom_observed"`
}

// Verdict is the outcome of checking whether an aggregator page belongs to a project.
type Verdict struct {
	Links   map[string]string `json:"links,omitempty"`
	Belongs bool              `json:"belongs"`
}

// Confidence describes how a result was confirmed.
type Confidence string

// Confidence levels, strongest first.
const (
	ConfidenceNone     Confidence = ""
	ConfidenceDeclared Confidence = "declared" // home page link verified
	ConfidenceVerified Confidence = "verified" // discovered candidate verified
	ConfidenceSingle   Confidence = "single"   // only candidate, unverified
	ConfidenceBrand    Confidence = "brand"    // brand-token fallback, unverified
)

// Result is the engine's final output for one target site.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Result struct {
	ProfileURL    string            `json:"profile_url,omitempty"`
	Links         map[string]string `json:"links,omitempty"`
	AggregatorURL string            `json:"aggregator_url,omitempty"`
	AvatarURL     string            `json:"avatar_url,omitempty"`
	AvatarPath    string            `json:"avatar_path,omitempty"`
	Confidence    Confidence        `json:"confidence,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// Empty reports whether no profile was confirmed.
func (r Result) Empty() bool {
	return r.ProfileURL == ""
}

// Clone returns a deep copy, so cached results are never shared with callers.
func (r Result) Clone() Result {
	out := r
	if r.Links != nil {
		out.Links = make(map[string]string, len(r.Links))
		for k, v := range r.Links {
			out.Links[k] = v
		}
	}
	return out
}

// Site is the input supplied by the site-rendering collaborator.
// Either HTML or SocialLinks (or both) may be present.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Site struct {
	URL             string            `json:"url"`
	HTML            string            `json:"html,omitempty"`
	DOMLinks        []string          `json:"dom_links,omitempty"`    // links observed by the renderer
	SocialLinks     map[string]string `json:"social_links,omitempty"` // pre-structured links object
	DocsURL         string            `json:"docs_url,omitempty"`
	DeclaredProfile string            `json:"declared_profile,omitempty"`
}
