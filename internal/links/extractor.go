// Package links finds analytics dashboard references in Slack message text.
package links

import (
	"iter"
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies a dashboard URL by its shape.
type Kind string

const (
	KindLook        Kind = "look"
	KindExplore     Kind = "explore"
	KindUnsupported Kind = "unsupported"
)

// DashboardReference is one analytics link found in a message.
type DashboardReference struct {
	URL           string
	Kind          Kind
	Position      int    // 1-based order of the link within the message
	ResolvedQuery string // set once the resolver returns the query text
}

// Resolved reports whether a query string is attached.
func (r DashboardReference) Resolved() bool {
	return r.ResolvedQuery != ""
}

// Slack renders links as <url> or <url|label>; plain URLs may also survive.
var linkPattern = regexp.MustCompile(`<(https?://[^|>\s]+)(?:\|[^>]*)?>|(https?://[^\s<>|]+)`)

// Extractor yields dashboard references for an allow-list of analytics hosts.
type Extractor struct {
	hosts map[string]struct{}
}

// NewExtractor builds an extractor for the given hosts. Host matching is
// case-insensitive and ignores ports.
func NewExtractor(hosts []string) *Extractor {
	e := &Extractor{hosts: make(map[string]struct{}, len(hosts))}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			e.hosts[h] = struct{}{}
		}
	}
	return e
}

// Extract returns the references in text order. The sequence is lazy and can be
// ranged over any number of times with identical results.
func (e *Extractor) Extract(text string) iter.Seq[DashboardReference] {
	return func(yield func(DashboardReference) bool) {
		position := 0
		for _, m := range linkPattern.FindAllStringSubmatch(text, -1) {
			raw := m[1]
			if raw == "" {
				raw = strings.TrimRight(m[2], ".,;:!?)")
			}
			raw = strings.ReplaceAll(raw, "&amp;", "&")

			u, err := url.Parse(raw)
			if err != nil || !e.allowed(u) {
				continue
			}
			position++

			if !yield(DashboardReference{URL: raw, Kind: kindOf(u), Position: position}) {
				return
			}
		}
	}
}

// Collect materialises the sequence for callers that need a slice.
func (e *Extractor) Collect(text string) []DashboardReference {
	var refs []DashboardReference
	for ref := range e.Extract(text) {
		refs = append(refs, ref)
	}
	return refs
}

func (e *Extractor) allowed(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	_, ok := e.hosts[strings.ToLower(u.Hostname())]
	return ok
}

func kindOf(u *url.URL) Kind {
	if LookIDFromURL(u) != "" {
		return KindLook
	}
	segs := segments(u.Path)
	if len(segs) >= 3 && segs[0] == "explore" && u.Query().Get("qid") != "" {
		return KindExplore
	}
	return KindUnsupported
}

// LookIDFromURL returns the saved-look identifier of /looks/<id> or
// /embed/looks/<id>, or "".
func LookIDFromURL(u *url.URL) string {
	segs := segments(u.Path)
	if len(segs) >= 1 && segs[0] == "embed" {
		segs = segs[1:]
	}
	if len(segs) >= 2 && segs[0] == "looks" && segs[1] != "" {
		return segs[1]
	}
	return ""
}

// LookID returns the look identifier of a look reference.
func LookID(ref DashboardReference) string {
	u, err := url.Parse(ref.URL)
	if err != nil {
		return ""
	}
	return LookIDFromURL(u)
}

// QuerySlug returns the qid parameter of an explore reference.
func QuerySlug(ref DashboardReference) string {
	u, err := url.Parse(ref.URL)
	if err != nil {
		return ""
	}
	return u.Query().Get("qid")
}

func segments(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
