package entry

import (
	"time"
)

// Layout is the canonical published-at format shared by every store backend.
// Lexicographic and chronological order coincide for non-empty values.
const Layout = "2006-01-02 15:04:05"

// FeedEntry is one syndication item as persisted by the store.
type FeedEntry struct {
	ID           string `json:"id" redis:"id"`
	Title        string `json:"title" redis:"title"`
	Summary      string `json:"summary" redis:"summary"`
	Link         string `json:"link" redis:"link"`
	Author       string `json:"author" redis:"author"`
	PublishedRaw string `json:"published" redis:"published"`
	// PublishedAt is either a Layout-formatted timestamp or "".
	PublishedAt string `json:"published_at" redis:"published_at"`

	// Opaque JSON encodings of the sub-record sequences.
	Tags    string `json:"tags" redis:"tags"`
	Authors string `json:"authors" redis:"authors"`
	Links   string `json:"links" redis:"links"`
}

// Undated reports whether the entry carries the empty published-at marker.
func (e FeedEntry) Undated() bool {
	return e.PublishedAt == ""
}

// RawEntry is a feed item as handed over by a source, before normalization.
type RawEntry struct {
	ID              string
	Title           string
	Summary         string
	Published       string
	PublishedParsed *time.Time
	Link            string
	Author          string
	Tags            []Tag
	Authors         []Person
	Links           []Link
}

type Tag struct {
	Term   string `json:"term"`
	Scheme string `json:"scheme,omitempty"`
	Label  string `json:"label,omitempty"`
}

type Person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel,omitempty"`
	Type   string `json:"type,omitempty"`
	Length string `json:"length,omitempty"`
}

// Cutoff returns the canonical timestamp for now minus days in loc.
func Cutoff(now time.Time, loc *time.Location, days int) string {
	return Format(now.Add(-time.Duration(days)*24*time.Hour), loc)
}

// Format renders t in loc using Layout. A zero time yields the empty marker.
func Format(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(Layout)
}

// Valid reports whether s is the empty marker or a well-formed canonical timestamp.
func Valid(s string) bool {
	if s == "" {
		return true
	}
	if len(s) != len(Layout) {
		return false
	}
	// time.Parse accepts one-digit hours and fractional seconds; only the
	// exact rendering keeps string order chronological.
	t, err := time.Parse(Layout, s)
	return err == nil && t.Format(Layout) == s
}
