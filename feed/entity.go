package feed

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotAFeed is the generic reason given when a body was retrieved but is not
// a recognizable RSS, Atom or JSON feed.
var ErrNotAFeed = errors.New("not a valid feed")

// Document is a parsed feed. Entries keep the source ordering.
type Document struct {
	Title   string
	Version string // e.g. "rss 2.0", "atom 1.0"; empty when unrecognized
	Entries []Entry
}

func (d *Document) Valid() bool {
	return d != nil && d.Version != ""
}

type Entry struct {
	Title     string
	Link      string
	Published *time.Time
	Updated   *time.Time
}

// Timestamp prefers the published time over the updated one. ok is false when
// the entry carries neither.
func (e Entry) Timestamp() (t time.Time, ok bool) {
	switch {
	case e.Published != nil:
		return *e.Published, true
	case e.Updated != nil:
		return *e.Updated, true
	}
	return time.Time{}, false
}

// Watermark marks what a subscription has already delivered. The zero value
// means the subscription was never successfully checked.
type Watermark struct {
	CheckedAt time.Time
	Checked   bool
	LastLink  string // link of the last delivered entry
}

// Covers reports whether an entry stamped t is at or below the watermark.
func (w Watermark) Covers(t time.Time) bool {
	return w.Checked && !t.After(w.CheckedAt)
}

// Change is the outcome of comparing a document against a watermark.
type Change struct {
	New   bool
	Entry *Entry
	Err   error
}

// FetchError reports a feed that could not be retrieved: a transport failure
// or a non-200 response.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: HTTP %s", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a body that was retrieved but could not be parsed as a feed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, ErrNotAFeed)
}

func (e *ParseError) Unwrap() []error { return []error{ErrNotAFeed, e.Err} }
