package feed

import "time"

// Detect decides whether the newest entry of doc is past the watermark. Only
// the first entry is inspected: sources are expected to list newest first.
//
// An entry whose link was the last one delivered is never new. This covers
// entries without a timestamp, which are stamped with now, and entries dated
// past the watermark's own time by a skewed source clock.
func Detect(doc *Document, wm Watermark, now time.Time) Change {
	if !doc.Valid() {
		return Change{Err: ErrNotAFeed}
	}
	if len(doc.Entries) == 0 {
		return Change{}
	}

	entry := doc.Entries[0]
	if wm.Checked && entry.Link != "" && entry.Link == wm.LastLink {
		return Change{}
	}
	ts, ok := entry.Timestamp()
	if !ok {
		ts = now
	}

	if wm.Covers(ts) {
		return Change{}
	}
	return Change{New: true, Entry: &entry}
}
