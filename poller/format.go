package poller

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/douglarek/cyberblade/feed"
	"github.com/douglarek/cyberblade/store"
)

var (
	stripPolicy = bluemonday.StrictPolicy()

	// keeps titles from breaking out of the markdown link text
	markdownEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)
)

// Format renders the channel message announcing entry. HTML is stripped from
// the entry title; an untitled entry falls back to the subscription title and
// then to its link. An entry with neither points at the feed itself.
func Format(sub store.Subscription, entry feed.Entry) string {
	title := cleanTitle(entry.Title)
	if title == "" {
		title = cleanTitle(sub.Title)
	}
	link := entry.Link
	if link == "" && title == "" {
		link = sub.URL
	}
	if link == "" {
		return ":newspaper2: " + title
	}
	if title == "" {
		title = link
	}
	return fmt.Sprintf(":newspaper2: [%s](%s)", markdownEscaper.Replace(title), link)
}

func cleanTitle(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
