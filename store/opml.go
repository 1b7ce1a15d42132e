package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gilliek/go-opml/opml"
)

// OPML renders subs as an OPML 2.0 document with one rss outline per
// subscription. Subscriptions without a title use their URL as text.
func OPML(subs []Subscription, created time.Time) ([]byte, error) {
	stamp := created.UTC().Format(time.RFC1123Z)
	doc := opml.OPML{
		Version: "2.0",
		Head:    opml.Head{Title: "cyberblade subscriptions", DateCreated: stamp},
		Body:    opml.Body{Outlines: make([]opml.Outline, 0, len(subs))},
	}
	for _, s := range subs {
		text := s.Title
		if text == "" {
			text = s.URL
		}
		doc.Body.Outlines = append(doc.Body.Outlines, opml.Outline{
			Text:    text,
			Title:   text,
			Type:    "rss",
			Version: "RSS2",
			XMLURL:  s.URL,
			Created: stamp,
		})
	}

	out, err := doc.XML()
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// ExportOPML renders the subscriptions of channelID. It fails with ErrNotFound
// when the channel has none.
func (s *Store) ExportOPML(ctx context.Context, channelID string) ([]byte, error) {
	subs, err := s.ListSubscriptions(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return OPML(subs, s.now())
}
