package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/douglarek/cyberblade/feed"
	"github.com/douglarek/cyberblade/poller"
	"github.com/douglarek/cyberblade/store"
)

const (
	shortTTL = 10 * time.Second
	longTTL  = 30 * time.Second

	maxContentLen = 1900
)

type Subscriptions interface {
	Subscribe(ctx context.Context, title, url, channelID string) (store.Subscription, error)
	Unsubscribe(ctx context.Context, url, channelID string) (store.Subscription, error)
	ListSubscriptions(ctx context.Context, channelID string) ([]store.Subscription, error)
	ExportOPML(ctx context.Context, channelID string) ([]byte, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*feed.Document, error)
}

type File struct {
	Name string
	Data []byte
}

// Reply is what a command answers with. A non-zero TTL deletes the reply after
// that long.
type Reply struct {
	Content string
	File    *File
	TTL     time.Duration
}

// Commands implements the feed subcommands independently of the Discord
// session. Replies never carry raw error text.
type Commands struct {
	subs    Subscriptions
	fetcher Fetcher
	now     func() time.Time
}

func NewCommands(subs Subscriptions, fetcher Fetcher) *Commands {
	return &Commands{subs: subs, fetcher: fetcher, now: time.Now}
}

func (c *Commands) Dispatch(ctx context.Context, name, feedURL, channelID string) Reply {
	switch name {
	case "test":
		return c.Test(ctx, feedURL)
	case "sub":
		return c.Subscribe(ctx, feedURL, channelID)
	case "unsub":
		return c.Unsubscribe(ctx, feedURL, channelID)
	case "list":
		return c.List(ctx, channelID)
	case "export":
		return c.Export(ctx, channelID)
	}
	return Reply{Content: "Unknown command", TTL: shortTTL}
}

func invalidFeed() Reply {
	return Reply{Content: "Invalid feed url", TTL: shortTTL}
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (c *Commands) fetch(ctx context.Context, feedURL string) (*feed.Document, bool) {
	if !validURL(feedURL) {
		return nil, false
	}
	doc, err := c.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		slog.InfoContext(ctx, "[bot.Commands]: cannot fetch feed", "url", feedURL, "error", err)
		return nil, false
	}
	return doc, doc.Valid()
}

// Test shows the newest entry of a feed, rendered as a subscriber would see
// it, without subscribing to it.
func (c *Commands) Test(ctx context.Context, feedURL string) Reply {
	doc, ok := c.fetch(ctx, feedURL)
	if !ok {
		return invalidFeed()
	}
	if len(doc.Entries) == 0 {
		return Reply{Content: "No entries found", TTL: shortTTL}
	}
	sub := store.Subscription{Title: doc.Title, URL: feedURL}
	return Reply{Content: poller.Format(sub, doc.Entries[0]), TTL: longTTL}
}

func (c *Commands) Subscribe(ctx context.Context, feedURL, channelID string) Reply {
	doc, ok := c.fetch(ctx, feedURL)
	if !ok {
		return invalidFeed()
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = feedURL
	}
	sub, err := c.subs.Subscribe(ctx, title, feedURL, channelID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return Reply{Content: fmt.Sprintf("**Failed to subscribe:** %s already exists", feedURL), TTL: shortTTL}
	case err != nil:
		slog.ErrorContext(ctx, "[bot.Commands.Subscribe]: cannot subscribe", "url", feedURL, "channel_id", channelID, "error", err)
		return Reply{Content: "**Failed to subscribe:** something went wrong", TTL: shortTTL}
	}
	return Reply{Content: fmt.Sprintf("**Subscribe feed successful:** [%s](%s).", sub.Title, sub.URL), TTL: shortTTL}
}

func (c *Commands) Unsubscribe(ctx context.Context, feedURL, channelID string) Reply {
	sub, err := c.subs.Unsubscribe(ctx, feedURL, channelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Reply{Content: fmt.Sprintf("**Failed to unsubscribe:** %s not found", feedURL), TTL: shortTTL}
	case err != nil:
		slog.ErrorContext(ctx, "[bot.Commands.Unsubscribe]: cannot unsubscribe", "url", feedURL, "channel_id", channelID, "error", err)
		return Reply{Content: "**Failed to unsubscribe:** something went wrong", TTL: shortTTL}
	}
	return Reply{Content: fmt.Sprintf("**Unsubscription successful:** [%s](%s).", sub.Title, sub.URL), TTL: shortTTL}
}

func (c *Commands) List(ctx context.Context, channelID string) Reply {
	subs, err := c.subs.ListSubscriptions(ctx, channelID)
	if err != nil {
		slog.ErrorContext(ctx, "[bot.Commands.List]: cannot list subscriptions", "channel_id", channelID, "error", err)
		return Reply{Content: "Something went wrong", TTL: shortTTL}
	}
	if len(subs) == 0 {
		return Reply{Content: "No feed found", TTL: shortTTL}
	}

	var b strings.Builder
	for i, s := range subs {
		line := fmt.Sprintf("%d. [%s](%s)\n", i+1, s.Title, s.URL)
		if b.Len()+len(line) > maxContentLen {
			fmt.Fprintf(&b, "... and %d more, use export for the full list", len(subs)-i)
			break
		}
		b.WriteString(line)
	}
	return Reply{Content: strings.TrimRight(b.String(), "\n"), TTL: longTTL}
}

func (c *Commands) Export(ctx context.Context, channelID string) Reply {
	data, err := c.subs.ExportOPML(ctx, channelID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Reply{Content: "No feed found", TTL: shortTTL}
	case err != nil:
		slog.ErrorContext(ctx, "[bot.Commands.Export]: cannot export subscriptions", "channel_id", channelID, "error", err)
		return Reply{Content: "Something went wrong", TTL: shortTTL}
	}
	return Reply{
		Content: "Here is your opml file",
		File: &File{
			Name: fmt.Sprintf("feeds_%s.opml", c.now().UTC().Format("200601021504")),
			Data: data,
		},
	}
}
