package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36"
)

// Fetcher retrieves and parses feeds. One Fetcher is created at startup and
// shared by every caller; Close releases its pooled connections.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
}

type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithRate paces outbound requests to perSecond. Zero leaves them unpaced.
func WithRate(perSecond float64) Option {
	return func(f *Fetcher) {
		if perSecond > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads url and parses it. Failures are a *FetchError when the feed
// could not be retrieved and a *ParseError when the body is not a feed. Fetch
// never retries.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{URL: url, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	// gofeed parsers keep per-parse state, so each call gets its own.
	fd, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		slog.DebugContext(ctx, "[feed.Fetch]: cannot parse body", "url", url, "error", err)
		return nil, &ParseError{URL: url, Err: err}
	}

	return toDocument(fd), nil
}

func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

func toDocument(fd *gofeed.Feed) *Document {
	doc := &Document{
		Title:   fd.Title,
		Entries: make([]Entry, 0, len(fd.Items)),
	}
	if fd.FeedType != "" {
		doc.Version = fmt.Sprintf("%s %s", fd.FeedType, fd.FeedVersion)
	}
	for _, item := range fd.Items {
		if item == nil {
			continue
		}
		doc.Entries = append(doc.Entries, Entry{
			Title:     item.Title,
			Link:      item.Link,
			Published: item.PublishedParsed,
			Updated:   item.UpdatedParsed,
		})
	}
	return doc
}
