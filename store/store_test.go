package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gilliek/go-opml/opml"
	"github.com/gocraft/dbr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	conn, err := dbr.Open("sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, Migrate(conn.DB))
	return New(conn, opts...)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := dbr.Open("sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	defer conn.Close()

	require.NoError(t, Migrate(conn.DB))
	require.NoError(t, Migrate(conn.DB))
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithClock(func() time.Time { return fixedNow }))

	sub, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	assert.NotZero(t, sub.ID)
	assert.Equal(t, "Example", sub.Title)
	assert.Equal(t, "https://example.com/feed", sub.URL)
	assert.Equal(t, "100", sub.ChannelID)
	assert.False(t, sub.Watermark.Checked)
	assert.True(t, fixedNow.Truncate(time.Second).Equal(sub.CreatedAt))
}

func TestSubscribeConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	_, err = s.Subscribe(ctx, "Example again", "https://example.com/feed", "100")
	assert.ErrorIs(t, err, ErrConflict)

	subs, err := s.ListSubscriptions(ctx, "100")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Example", subs[0].Title)
}

func TestSameURLInTwoChannels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "Example", "https://example.com/feed", "200")
	require.NoError(t, err)

	dests, err := s.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, dests)
}

func TestListDestinationsDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dests, err := s.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Empty(t, dests)

	for _, u := range []string{"https://a.example/feed", "https://b.example/feed"} {
		_, err := s.Subscribe(ctx, "", u, "300")
		require.NoError(t, err)
	}
	_, err = s.Subscribe(ctx, "", "https://a.example/feed", "100")
	require.NoError(t, err)

	dests, err = s.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "300"}, dests)
}

func TestListSubscriptionsOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	urls := []string{"https://c.example/feed", "https://a.example/feed", "https://b.example/feed"}
	for _, u := range urls {
		_, err := s.Subscribe(ctx, u, u, "100")
		require.NoError(t, err)
	}
	_, err := s.Subscribe(ctx, "other", "https://z.example/feed", "200")
	require.NoError(t, err)

	subs, err := s.ListSubscriptions(ctx, "100")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for i, u := range urls {
		assert.Equal(t, u, subs[i].URL)
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	deleted, err := s.Unsubscribe(ctx, "https://example.com/feed", "100")
	require.NoError(t, err)
	assert.Equal(t, created, deleted)

	subs, err := s.ListSubscriptions(ctx, "100")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribeNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	_, err = s.Unsubscribe(ctx, "https://example.com/feed", "200")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Unsubscribe(ctx, "https://example.com/other", "100")
	assert.ErrorIs(t, err, ErrNotFound)

	subs, err := s.ListSubscriptions(ctx, "100")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithClock(func() time.Time { return fixedNow }))

	sub, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	got, err := s.AdvanceWatermark(ctx, sub.ID, "https://example.com/post-1")
	require.NoError(t, err)

	assert.True(t, got.Watermark.Checked)
	assert.True(t, fixedNow.Truncate(time.Millisecond).Equal(got.Watermark.CheckedAt))
	assert.Equal(t, "https://example.com/post-1", got.Watermark.LastLink)

	subs, err := s.ListSubscriptions(ctx, "100")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, got.Watermark, subs[0].Watermark)
}

func TestAdvanceWatermarkAfterUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)
	_, err = s.Unsubscribe(ctx, sub.URL, sub.ChannelID)
	require.NoError(t, err)

	_, err = s.AdvanceWatermark(ctx, sub.ID, "https://example.com/post-1")
	assert.ErrorIs(t, err, ErrNotFound)

	dests, err := s.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Empty(t, dests)
}

func TestOPML(t *testing.T) {
	subs := []Subscription{
		{Title: "Example", URL: "https://example.com/feed"},
		{URL: "https://untitled.example/rss"},
	}

	out, err := OPML(subs, fixedNow)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<?xml version="1.0" encoding="UTF-8"?>`)

	doc, err := opml.NewOPML(out)
	require.NoError(t, err)
	assert.Equal(t, "2.0", doc.Version)
	outlines := doc.Outlines()
	require.Len(t, outlines, 2)
	assert.Equal(t, "Example", outlines[0].Text)
	assert.Equal(t, "https://example.com/feed", outlines[0].XMLURL)
	assert.Equal(t, "rss", outlines[0].Type)
	assert.Equal(t, "RSS2", outlines[0].Version)
	assert.Equal(t, "https://untitled.example/rss", outlines[1].Text)
	assert.Equal(t, fixedNow.Format(time.RFC1123Z), doc.Head.DateCreated)
}

func TestExportOPML(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.ExportOPML(ctx, "100")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Subscribe(ctx, "Example", "https://example.com/feed", "100")
	require.NoError(t, err)

	out, err := s.ExportOPML(ctx, "100")
	require.NoError(t, err)
	assert.Contains(t, string(out), `xmlUrl="https://example.com/feed"`)
}
