// Package store persists feed subscriptions and their watermarks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gocraft/dbr/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/douglarek/cyberblade/feed"
)

var (
	ErrConflict = errors.New("subscription already exists")
	ErrNotFound = errors.New("subscription not found")
)

const tableName = "feed_subscription"

var columns = []string{"id", "title", "link", "channel_id", "last_checked", "latest_item_link", "created_at"}

// Subscription watches one feed URL on behalf of one channel.
type Subscription struct {
	ID        int64
	Title     string
	URL       string
	ChannelID string
	Watermark feed.Watermark
	CreatedAt time.Time
}

type subscriptionRow struct {
	ID             int64          `db:"id"`
	Title          string         `db:"title"`
	Link           string         `db:"link"`
	ChannelID      string         `db:"channel_id"`
	LastChecked    sql.NullInt64  `db:"last_checked"` // unix milliseconds
	LatestItemLink sql.NullString `db:"latest_item_link"`
	CreatedAt      int64          `db:"created_at"`
}

func (r subscriptionRow) subscription() Subscription {
	s := Subscription{
		ID:        r.ID,
		Title:     r.Title,
		URL:       r.Link,
		ChannelID: r.ChannelID,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.LastChecked.Valid {
		s.Watermark = feed.Watermark{
			CheckedAt: time.UnixMilli(r.LastChecked.Int64).UTC(),
			Checked:   true,
			LastLink:  r.LatestItemLink.String,
		}
	}
	return s
}

type Store struct {
	db  *dbr.Connection
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces the clock used to stamp watermarks and creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *dbr.Connection, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// inTx runs fn in its own transaction, committed when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *dbr.Tx) error) error {
	tx, err := s.db.NewSession(nil).BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.RollbackUnlessCommitted()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ListDestinations returns every channel with at least one subscription.
func (s *Store) ListDestinations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *dbr.Tx) error {
		_, err := tx.Select("channel_id").Distinct().From(tableName).
			OrderBy("channel_id").LoadContext(ctx, &ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error listing destinations: %w", err)
	}
	return ids, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, channelID string) ([]Subscription, error) {
	var rows []subscriptionRow
	err := s.inTx(ctx, func(tx *dbr.Tx) error {
		_, err := tx.Select(columns...).From(tableName).
			Where("channel_id = ?", channelID).OrderBy("id").LoadContext(ctx, &rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error listing subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(rows))
	for _, r := range rows {
		subs = append(subs, r.subscription())
	}
	return subs, nil
}

// Subscribe records a new subscription that has never been checked. It fails
// with ErrConflict when channelID already watches url.
func (s *Store) Subscribe(ctx context.Context, title, url, channelID string) (Subscription, error) {
	var row subscriptionRow
	err := s.inTx(ctx, func(tx *dbr.Tx) error {
		res, err := tx.InsertInto(tableName).
			Columns("title", "link", "channel_id", "created_at").
			Values(title, url, channelID, s.now().Unix()).ExecContext(ctx)
		if err != nil {
			if serr := (&sqlite.Error{}); errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
				return fmt.Errorf("%s in channel %s: %w", url, channelID, ErrConflict)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		return loadByID(ctx, tx, id, &row)
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("error subscribing: %w", err)
	}
	return row.subscription(), nil
}

// Unsubscribe deletes the subscription of channelID to url and returns it.
func (s *Store) Unsubscribe(ctx context.Context, url, channelID string) (Subscription, error) {
	var row subscriptionRow
	err := s.inTx(ctx, func(tx *dbr.Tx) error {
		err := tx.Select(columns...).From(tableName).
			Where("link = ? AND channel_id = ?", url, channelID).LoadOneContext(ctx, &row)
		if errors.Is(err, dbr.ErrNotFound) {
			return fmt.Errorf("%s in channel %s: %w", url, channelID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, err = tx.DeleteFrom(tableName).Where("id = ?", row.ID).ExecContext(ctx)
		return err
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("error unsubscribing: %w", err)
	}
	return row.subscription(), nil
}

// AdvanceWatermark marks subscription id as checked now, remembering itemLink
// as the last delivered entry. It fails with ErrNotFound when the subscription
// is gone, for example after a concurrent unsubscribe.
func (s *Store) AdvanceWatermark(ctx context.Context, id int64, itemLink string) (Subscription, error) {
	var row subscriptionRow
	err := s.inTx(ctx, func(tx *dbr.Tx) error {
		res, err := tx.Update(tableName).
			Set("last_checked", s.now().UnixMilli()).
			Set("latest_item_link", itemLink).
			Where("id = ?", id).ExecContext(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("id %d: %w", id, ErrNotFound)
		}
		return loadByID(ctx, tx, id, &row)
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("error advancing watermark: %w", err)
	}
	return row.subscription(), nil
}

func loadByID(ctx context.Context, tx *dbr.Tx, id int64, row *subscriptionRow) error {
	err := tx.Select(columns...).From(tableName).Where("id = ?", id).LoadOneContext(ctx, row)
	if errors.Is(err, dbr.ErrNotFound) {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return err
}
