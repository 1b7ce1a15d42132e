// Package poller runs the recurring sweep that turns new feed entries into
// channel notifications.
//
// A cycle walks every destination and each of its subscriptions in order:
// fetch, detect, notify, then advance the watermark. Failures are contained per
// subscription; whatever still escapes a cycle is reported to the operator and
// the loop carries on after a backoff.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/douglarek/cyberblade/feed"
	"github.com/douglarek/cyberblade/logger"
	"github.com/douglarek/cyberblade/metrics"
	"github.com/douglarek/cyberblade/store"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultRetryBase = 30 * time.Second

	// Discord rejects messages longer than 2000 characters.
	maxReportLen = 1900
)

type (
	Store interface {
		ListDestinations(ctx context.Context) ([]string, error)
		ListSubscriptions(ctx context.Context, channelID string) ([]store.Subscription, error)
		AdvanceWatermark(ctx context.Context, id int64, itemLink string) (store.Subscription, error)
	}

	Fetcher interface {
		Fetch(ctx context.Context, url string) (*feed.Document, error)
	}

	// Destination is a resolved delivery target.
	Destination struct {
		ID   string
		Name string
	}

	// Resolver looks a destination up once per cycle. Any error means the
	// destination is skipped for that cycle.
	Resolver interface {
		Resolve(ctx context.Context, channelID string) (Destination, error)
	}

	Notifier interface {
		Notify(ctx context.Context, dest Destination, content string) error
	}

	// Reporter delivers cycle failures to an operator.
	Reporter interface {
		Report(ctx context.Context, content string) error
	}
)

// CycleError is a failure that escaped the per-subscription boundary of a
// cycle, either as collected errors or as a recovered panic.
type CycleError struct {
	Err   error
	Panic any
	Stack []byte
}

func (e *CycleError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("poll cycle panicked: %v\n%s", e.Panic, e.Stack)
	}
	return fmt.Sprintf("poll cycle failed: %v", e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

type Poller struct {
	store    Store
	fetcher  Fetcher
	resolver Resolver
	notifier Notifier
	reporter Reporter

	interval  time.Duration
	retryBase time.Duration
	now       func() time.Time
}

type Option func(*Poller)

// WithInterval sets the pause between the end of one cycle and the start of
// the next.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetryBase sets the first delay after a failed cycle. Consecutive failures
// back off exponentially up to the interval.
func WithRetryBase(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.retryBase = d
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(p *Poller) { p.reporter = r }
}

// WithClock sets the clock used to stamp entries that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func New(st Store, f Fetcher, r Resolver, n Notifier, opts ...Option) *Poller {
	p := &Poller{
		store:     st,
		fetcher:   f,
		resolver:  r,
		notifier:  n,
		interval:  DefaultInterval,
		retryBase: DefaultRetryBase,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.retryBase > p.interval {
		p.retryBase = p.interval
	}
	return p
}

func (p *Poller) newBackoff() retry.Backoff {
	b := retry.NewExponential(p.retryBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(p.interval, b)
}

// Run sweeps until ctx is done, then returns nil. A successful cycle is
// followed by the regular interval; a failed one is reported and followed by
// an exponential backoff that resets on the next success.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("[poller.Run]: feed task started", "interval", p.interval)

	backoff := p.newBackoff()
	for {
		delay := p.interval

		err := p.Cycle(ctx)
		if ctx.Err() != nil {
			slog.Info("[poller.Run]: feed task stopped")
			return nil
		}
		if err != nil {
			p.report(ctx, err)
			if d, stop := backoff.Next(); !stop {
				delay = d
			}
		} else {
			backoff = p.newBackoff()
		}

		slog.Info("[poller.Run]: feed task finished, sleeping", "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			slog.Info("[poller.Run]: feed task stopped")
			return nil
		case <-t.C:
		}
	}
}

// Cycle performs one sweep over every destination. The returned error, if
// any, is a *CycleError or the context's error.
func (p *Poller) Cycle(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &CycleError{Panic: r, Stack: debug.Stack()}
		}
		metrics.RecordCycle(err, time.Since(start))
	}()

	dests, err := p.store.ListDestinations(ctx)
	if err != nil {
		return &CycleError{Err: err}
	}
	if len(dests) == 0 {
		slog.DebugContext(ctx, "[poller.Cycle]: no feeds to check")
		return nil
	}

	var errs []error
	for _, channelID := range dests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollDestination(ctx, channelID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &CycleError{Err: errors.Join(errs...)}
	}
	return nil
}

func (p *Poller) pollDestination(ctx context.Context, channelID string) error {
	ctx = logger.Ctx(ctx, slog.String("channel_id", channelID))

	dest, err := p.resolver.Resolve(ctx, channelID)
	if err != nil {
		slog.DebugContext(ctx, "[poller.pollDestination]: skipping unresolved channel", "error", err)
		return nil
	}

	subs, err := p.store.ListSubscriptions(ctx, channelID)
	if err != nil {
		return fmt.Errorf("channel %s: %w", channelID, err)
	}

	var errs []error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.pollSubscription(ctx, dest, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pollSubscription only returns errors that a later cycle cannot fix on its
// own; fetch, parse and notify failures are logged and retried next cycle. A
// panic is returned as a *CycleError so the remaining subscriptions still run.
func (p *Poller) pollSubscription(ctx context.Context, dest Destination, sub store.Subscription) (err error) {
	ctx = logger.Ctx(ctx, slog.String("url", sub.URL), slog.Int64("subscription_id", sub.ID))
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "[poller.pollSubscription]: recovered from panic", "panic", r)
			err = fmt.Errorf("subscription %d: %w", sub.ID, &CycleError{Panic: r, Stack: debug.Stack()})
		}
	}()

	doc, err := p.fetcher.Fetch(ctx, sub.URL)
	if err != nil {
		result := metrics.ResultFetchError
		if errors.Is(err, feed.ErrNotAFeed) {
			result = metrics.ResultParseError
		}
		metrics.FeedFetches.WithLabelValues(result).Inc()
		slog.ErrorContext(ctx, "[poller.pollSubscription]: invalid feed", "error", err)
		return nil
	}
	metrics.FeedFetches.WithLabelValues(metrics.ResultOK).Inc()

	change := feed.Detect(doc, sub.Watermark, p.now())
	if change.Err != nil {
		slog.ErrorContext(ctx, "[poller.pollSubscription]: invalid feed", "error", change.Err)
		return nil
	}
	if !change.New {
		slog.DebugContext(ctx, "[poller.pollSubscription]: no new items", "last_checked", sub.Watermark.CheckedAt)
		return nil
	}

	entry := *change.Entry
	slog.InfoContext(ctx, "[poller.pollSubscription]: new entry found", "title", entry.Title, "link", entry.Link,
		"last_checked", sub.Watermark.CheckedAt)

	if err := p.notifier.Notify(ctx, dest, Format(sub, entry)); err != nil {
		metrics.Notifications.WithLabelValues(metrics.ResultError).Inc()
		slog.ErrorContext(ctx, "[poller.pollSubscription]: cannot send notification", "error", err)
		return nil
	}
	metrics.Notifications.WithLabelValues(metrics.ResultOK).Inc()

	updated, err := p.store.AdvanceWatermark(ctx, sub.ID, entry.Link)
	if errors.Is(err, store.ErrNotFound) {
		metrics.WatermarkAdvances.WithLabelValues(metrics.ResultNotFound).Inc()
		slog.WarnContext(ctx, "[poller.pollSubscription]: subscription removed while polling", "error", err)
		return nil
	}
	if err != nil {
		metrics.WatermarkAdvances.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("subscription %d: %w", sub.ID, err)
	}
	metrics.WatermarkAdvances.WithLabelValues(metrics.ResultOK).Inc()
	slog.InfoContext(ctx, "[poller.pollSubscription]: updated last_checked", "last_checked", updated.Watermark.CheckedAt)
	return nil
}

// report logs a cycle failure and forwards it to the operator. Nothing it does
// may stop the loop.
func (p *Poller) report(ctx context.Context, cycleErr error) {
	slog.ErrorContext(ctx, "[poller.Run]: feed task error", "error", cycleErr)
	if p.reporter == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "[poller.report]: reporter panicked", "panic", r)
		}
	}()

	msg := cycleErr.Error()
	if len(msg) > maxReportLen {
		msg = strings.ToValidUTF8(msg[:maxReportLen], "")
	}
	if err := p.reporter.Report(ctx, "```feed task error: "+msg+"```"); err != nil {
		slog.ErrorContext(ctx, "[poller.report]: cannot report error", "error", err)
	}
}
