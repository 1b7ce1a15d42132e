// Package metrics exposes Prometheus collectors for the feed poller.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cyberblade"

var (
	// PollCycles counts finished cycles by result (ok, error).
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Total number of poll cycles",
		},
		[]string{"result"},
	)

	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// FeedFetches counts fetches by result (ok, fetch_error, parse_error).
	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_total",
			Help:      "Total number of feed fetches",
		},
		[]string{"result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of new entry notifications",
		},
		[]string{"result"},
	)

	WatermarkAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watermark_advances_total",
			Help:      "Total number of watermark advances",
		},
		[]string{"result"},
	)
)

const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultFetchError = "fetch_error"
	ResultParseError = "parse_error"
	ResultNotFound   = "not_found"
)

// RecordCycle records a finished poll cycle.
func RecordCycle(err error, d time.Duration) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	PollCycles.WithLabelValues(result).Inc()
	PollCycleDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		slog.Info("[metrics.Serve]: listening", "addr", addr)
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(downCtx); err != nil {
		slog.Error("[metrics.Serve]: error shutting down", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
