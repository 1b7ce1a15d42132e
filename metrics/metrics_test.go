package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	okBefore := testutil.ToFloat64(PollCycles.WithLabelValues(ResultOK))
	errBefore := testutil.ToFloat64(PollCycles.WithLabelValues(ResultError))

	RecordCycle(nil, time.Second)
	RecordCycle(errors.New("boom"), time.Second)
	RecordCycle(nil, time.Second)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(PollCycles.WithLabelValues(ResultOK)))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(PollCycles.WithLabelValues(ResultError)))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe(t *testing.T) {
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr) }()

	FeedFetches.WithLabelValues(ResultOK).Inc()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "cyberblade_feed_fetch_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
