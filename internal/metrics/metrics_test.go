package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector.pointsInserted)
	assert.NotNil(t, collector.storeOp)

	// Vec metrics only appear once a label set is observed.
	collector.ObserveStoreOp("claim", time.Millisecond)
	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestCounters(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 3; i++ {
		collector.RecordInsert()
	}
	collector.RecordClaim(true)
	collector.RecordClaim(true)
	collector.RecordClaim(false)
	collector.RecordCompleted(20 * time.Millisecond)
	collector.RecordDrained(4)
	collector.RecordLookupRetry()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.pointsInserted))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.pointsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.claimMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pointsCompleted))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.pointsDrained))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.lookupRetries))
}

func TestGauges(t *testing.T) {
	collector, _ := newTestCollector(t)

	testCases := []struct {
		name        string
		unfinished  int
		bookkeeping int
	}{
		{"zero values", 0, 0},
		{"steady state", 3, 3},
		{"draining", 1, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.SetUnfinished(tc.unfinished)
			collector.SetBookkeeping(tc.bookkeeping)
			assert.Equal(t, float64(tc.unfinished), testutil.ToFloat64(collector.unfinished))
			assert.Equal(t, float64(tc.bookkeeping), testutil.ToFloat64(collector.bookkeeping))
		})
	}
}

func TestStoreOpHistogram(t *testing.T) {
	collector, _ := newTestCollector(t)
	collector.ObserveStoreOp("claim", 2*time.Millisecond)
	collector.ObserveStoreOp("claim", 3*time.Millisecond)
	collector.ObserveStoreOp("drain", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.storeOp, "searchq_store_op_seconds"))
}

func TestNilCollector(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordInsert()
		collector.RecordClaim(true)
		collector.RecordCompleted(time.Second)
		collector.RecordDrained(1)
		collector.RecordLookupRetry()
		collector.ObserveStoreOp("claim", time.Second)
		collector.SetUnfinished(1)
		collector.SetBookkeeping(1)
	})
}

func TestServe(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordInsert()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(raw)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "searchq_points_inserted_total 1")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
