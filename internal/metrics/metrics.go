// ============================================================================
// searchq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counters, histograms and gauges for the coordinator and workers,
//          exposed on /metrics through promhttp.
//
// Metrics:
//
//   1. Counters
//      - searchq_points_inserted_total:   points inserted by the coordinator
//      - searchq_points_claimed_total:    successful claims
//      - searchq_points_completed_total:  points moved to CALCULATED
//      - searchq_points_drained_total:    points moved to COMPLETE
//      - searchq_claim_misses_total:      claims that found nothing WAITING
//      - searchq_lookup_retries_total:    task lookups retried by workers
//
//   2. Histograms
//      - searchq_evaluation_seconds:      objective evaluation time per point
//      - searchq_store_op_seconds{op}:    store round trip per operation
//
//   3. Gauges
//      - searchq_points_unfinished:       last observed WAITING+CALCULATING
//      - searchq_bookkeeping_entries:     coordinator predecessor map size
//
// Example queries:
//
//   # worker throughput
//   rate(searchq_points_completed_total[1m])
//
//   # idle ratio
//   rate(searchq_claim_misses_total[5m]) / rate(searchq_points_claimed_total[5m])
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the searchq metrics.
type Collector struct {
	pointsInserted  prometheus.Counter
	pointsClaimed   prometheus.Counter
	pointsCompleted prometheus.Counter
	pointsDrained   prometheus.Counter
	claimMisses     prometheus.Counter
	lookupRetries   prometheus.Counter

	evaluation prometheus.Histogram
	storeOp    *prometheus.HistogramVec

	unfinished  prometheus.Gauge
	bookkeeping prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		pointsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_points_inserted_total",
			Help: "Total number of points inserted by the coordinator",
		}),
		pointsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_points_claimed_total",
			Help: "Total number of points claimed by workers",
		}),
		pointsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_points_completed_total",
			Help: "Total number of points evaluated and completed by workers",
		}),
		pointsDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_points_drained_total",
			Help: "Total number of calculated points consumed by the coordinator",
		}),
		claimMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_claim_misses_total",
			Help: "Total number of claims that found no waiting point",
		}),
		lookupRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchq_lookup_retries_total",
			Help: "Total number of task lookups retried while attaching",
		}),
		evaluation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchq_evaluation_seconds",
			Help:    "Objective evaluation time per point in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		storeOp: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "searchq_store_op_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		unfinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchq_points_unfinished",
			Help: "Last observed number of waiting or calculating points",
		}),
		bookkeeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchq_bookkeeping_entries",
			Help: "Points awaiting reconciliation in the coordinator",
		}),
	}

	reg.MustRegister(
		c.pointsInserted,
		c.pointsClaimed,
		c.pointsCompleted,
		c.pointsDrained,
		c.claimMisses,
		c.lookupRetries,
		c.evaluation,
		c.storeOp,
		c.unfinished,
		c.bookkeeping,
	)
	return c
}

func (c *Collector) RecordInsert() {
	if c == nil {
		return
	}
	c.pointsInserted.Inc()
}

// RecordClaim counts a claim attempt; hit reports whether a point was returned.
func (c *Collector) RecordClaim(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.pointsClaimed.Inc()
	} else {
		c.claimMisses.Inc()
	}
}

// RecordCompleted counts a completed point and its evaluation time.
func (c *Collector) RecordCompleted(evaluation time.Duration) {
	if c == nil {
		return
	}
	c.pointsCompleted.Inc()
	c.evaluation.Observe(evaluation.Seconds())
}

func (c *Collector) RecordDrained(n int) {
	if c == nil {
		return
	}
	c.pointsDrained.Add(float64(n))
}

func (c *Collector) RecordLookupRetry() {
	if c == nil {
		return
	}
	c.lookupRetries.Inc()
}

// ObserveStoreOp records the latency of one store round trip.
func (c *Collector) ObserveStoreOp(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.storeOp.WithLabelValues(op).Observe(d.Seconds())
}

// SetUnfinished records the last unfinished count seen by the coordinator.
func (c *Collector) SetUnfinished(n int) {
	if c == nil {
		return
	}
	c.unfinished.Set(float64(n))
}

func (c *Collector) SetBookkeeping(n int) {
	if c == nil {
		return
	}
	c.bookkeeping.Set(float64(n))
}

// Serve exposes /metrics from g on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
