// ============================================================================
// Multiworld Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose world lifecycle and operation metrics
//
// Metric families:
//
//   1. World lifecycle (Counter / Gauge):
//      - multiworld_worlds_created_total
//      - multiworld_worlds_degraded_total{reason}
//      - multiworld_worlds_closed_total
//      - multiworld_worlds_active
//
//   2. Operations (Counter, labelled by kind):
//      - multiworld_ops_dispatched_total{kind}
//      - multiworld_ops_failed_total{kind}
//      - multiworld_ops_rejected_total{kind}   fail-fast on non-ACTIVE worlds
//
//   3. Latency (Histogram):
//      - multiworld_op_latency_seconds{kind}   enqueue to resolution
//      - multiworld_batch_size                 ops per backend round trip
//      - multiworld_teardown_seconds           DEGRADED to CLOSED
//
// Example queries:
//
//   # fault rate per kind
//   rate(multiworld_ops_failed_total[5m]) / rate(multiworld_ops_dispatched_total[5m])
//
//   # p95 all-reduce latency
//   histogram_quantile(0.95, rate(multiworld_op_latency_seconds_bucket{kind="ALL_REDUCE"}[1m]))
//
// A nil *Collector is valid and records nothing, so components can be built
// without instrumentation in tests.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "multiworld"

// Collector Prometheus metrics collector
type Collector struct {
	worldsCreated  prometheus.Counter
	worldsDegraded *prometheus.CounterVec
	worldsClosed   prometheus.Counter
	worldsActive   prometheus.Gauge

	opsDispatched *prometheus.CounterVec
	opsFailed     *prometheus.CounterVec
	opsRejected   *prometheus.CounterVec

	opLatency        *prometheus.HistogramVec
	batchSize        prometheus.Histogram
	teardownDuration prometheus.Histogram
}

// NewCollector creates the collector and registers it on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		worldsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worlds_created_total",
			Help:      "Total number of worlds that reached ACTIVE",
		}),
		worldsDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worlds_degraded_total",
			Help:      "Total number of worlds marked DEGRADED",
		}, []string{"reason"}),
		worldsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worlds_closed_total",
			Help:      "Total number of worlds that reached CLOSED",
		}),
		worldsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worlds_active",
			Help:      "Current number of ACTIVE worlds",
		}),
		opsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_dispatched_total",
			Help:      "Total number of operations accepted for execution",
		}, []string{"kind"}),
		opsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_failed_total",
			Help:      "Total number of operations resolved with an error",
		}, []string{"kind"}),
		opsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_rejected_total",
			Help:      "Total number of operations rejected because the world was not ACTIVE",
		}, []string{"kind"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_latency_seconds",
			Help:      "Operation latency from enqueue to resolution",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"kind"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Operations per backend round trip",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		teardownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_seconds",
			Help:      "Time from DEGRADED to CLOSED",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.worldsCreated,
		c.worldsDegraded,
		c.worldsClosed,
		c.worldsActive,
		c.opsDispatched,
		c.opsFailed,
		c.opsRejected,
		c.opLatency,
		c.batchSize,
		c.teardownDuration,
	)
	return c
}

// RecordWorldCreated records a world reaching ACTIVE
func (c *Collector) RecordWorldCreated() {
	if c == nil {
		return
	}
	c.worldsCreated.Inc()
	c.worldsActive.Inc()
}

// RecordWorldDegraded records the ACTIVE to DEGRADED transition
func (c *Collector) RecordWorldDegraded(reason string) {
	if c == nil {
		return
	}
	c.worldsDegraded.WithLabelValues(reason).Inc()
	c.worldsActive.Dec()
}

// RecordWorldClosed records a completed teardown
func (c *Collector) RecordWorldClosed(d time.Duration) {
	if c == nil {
		return
	}
	c.worldsClosed.Inc()
	c.teardownDuration.Observe(d.Seconds())
}

// RecordDispatch records an accepted operation
func (c *Collector) RecordDispatch(kind string) {
	if c == nil {
		return
	}
	c.opsDispatched.WithLabelValues(kind).Inc()
}

// RecordRejected records a fail-fast dispatch
func (c *Collector) RecordRejected(kind string) {
	if c == nil {
		return
	}
	c.opsRejected.WithLabelValues(kind).Inc()
}

// RecordCompleted records a resolved operation and its latency
func (c *Collector) RecordCompleted(kind string, latency time.Duration, failed bool) {
	if c == nil {
		return
	}
	if failed {
		c.opsFailed.WithLabelValues(kind).Inc()
	}
	c.opLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// RecordBatch records the size of one backend round trip
func (c *Collector) RecordBatch(size int) {
	if c == nil {
		return
	}
	c.batchSize.Observe(float64(size))
}

// Server exposes a gatherer on /metrics.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics HTTP server. A nil gatherer uses prometheus.DefaultGatherer.
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
