// Package metrics exposes the node's operational counters on a
// dedicated Prometheus listener, kept separate from the ops API so
// scrapes never contend with drain handling.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's domain instruments. Components treat a nil
// *Metrics as metrics-disabled.
type Metrics struct {
	FragmentsDispatched   prometheus.Counter
	FragmentsHeld         prometheus.Gauge
	SessionsCompleted     prometheus.Counter
	SessionsAborted       prometheus.Counter
	SharesCollected       prometheus.Counter
	ReconcileRuns         prometheus.Counter
	ReconcileRedispatch   prometheus.Counter
	BeaconsObserved       prometheus.Counter
	ChallengesUnsatisfied prometheus.Counter
}

// NewMetrics creates and registers the domain instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FragmentsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_fragments_dispatched_total",
			Help: "Fragments handed to a transfer session",
		}),
		FragmentsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dropmesh_fragments_held",
			Help: "Fragments currently held for other owners",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_sessions_completed_total",
			Help: "Transfer sessions that reached the complete state",
		}),
		SessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_sessions_aborted_total",
			Help: "Transfer sessions aborted on timeout or protocol violation",
		}),
		SharesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_shares_collected_total",
			Help: "Shares received back during retrieval",
		}),
		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_reconcile_runs_total",
			Help: "Reconciliation passes executed",
		}),
		ReconcileRedispatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_reconcile_redispatch_total",
			Help: "Reserve shares re-dispatched by reconciliation",
		}),
		BeaconsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_beacons_observed_total",
			Help: "Capability beacons observed during discovery",
		}),
		ChallengesUnsatisfied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropmesh_location_challenges_unsatisfied_total",
			Help: "Fragment releases refused on an unsatisfied location challenge",
		}),
	}

	reg.MustRegister(
		m.FragmentsDispatched, m.FragmentsHeld,
		m.SessionsCompleted, m.SessionsAborted,
		m.SharesCollected,
		m.ReconcileRuns, m.ReconcileRedispatch,
		m.BeaconsObserved, m.ChallengesUnsatisfied,
	)
	return m
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
	metrics  *Metrics
}

// New creates a metrics server with its own registry, pre-registering
// the Go and process collectors.
func New(name, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: name}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		registry: registry,
		metrics:  NewMetrics(registry),
	}, nil
}

// Metrics returns the domain instruments registered on this server.
func (s *MetricsServer) Metrics() *Metrics {
	return s.metrics
}

// ListenAndServe blocks serving scrapes.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
