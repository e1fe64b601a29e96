// Package metrics exposes the merchant backend's Prometheus instrumentation:
// counters for deposit outcomes and reconciliation mismatches, and
// histograms for long-poll wait durations, served on an internal /metrics
// handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLogger overrides the package logger.
func SetLogger(l *logrus.Logger) { log = l }

// Registry bundles every metric the merchant backend records, each
// registered against its own prometheus.Registry so /metrics never leaks
// the default global registry's unrelated process metrics into a test.
type Registry struct {
	reg *prometheus.Registry

	depositOutcomes    *prometheus.CounterVec
	reconcileMismatches *prometheus.CounterVec
	longPollWait       prometheus.Histogram
	longPollOutcomes   *prometheus.CounterVec
}

// New constructs and registers the merchant backend's metrics.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		depositOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchant_deposit_outcomes_total",
			Help: "Count of pay requests by deposit outcome (ok, insufficient_funds, denom_expired, double_spend, exchange_unreachable).",
		}, []string{"outcome"}),
		reconcileMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchant_reconcile_mismatches_total",
			Help: "Count of wire-transfer reconciliation mismatches by kind (sum_invariant, missing_deposit, unknown_wtid).",
		}, []string{"kind"}),
		longPollWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "merchant_longpoll_wait_seconds",
			Help:    "Time a GET /orders/{oid} long-poll waiter spent blocked before waking.",
			Buckets: prometheus.DefBuckets,
		}),
		longPollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merchant_longpoll_outcomes_total",
			Help: "Count of long-poll waits by how they resolved (paid, refund, timed_out).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.depositOutcomes,
		r.reconcileMismatches,
		r.longPollWait,
		r.longPollOutcomes,
	)
	return r
}

// ObserveDeposit records the deposit outcome of one pay request.
func (r *Registry) ObserveDeposit(outcome string) {
	r.depositOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveReconcileMismatch records one reconciliation mismatch by kind.
func (r *Registry) ObserveReconcileMismatch(kind string) {
	r.reconcileMismatches.WithLabelValues(kind).Inc()
}

// ObserveLongPollWait records how long a long-poll waiter blocked and how
// it resolved.
func (r *Registry) ObserveLongPollWait(wait time.Duration, outcome string) {
	r.longPollWait.Observe(wait.Seconds())
	r.longPollOutcomes.WithLabelValues(outcome).Inc()
}

// Handler returns the promhttp handler serving this Registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// StartServer exposes Handler on addr's /metrics path, returning the
// underlying *http.Server so the caller controls its lifecycle.
func (r *Registry) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops a server returned by StartServer.
func (r *Registry) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
