// Package metrics exposes Prometheus collectors for quoting, queue workers
// and settlement polling.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/rebalancer/internal/domain"
	"github.com/alanyoungcy/rebalancer/internal/queue"
	"github.com/alanyoungcy/rebalancer/internal/settlement"
)

const namespace = "rebalancer"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	quotes      *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	polls       *prometheus.CounterVec
	rebalances  *prometheus.CounterVec
	analyzed    *prometheus.GaugeVec
}

var (
	_ queue.Observer      = (*Metrics)(nil)
	_ settlement.Recorder = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Provider quote calls by strategy and result.",
		}, []string{"strategy", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "polls_total",
			Help:      "Delivery status polls by job and observed status.",
		}, []string{"job", "status"}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Rebalance status changes by strategy and status.",
		}, []string{"strategy", "status"}),
		analyzed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokens",
			Help:      "Tokens per analysis state in the last cycle, by wallet.",
		}, []string{"wallet", "state"}),
	}
	m.registry.MustRegister(m.quotes, m.jobs, m.jobDuration, m.polls, m.rebalances, m.analyzed,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) QuoteObserved(strategy domain.Strategy, result string) {
	m.quotes.WithLabelValues(string(strategy), result).Inc()
}

func (m *Metrics) JobFinished(name string, outcome queue.Outcome, took time.Duration) {
	m.jobs.WithLabelValues(name, string(outcome)).Inc()
	m.jobDuration.WithLabelValues(name).Observe(took.Seconds())
}

func (m *Metrics) SettlementPolled(job string, status settlement.Status) {
	m.polls.WithLabelValues(job, string(status)).Inc()
}

// RebalanceStatus counts a rebalance reaching status.
func (m *Metrics) RebalanceStatus(strategy domain.Strategy, status domain.RebalanceStatus) {
	m.rebalances.WithLabelValues(string(strategy), string(status)).Inc()
}

// Analyzed records the partition sizes of one analysis.
func (m *Metrics) Analyzed(wallet string, surplus, deficit, inRange int) {
	m.analyzed.WithLabelValues(wallet, string(domain.TokenSurplus)).Set(float64(surplus))
	m.analyzed.WithLabelValues(wallet, string(domain.TokenDeficit)).Set(float64(deficit))
	m.analyzed.WithLabelValues(wallet, string(domain.TokenInRange)).Set(float64(inRange))
}
