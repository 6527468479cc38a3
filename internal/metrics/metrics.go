// ============================================================================
// evtc-relay Metrics - Prometheus Collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects pipeline metrics and exposes them for Prometheus
//
// Metrics:
//
//   1. Counters:
//      - evtc_logs_submitted_total: logs handed to the coordinator
//      - evtc_stage_dispatched_total{stage}: tasks sent to a stage worker
//      - evtc_stage_transitions_total{stage,state}: step transitions by target state
//      - evtc_report_retries_total: report retries that came due
//
//   2. Histogram:
//      - evtc_stage_latency_seconds{stage}: worker time per task
//
//   3. Gauges:
//      - evtc_ledger_jobs{key}: ledger counts by "<stage>_<state>" plus "total"
//
// Example queries:
//
//   # report failures per minute
//   rate(evtc_stage_transitions_total{stage="report",state="error"}[1m])
//
//   # 95th percentile upload latency
//   histogram_quantile(0.95, rate(evtc_stage_latency_seconds_bucket{stage="report"}[5m]))
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

const namespace = "evtc"

// uploadBuckets covers a sub-second parse up to a slow multi-minute upload.
var uploadBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600}

// Collector holds the pipeline metrics.
type Collector struct {
	submitted   prometheus.Counter
	dispatched  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	latency     *prometheus.HistogramVec
	ledgerJobs  *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
// prometheus.DefaultRegisterer is used when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_submitted_total",
			Help:      "Total number of logs submitted to the pipeline",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_dispatched_total",
			Help:      "Total number of tasks dispatched to a stage worker",
		}, []string{"stage"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Total number of step transitions by stage and target state",
		}, []string{"stage", "state"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_retries_total",
			Help:      "Total number of report uploads re-queued after a transient failure",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Time a stage worker spent on one task",
			Buckets:   uploadBuckets,
		}, []string{"stage"}),
		ledgerJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_jobs",
			Help:      "Jobs in the ledger by stage and state",
		}, []string{"key"}),
	}

	reg.MustRegister(
		c.submitted,
		c.dispatched,
		c.transitions,
		c.retries,
		c.latency,
		c.ledgerJobs,
	)
	return c
}

// RecordSubmitted counts a submitted log.
func (c *Collector) RecordSubmitted() {
	c.submitted.Inc()
}

// RecordDispatched counts a task handed to a stage worker.
func (c *Collector) RecordDispatched(stage types.Stage) {
	c.dispatched.WithLabelValues(string(stage)).Inc()
}

// RecordTransition counts a step moving into state to.
func (c *Collector) RecordTransition(stage types.Stage, to types.StepState) {
	c.transitions.WithLabelValues(string(stage), string(to)).Inc()
}

// RecordRetry counts a report retry coming due.
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordStageLatency observes the worker time of one task.
func (c *Collector) RecordStageLatency(stage types.Stage, d time.Duration) {
	c.latency.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// SetLedgerStats replaces the ledger gauges with the given counts.
func (c *Collector) SetLedgerStats(stats map[string]int) {
	c.ledgerJobs.Reset()
	for key, n := range stats {
		c.ledgerJobs.WithLabelValues(key).Set(float64(n))
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
