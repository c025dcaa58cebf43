package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "briefcast"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	batchRuns        *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	recordsProcessed *prometheus.CounterVec
	recordsFailed    *prometheus.CounterVec
	claimsLost       *prometheus.CounterVec
	callAttempts     *prometheus.CounterVec
	recordsByStatus  *prometheus.GaugeVec
	stuckRecords     prometheus.Gauge
	failureRate      prometheus.Gauge
	webhookPosts     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.batchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Stage batch runs by outcome",
		},
		[]string{"stage", "result"},
	)
	m.batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Stage batch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	m.recordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Records that completed a stage",
		},
		[]string{"stage"},
	)
	m.recordsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records that failed a stage",
		},
		[]string{"stage", "reason"},
	)
	m.claimsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_lost_total",
			Help:      "Records skipped because another worker claimed them first",
		},
		[]string{"stage"},
	)
	m.callAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_attempts_total",
			Help:      "Calls to external capabilities by outcome",
		},
		[]string{"capability", "result"},
	)
	m.recordsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records per status at the last monitor snapshot",
		},
		[]string{"status"},
	)
	m.stuckRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stuck_records",
		Help:      "In-progress records older than the stuck threshold",
	})
	m.failureRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "failure_rate",
		Help:      "Share of stage outcomes that failed in the monitor window",
	})
	m.webhookPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_posts_total",
			Help:      "Alert webhook deliveries by outcome",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batchRuns,
		m.batchDuration,
		m.recordsProcessed,
		m.recordsFailed,
		m.claimsLost,
		m.callAttempts,
		m.recordsByStatus,
		m.stuckRecords,
		m.failureRate,
		m.webhookPosts,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveBatch(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.batchRuns.WithLabelValues(stage, result).Inc()
	m.batchDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordProcessed(stage string) {
	if m == nil {
		return
	}
	m.recordsProcessed.WithLabelValues(stage).Inc()
}

// RecordFailed counts a failed record. reason is one of validation, exhausted, store.
func (m *Metrics) RecordFailed(stage, reason string) {
	if m == nil {
		return
	}
	m.recordsFailed.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) ClaimLost(stage string) {
	if m == nil {
		return
	}
	m.claimsLost.WithLabelValues(stage).Inc()
}

func (m *Metrics) CallAttempt(capability string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.callAttempts.WithLabelValues(capability, result).Inc()
}

func (m *Metrics) WebhookPost(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.webhookPosts.WithLabelValues(result).Inc()
}

// SetSnapshot publishes the monitor gauges.
func (m *Metrics) SetSnapshot(counts map[string]int, stuck int, failureRate float64) {
	if m == nil {
		return
	}
	m.recordsByStatus.Reset()
	for status, n := range counts {
		m.recordsByStatus.WithLabelValues(status).Set(float64(n))
	}
	m.stuckRecords.Set(float64(stuck))
	m.failureRate.Set(failureRate)
}
