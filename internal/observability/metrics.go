// Package observability exposes pipeline metrics for Prometheus.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the collectors for pipeline runs. Each instance owns its
// registry, so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RecordsProcessed *prometheus.CounterVec
	APICalls         prometheus.Counter
	AlertsDispatched *prometheus.CounterVec
	LastSuccess      prometheus.Gauge
}

// NewMetrics registers all collectors under namespace (default "cryptoetl").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cryptoetl"
	}

	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Finished pipeline runs by dag and terminal status",
		}, []string{"dag_id", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"dag_id", "status"}),
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "records_total",
			Help:      "Records handled per outcome (extracted, written, rejected)",
		}, []string{"outcome"}),
		APICalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "api_calls_total",
			Help:      "HTTP requests sent to the market data API",
		}),
		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "dispatches_total",
			Help:      "Alert dispatches per channel and result",
		}, []string{"channel", "result"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RecordsProcessed,
		m.APICalls,
		m.AlertsDispatched,
		m.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRun mirrors a finalized run into the collectors.
func (m *Metrics) RecordRun(dagID, status string, durationSeconds float64, extracted, written, rejected, apiCalls int, finishedUnix float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(dagID, status).Inc()
	m.RunDuration.WithLabelValues(dagID, status).Observe(durationSeconds)
	m.RecordsProcessed.WithLabelValues("extracted").Add(float64(extracted))
	m.RecordsProcessed.WithLabelValues("written").Add(float64(written))
	m.RecordsProcessed.WithLabelValues("rejected").Add(float64(rejected))
	m.APICalls.Add(float64(apiCalls))
	if status == "success" {
		m.LastSuccess.Set(finishedUnix)
	}
}

// RecordAlert counts one channel dispatch.
func (m *Metrics) RecordAlert(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AlertsDispatched.WithLabelValues(channel, result).Inc()
}
