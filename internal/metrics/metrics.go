// Package metrics exposes Prometheus metrics for the dispatch engine.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lettermill/lettermill/internal/models"
)

// Metrics holds all Prometheus metrics for Lettermill
type Metrics struct {
	// Dispatch counters
	SubTasksSentTotal     *prometheus.CounterVec
	SubTasksFailedTotal   *prometheus.CounterVec
	SubTasksDeferredTotal prometheus.Counter
	ClaimConflictsTotal   prometheus.Counter
	QuotaExhaustedTotal   prometheus.Counter

	// Service health
	ServiceFreezesTotal *prometheus.CounterVec

	// Queue gauges
	SubTasksPending   prometheus.Gauge
	SubTasksAllocated prometheus.Gauge
	SubTasksSending   prometheus.Gauge

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry  *prometheus.Registry
	startTime time.Time
}

// New creates a Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SubTasksSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lettermill_subtasks_sent_total",
				Help: "Total number of subtasks successfully sent",
			},
			[]string{"service"},
		),
		SubTasksFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lettermill_subtasks_failed_total",
				Help: "Total number of subtasks that failed terminally",
			},
			[]string{"service", "kind"},
		),
		SubTasksDeferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lettermill_subtasks_deferred_total",
				Help: "Total number of subtasks deferred for retry",
			},
		),
		ClaimConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lettermill_claim_conflicts_total",
				Help: "Total number of lost subtask claim races",
			},
		),
		QuotaExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lettermill_quota_exhausted_total",
				Help: "Total number of claims released because no service was eligible",
			},
		),
		ServiceFreezesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lettermill_service_freezes_total",
				Help: "Total number of automatic service freezes",
			},
			[]string{"service"},
		),
		SubTasksPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lettermill_subtasks_pending",
				Help: "Number of subtasks waiting for a claim",
			},
		),
		SubTasksAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lettermill_subtasks_allocated",
				Help: "Number of subtasks claimed but not yet sending",
			},
		),
		SubTasksSending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lettermill_subtasks_sending",
				Help: "Number of subtasks with a provider call in flight",
			},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lettermill_uptime_seconds",
				Help: "Seconds since process start",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lettermill_goroutines",
				Help: "Current number of goroutines",
			},
		),
		registry:  reg,
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.SubTasksSentTotal,
		m.SubTasksFailedTotal,
		m.SubTasksDeferredTotal,
		m.ClaimConflictsTotal,
		m.QuotaExhaustedTotal,
		m.ServiceFreezesTotal,
		m.SubTasksPending,
		m.SubTasksAllocated,
		m.SubTasksSending,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Handler returns the scrape endpoint handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateQueue refreshes the queue gauges from a stats snapshot
func (m *Metrics) UpdateQueue(stats models.TaskStats) {
	m.SubTasksPending.Set(float64(stats.Pending))
	m.SubTasksAllocated.Set(float64(stats.Allocated))
	m.SubTasksSending.Set(float64(stats.Sending))
}

// UpdateSystem refreshes uptime and goroutine gauges
func (m *Metrics) UpdateSystem() {
	m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
	m.Goroutines.Set(float64(runtime.NumGoroutine()))
}
