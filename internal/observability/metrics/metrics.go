// Package metrics exposes Prometheus collectors for the daemon.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values shared by the task and keepalive counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

var (
	tasksTotal          *prometheus.CounterVec
	taskDurationSeconds *prometheus.HistogramVec
	keepaliveRunsTotal  *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
	tasksQueued         prometheus.Gauge
	workersBusy         prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signbot_tasks_total",
				Help: "Total number of finished check-in tasks, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signbot_task_duration_seconds",
				Help:    "Histogram of check-in task durations, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"site"},
		)

		keepaliveRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signbot_keepalive_runs_total",
				Help: "Total number of cookie keepalive runs, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signbot_notifications_total",
				Help: "Total number of notification deliveries, labeled by channel and result.",
			},
			[]string{"channel", "result"},
		)

		tasksQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signbot_tasks_queued",
				Help: "Number of check-in tasks currently waiting in the queue.",
			},
		)

		workersBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signbot_workers_busy",
				Help: "Number of workers currently executing a task.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask records one finished check-in task.
func ObserveTask(site, result string, took time.Duration) {
	tasksTotal.WithLabelValues(site, result).Inc()
	taskDurationSeconds.WithLabelValues(site).Observe(took.Seconds())
}

// ObserveKeepalive records one finished keepalive run.
func ObserveKeepalive(site, result string) {
	keepaliveRunsTotal.WithLabelValues(site, result).Inc()
}

// ObserveNotification records one notification delivery attempt outcome.
func ObserveNotification(channel, result string) {
	notificationsTotal.WithLabelValues(channel, result).Inc()
}

// SetTasksQueued updates the queue depth gauge.
func SetTasksQueued(n int) {
	tasksQueued.Set(float64(n))
}

// IncWorkersBusy increments the busy workers gauge.
func IncWorkersBusy() {
	workersBusy.Inc()
}

// DecWorkersBusy decrements the busy workers gauge.
func DecWorkersBusy() {
	workersBusy.Dec()
}
