// Package metrics exposes task orchestration counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wellflow/internal/domain"
)

// Collector implements worker.Observer.
type Collector struct {
	reg *prometheus.Registry

	enqueued  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	retried   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	queueLen  prometheus.Gauge
	busy      prometheus.Gauge
	scheduled *prometheus.CounterVec
}

// NewCollector registers its metrics on a private registry so several
// collectors can coexist (tests, multiple apps in one process).
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellflow_tasks_enqueued_total",
			Help: "Tasks accepted into the worker queue",
		}, []string{"task"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellflow_tasks_finished_total",
			Help: "Tasks that reached a final status",
		}, []string{"task", "status"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellflow_tasks_retried_total",
			Help: "Failed tasks re-enqueued under a new id",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wellflow_task_duration_seconds",
			Help:    "Task execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellflow_queue_length",
			Help: "Work items waiting in the queue",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wellflow_workers_busy",
			Help: "Workers currently executing a task",
		}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wellflow_schedule_firings_total",
			Help: "Work items enqueued by the cron scheduler",
		}, []string{"task"}),
	}
	reg.MustRegister(c.enqueued, c.finished, c.retried, c.duration, c.queueLen, c.busy, c.scheduled)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) TaskEnqueued(name string) { c.enqueued.WithLabelValues(name).Inc() }

func (c *Collector) TaskFinished(name string, status domain.TaskStatus, d time.Duration) {
	c.finished.WithLabelValues(name, status.String()).Inc()
	c.duration.WithLabelValues(name).Observe(d.Seconds())
}

func (c *Collector) TaskRetried(name string) { c.retried.WithLabelValues(name).Inc() }

func (c *Collector) QueueChanged(depth, busy int) {
	c.queueLen.Set(float64(depth))
	c.busy.Set(float64(busy))
}

// ScheduleFired implements scheduler.Observer.
func (c *Collector) ScheduleFired(name string) { c.scheduled.WithLabelValues(name).Inc() }
