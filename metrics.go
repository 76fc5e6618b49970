package docqw

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	tasksEnqueued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	statusSource   *prometheus.CounterVec
	notifyFailures prometheus.Counter
	subscribers    prometheus.Gauge
	registryTasks  *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docqw_tasks_enqueued_total",
				Help: "Total number of tasks enqueued",
			},
			[]string{"type", "engine"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docqw_tasks_completed_total",
				Help: "Total number of tasks observed reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		statusSource: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docqw_status_source_total",
				Help: "Status lookups by the tier that answered them",
			},
			[]string{"source"},
		),
		notifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docqw_notify_failures_total",
				Help: "Failed deliveries to task subscribers",
			},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "docqw_subscribers",
				Help: "Currently attached task subscribers",
			},
		),
		registryTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "docqw_registry_tasks",
				Help: "Tasks held in this replica's registry by status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docqw_task_duration_seconds",
				Help:    "Time from enqueue to terminal status in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.tasksEnqueued,
		m.tasksCompleted,
		m.statusSource,
		m.notifyFailures,
		m.subscribers,
		m.registryTasks,
		m.taskDuration,
	)
	return m
}

func (m *Metrics) enqueued(t TaskType, e EngineKind) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(string(t), string(e)).Inc()
}

func (m *Metrics) completed(t *Task) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(string(t.Type), string(t.Status)).Inc()
	if !t.CreatedAt.IsZero() && !t.FinishedAt.IsZero() {
		m.taskDuration.WithLabelValues(string(t.Type)).Observe(t.FinishedAt.Sub(t.CreatedAt).Seconds())
	}
}

func (m *Metrics) source(s string) {
	if m == nil {
		return
	}
	m.statusSource.WithLabelValues(s).Inc()
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func (m *Metrics) subscriberDelta(d int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(d))
}

func (m *Metrics) registrySize(r *Registry) {
	if m == nil {
		return
	}
	for _, s := range AllStatuses {
		m.registryTasks.WithLabelValues(string(s)).Set(float64(len(r.IDs(s))))
	}
}
