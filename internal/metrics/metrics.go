// Package metrics exposes the engine's Prometheus instrumentation. All
// methods are safe on a nil receiver so components can run unmetered.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TasksTotal       *prometheus.CounterVec
	TaskRetriesTotal prometheus.Counter
	TasksDropped     prometheus.Counter
	QueueDepth       prometheus.Gauge
	ConnectedClients prometheus.Gauge
	BroadcastsTotal  prometheus.Counter
	MutationsTotal   prometheus.Counter
}

var (
	once   sync.Once
	shared *Metrics
)

// New registers the engine metrics on the default registry. Repeated calls
// return the same set.
func New() *Metrics {
	once.Do(func() {
		shared = &Metrics{
			TasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inboxpilot_tasks_total",
					Help: "Tasks processed by the worker loop, by kind and result",
				},
				[]string{"kind", "result"},
			),
			TaskRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "inboxpilot_task_retries_total",
				Help: "Selection task retries after transient failures",
			}),
			TasksDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "inboxpilot_tasks_dropped_total",
				Help: "Selection tasks dropped because the queue was full",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "inboxpilot_queue_depth",
				Help: "Tasks currently queued or running",
			}),
			ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "inboxpilot_sync_clients",
				Help: "Currently connected synchronization channel clients",
			}),
			BroadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "inboxpilot_broadcasts_total",
				Help: "Mailbox snapshot broadcasts sent",
			}),
			MutationsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "inboxpilot_mutations_total",
				Help: "Committed thread record mutations",
			}),
		}
	})
	return shared
}

func (m *Metrics) TaskDone(kind, result string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TaskRetriesTotal.Inc()
}

func (m *Metrics) TaskDropped() {
	if m == nil {
		return
	}
	m.TasksDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ConnectedClients.Dec()
}

func (m *Metrics) BroadcastSent() {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
}

func (m *Metrics) MutationCommitted() {
	if m == nil {
		return
	}
	m.MutationsTotal.Inc()
}
