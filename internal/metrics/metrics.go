package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	AgentConnections   prometheus.Gauge
	Broadcasts         prometheus.Counter
	Deliveries         prometheus.Counter
	DroppedConnections prometheus.Counter

	RelayedMessages prometheus.Counter
	RelayErrors     prometheus.Counter
	ListenerStarts  prometheus.Counter
	ListenerRunning prometheus.Gauge

	SignalsScored  *prometheus.CounterVec
	AuditRecords   *prometheus.CounterVec
	KillCommands   prometheus.Counter
	DuplicateTasks prometheus.Counter
	TaskFailures   prometheus.Counter
	TaskRetries    prometheus.Counter
	QueueDepth     prometheus.Gauge
	ScoreLatency   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		AgentConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockremote_agent_connections",
			Help: "Enforcement agents currently registered with the kill-switch hub.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_broadcasts_total",
			Help: "Kill-switch broadcasts performed by the hub.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_broadcast_deliveries_total",
			Help: "Messages successfully written to agent connections.",
		}),
		DroppedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_dropped_connections_total",
			Help: "Agent connections removed after a failed send.",
		}),
		RelayedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_relay_messages_total",
			Help: "Bus messages forwarded into the hub.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_relay_errors_total",
			Help: "Bus transport errors observed by the relay listener.",
		}),
		ListenerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_relay_listener_starts_total",
			Help: "Relay listener tasks started.",
		}),
		ListenerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockremote_relay_listener_running",
			Help: "1 while a relay listener is active in this process.",
		}),
		SignalsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockremote_signals_scored_total",
			Help: "Signals scored by the worker, by outcome.",
		}, []string{"outcome"}),
		AuditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockremote_audit_records_total",
			Help: "Audit records created, by threat level.",
		}, []string{"threat_level"}),
		KillCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_kill_commands_published_total",
			Help: "Kill commands published to the bus.",
		}),
		DuplicateTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_duplicate_tasks_total",
			Help: "Re-delivered tasks whose kill command was already published.",
		}),
		TaskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_task_failures_total",
			Help: "Tasks that failed after exhausting retries.",
		}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockremote_task_retries_total",
			Help: "Task attempts retried after a failure.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockremote_task_queue_depth",
			Help: "Tasks waiting in the local worker queue.",
		}),
		ScoreLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockremote_analyze_seconds",
			Help:    "Time spent analyzing one signal, including audit write and publish.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	m.Registry.MustRegister(
		m.AgentConnections, m.Broadcasts, m.Deliveries, m.DroppedConnections,
		m.RelayedMessages, m.RelayErrors, m.ListenerStarts, m.ListenerRunning,
		m.SignalsScored, m.AuditRecords, m.KillCommands, m.DuplicateTasks,
		m.TaskFailures, m.TaskRetries, m.QueueDepth, m.ScoreLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
