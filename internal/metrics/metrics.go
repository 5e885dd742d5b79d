package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "machine_status"

// Metrics holds every collector exported by the collector process.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	HandlerPanics   prometheus.Counter
	Transitions     *prometheus.CounterVec
	Machines        *prometheus.GaugeVec
	SweepDuration   prometheus.Histogram
	PersistOps      *prometheus.CounterVec
	PersistRetries  *prometheus.CounterVec
	PersistDropped  *prometheus.CounterVec
	PersistCoalesce prometheus.Counter
	PersistQueue    prometheus.Gauge
	TransportState  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Decoded events applied to the liveness table, by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Messages dropped because they could not be decoded.",
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Events whose handling panicked and was recovered.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_transitions_total",
			Help:      "Liveness tag changes, by target status and cause.",
		}, []string{"to", "cause"}),
		Machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines",
			Help:      "Machines in the roster, by status, as of the last sweep.",
		}, []string{"status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one offline sweep over the roster.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		PersistOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_ops_total",
			Help:      "Store operations by op and result.",
		}, []string{"op", "result"}),
		PersistRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retries_total",
			Help:      "Store attempts that failed and were retried.",
		}, []string{"op"}),
		PersistDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_dropped_total",
			Help:      "Writes abandoned, by op and reason.",
		}, []string{"op", "reason"}),
		PersistCoalesce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_coalesced_total",
			Help:      "Tag updates superseded by a newer update for the same machine.",
		}),
		PersistQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Pending store operations across all lanes.",
		}),
		TransportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "1 for the current transport connection state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsIngested, m.DecodeErrors, m.HandlerPanics, m.Transitions,
			m.Machines, m.SweepDuration, m.PersistOps, m.PersistRetries,
			m.PersistDropped, m.PersistCoalesce, m.PersistQueue, m.TransportState,
		)
	}
	return m
}
