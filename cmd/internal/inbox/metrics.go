package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every engine of a process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Upserts          prometheus.Counter
	InvalidMessages  prometheus.Counter
	Reconnects       prometheus.Counter
	StaleSelections  prometheus.Counter
	SendFailures     prometheus.Counter
	FetchRetries     *prometheus.CounterVec
	LiveStates       *prometheus.GaugeVec
	Engines          prometheus.Gauge
	Unread           prometheus.Gauge
	BufferedOverflow prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (nil: not registered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Upserts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "upserts_total",
			Help: "Messages that changed a conversation index.",
		}),
		InvalidMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "invalid_messages_total",
			Help: "Messages rejected as self-addressed or malformed.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "live_reconnects_total",
			Help: "Live subscriptions re-established after a drop.",
		}),
		StaleSelections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "stale_selections_total",
			Help: "Thread fetches discarded because a newer selection superseded them.",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "send_failures_total",
			Help: "Sends the message store did not confirm.",
		}),
		FetchRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "fetch_retries_total",
			Help: "Store fetch attempts that failed and were retried.",
		}, []string{"op"}),
		LiveStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "live_channels",
			Help: "Live ingestion channels by state.",
		}, []string{"state"}),
		Engines: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "engines",
			Help: "Running per-viewer engines.",
		}),
		Unread: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "unread_messages",
			Help: "Unread inbound messages across running engines.",
		}),
		BufferedOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haven", Subsystem: "inbox", Name: "live_buffer_overflow_total",
			Help: "Live events dropped from the pre-sync buffer (forces a resync).",
		}),
	}
}

func (m *Metrics) upserted() {
	if m != nil {
		m.Upserts.Inc()
	}
}

func (m *Metrics) invalid() {
	if m != nil {
		m.InvalidMessages.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleSelections.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) retried(op string) {
	if m != nil {
		m.FetchRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) transition(from, to LiveState) {
	if m == nil || from == to {
		return
	}
	if from != StateDisconnected {
		m.LiveStates.WithLabelValues(from.String()).Dec()
	}
	if to != StateDisconnected {
		m.LiveStates.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) overflowed() {
	if m != nil {
		m.BufferedOverflow.Inc()
	}
}

func (m *Metrics) engineStarted() {
	if m != nil {
		m.Engines.Inc()
	}
}

func (m *Metrics) engineStopped() {
	if m != nil {
		m.Engines.Dec()
	}
}

func (m *Metrics) unreadChanged(delta int) {
	if m != nil && delta != 0 {
		m.Unread.Add(float64(delta))
	}
}
