package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for inbound envelopes that never reach subscribers.
const (
	dropPresence  = "presence"
	dropDuplicate = "duplicate"
	dropMalformed = "malformed"
	dropCallback  = "callback"
)

// Send outcomes.
const (
	sendOK        = "ok"
	sendNotOpen   = "not_open"
	sendThrottled = "throttled"
	sendError     = "error"
)

// Metrics are the session manager's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	SessionsOpen prometheus.Gauge
	Opens        prometheus.Counter
	Drops        prometheus.Counter
	Retries      prometheus.Counter
	Failures     *prometheus.CounterVec
	Delivered    prometheus.Counter
	Dropped      *prometheus.CounterVec
	Sends        *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat", Name: "sessions_open",
			Help: "Sessions currently in the open state.",
		}),
		Opens: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "session_opens_total",
			Help: "Successful session handshakes.",
		}),
		Drops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "transport_drops_total",
			Help: "Open sessions that lost their transport.",
		}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "reconnect_attempts_total",
			Help: "Scheduled automatic reconnects.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "session_failures_total",
			Help: "Sessions that entered the failed state, by cause.",
		}, []string{"cause"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "envelopes_delivered_total",
			Help: "Inbound envelopes handed to the fan-out hub.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "envelopes_dropped_total",
			Help: "Inbound envelopes or deliveries dropped, by reason.",
		}, []string{"reason"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketchat", Name: "sends_total",
			Help: "Outbound send attempts, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) opened() {
	if m == nil {
		return
	}
	m.Opens.Inc()
	m.SessionsOpen.Inc()
}

func (m *Metrics) leftOpen() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) delivered() {
	if m == nil {
		return
	}
	m.Delivered.Inc()
}

func (m *Metrics) transportDropped() {
	if m == nil {
		return
	}
	m.Drops.Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) failed(cause string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(cause).Inc()
}

func (m *Metrics) sent(result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
}
