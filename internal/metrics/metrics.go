// Package metrics provides Prometheus metrics for the hooklistener CLI.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "hooklistener"

// Session error reasons recorded by SessionError.
const (
	ReasonAuthFailed   = "auth_failed"
	ReasonNotFound     = "endpoint_not_found"
	ReasonDialFailed   = "dial_failed"
	ReasonJoinRejected = "join_rejected"
	ReasonJoinTimeout  = "join_timeout"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonClosed       = "connection_closed"
	ReasonBadPayload   = "bad_payload"
)

// Forward outcome labels recorded by ForwardCompleted.
const (
	ForwardSuccess = "success"
	ForwardError   = "error"
	ForwardSkipped = "skipped"
)

// Metrics holds all Prometheus metrics for the tunnel client. All methods
// are safe to call on a nil receiver, which disables recording.
type Metrics struct {
	Registry *prometheus.Registry

	webhooksReceived prometheus.Counter
	forwardsTotal    *prometheus.CounterVec
	forwardDuration  prometheus.Histogram
	acksTotal        *prometheus.CounterVec
	heartbeatsTotal  prometheus.Counter
	sessionUp        prometheus.Gauge
	sessionErrors    *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter
}

// New creates a Metrics instance backed by its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		webhooksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Total webhook envelopes decoded from the tunnel.",
		}),

		forwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Total forwarding attempts against the local target, by outcome.",
		}, []string{"status"}),

		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of forwarding calls to the local target in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total acknowledgment envelopes sent back to the relay, by status.",
		}, []string{"status"}),

		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat envelopes sent on the reserved topic.",
		}),

		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "Whether the tunnel session is joined and active (1) or not (0).",
		}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session-level errors, by reason.",
		}, []string{"reason"}),

		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts made by the driver.",
		}),
	}

	reg.MustRegister(
		m.webhooksReceived,
		m.forwardsTotal,
		m.forwardDuration,
		m.acksTotal,
		m.heartbeatsTotal,
		m.sessionUp,
		m.sessionErrors,
		m.reconnectsTotal,
	)

	return m
}

// WebhookReceived records a successfully decoded webhook envelope.
func (m *Metrics) WebhookReceived() {
	if m == nil {
		return
	}
	m.webhooksReceived.Inc()
}

// ForwardCompleted records the outcome and duration of one forwarding
// attempt. status is one of ForwardSuccess, ForwardError, ForwardSkipped.
func (m *Metrics) ForwardCompleted(status string, seconds float64) {
	if m == nil {
		return
	}
	m.forwardsTotal.WithLabelValues(status).Inc()
	if status != ForwardSkipped {
		m.forwardDuration.Observe(seconds)
	}
}

// AckSent records an acknowledgment envelope written to the relay.
func (m *Metrics) AckSent(status string) {
	if m == nil {
		return
	}
	m.acksTotal.WithLabelValues(status).Inc()
}

// HeartbeatSent records a heartbeat envelope written to the relay.
func (m *Metrics) HeartbeatSent() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.Inc()
}

// SetSessionConnected sets the session gauge.
func (m *Metrics) SetSessionConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sessionUp.Set(1)
	} else {
		m.sessionUp.Set(0)
	}
}

// SessionError records a session-level failure by reason.
func (m *Metrics) SessionError(reason string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(reason).Inc()
}

// ReconnectAttempt records one reconnect attempt by the driver.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}
