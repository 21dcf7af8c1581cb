package pumpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "pumpd"
	subsystem = "pump"
)

// Label names for pump metrics.
const (
	labelAddress = "address"
	labelOutcome = "outcome"
)

// -------------------------------------------------------------------------
// Collector — Prometheus pump-protocol Metrics
// -------------------------------------------------------------------------

// Collector holds all pump-protocol Prometheus metrics.
//
//   - Sessions gauges track currently connected TLSession handles.
//   - Pairing/connect counters track attempt outcomes for alerting.
//   - Frame/auth counters flag protocol-level health (CRC/MAC failures,
//     dropped frames) per pump address.
//   - Retransmit and timeout counters track reliability-layer health.
type Collector struct {
	// Sessions tracks the number of currently connected pump sessions.
	// Incremented on successful Connect, decremented on Disconnect.
	Sessions *prometheus.GaugeVec

	// PairingAttempts counts PairWithNewPump attempts, labeled by outcome
	// ("success", "failure").
	PairingAttempts *prometheus.CounterVec

	// ConnectAttempts counts Connect pipeline attempts, labeled by
	// outcome.
	ConnectAttempts *prometheus.CounterVec

	// FramesDropped counts byte-stream frames discarded for a CRC or
	// escape-sequence violation (spec §4.2).
	FramesDropped *prometheus.CounterVec

	// AuthFailures counts MAC/CRC authentication failures on received
	// packets, per pump address (spec §4.1, §4.5).
	AuthFailures *prometheus.CounterVec

	// Retransmits counts reliable-send retransmissions triggered by an
	// ACK timeout (spec §4.6).
	Retransmits *prometheus.CounterVec

	// ReliableTimeouts counts reliable sends that exhausted their single
	// retransmit and gave up (spec §4.6).
	ReliableTimeouts *prometheus.CounterVec
}

// NewCollector creates a Collector with all pump metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "pumpd_pump_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.PairingAttempts,
		c.ConnectAttempts,
		c.FramesDropped,
		c.AuthFailures,
		c.Retransmits,
		c.ReliableTimeouts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	addressLabels := []string{labelAddress}
	outcomeLabels := []string{labelOutcome}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected pump sessions.",
		}, addressLabels),

		PairingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pairing_attempts_total",
			Help:      "Total pairing attempts by outcome.",
		}, outcomeLabels),

		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Total connect pipeline attempts by outcome.",
		}, outcomeLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total byte-stream frames discarded for a framing/CRC violation.",
		}, addressLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total MAC/CRC authentication failures on received packets.",
		}, addressLabels),

		Retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmits_total",
			Help:      "Total reliable-send retransmissions triggered by an ACK timeout.",
		}, addressLabels),

		ReliableTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reliable_timeouts_total",
			Help:      "Total reliable sends that exhausted their retransmit and timed out.",
		}, addressLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for address.
// Called when a Pump successfully connects.
func (c *Collector) RegisterSession(address string) {
	c.Sessions.WithLabelValues(address).Inc()
}

// UnregisterSession decrements the active sessions gauge for address.
// Called when a Pump disconnects.
func (c *Collector) UnregisterSession(address string) {
	c.Sessions.WithLabelValues(address).Dec()
}

// -------------------------------------------------------------------------
// Attempt Outcomes
// -------------------------------------------------------------------------

// RecordPairingAttempt increments the pairing attempt counter for outcome
// ("success" or "failure").
func (c *Collector) RecordPairingAttempt(outcome string) {
	c.PairingAttempts.WithLabelValues(outcome).Inc()
}

// RecordConnectAttempt increments the connect attempt counter for outcome
// ("success" or "failure").
func (c *Collector) RecordConnectAttempt(outcome string) {
	c.ConnectAttempts.WithLabelValues(outcome).Inc()
}

// -------------------------------------------------------------------------
// Protocol Health
// -------------------------------------------------------------------------

// IncFramesDropped increments the dropped-frame counter for address.
func (c *Collector) IncFramesDropped(address string) {
	c.FramesDropped.WithLabelValues(address).Inc()
}

// IncAuthFailures increments the authentication failure counter for
// address. A MAC mismatch on a received packet ends the established
// TL session.
func (c *Collector) IncAuthFailures(address string) {
	c.AuthFailures.WithLabelValues(address).Inc()
}

// IncRetransmits increments the retransmit counter for address.
func (c *Collector) IncRetransmits(address string) {
	c.Retransmits.WithLabelValues(address).Inc()
}

// IncReliableTimeouts increments the reliable-send-timeout counter for
// address.
func (c *Collector) IncReliableTimeouts(address string) {
	c.ReliableTimeouts.WithLabelValues(address).Inc()
}
