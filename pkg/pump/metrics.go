package pump

// MetricsReporter receives lifecycle and protocol-health events from a
// Manager and the Pump handles it constructs. A *pumpmetrics.Collector
// satisfies this interface; callers that don't care about metrics can
// leave it unset and get noopMetrics instead.
type MetricsReporter interface {
	RegisterSession(address string)
	UnregisterSession(address string)
	RecordPairingAttempt(outcome string)
	RecordConnectAttempt(outcome string)
	IncFramesDropped(address string)
	IncAuthFailures(address string)
	IncRetransmits(address string)
	IncReliableTimeouts(address string)
}

// noopMetrics discards every event. It is the default MetricsReporter so
// Manager/Pump never need a nil check before calling out to it.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(string)     {}
func (noopMetrics) UnregisterSession(string)   {}
func (noopMetrics) RecordPairingAttempt(string) {}
func (noopMetrics) RecordConnectAttempt(string) {}
func (noopMetrics) IncFramesDropped(string)    {}
func (noopMetrics) IncAuthFailures(string)     {}
func (noopMetrics) IncRetransmits(string)      {}
func (noopMetrics) IncReliableTimeouts(string) {}

// sessionStatsAdapter adapts a MetricsReporter to internal/pump's
// SessionStats interface for one address, keeping the prometheus-facing
// Collector shape out of internal/pump entirely.
type sessionStatsAdapter struct {
	metrics MetricsReporter
	address string
}

func (a sessionStatsAdapter) IncAuthFailures()     { a.metrics.IncAuthFailures(a.address) }
func (a sessionStatsAdapter) IncRetransmits()      { a.metrics.IncRetransmits(a.address) }
func (a sessionStatsAdapter) IncReliableTimeouts() { a.metrics.IncReliableTimeouts(a.address) }

// outcome labels used with RecordPairingAttempt/RecordConnectAttempt.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and every
// Pump it constructs. If mr is nil, the option is a no-op.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}
