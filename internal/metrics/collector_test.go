package pumpmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	pumpmetrics "github.com/kestrel-health/pumpcore/internal/metrics"
)

const testAddress = "00:11:22:33:44:55"

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := pumpmetrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.PairingAttempts == nil {
		t.Error("PairingAttempts is nil")
	}
	if c.ConnectAttempts == nil {
		t.Error("ConnectAttempts is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}
	if c.Retransmits == nil {
		t.Error("Retransmits is nil")
	}
	if c.ReliableTimeouts == nil {
		t.Error("ReliableTimeouts is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestRegisterUnregisterSession(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := pumpmetrics.NewCollector(reg)

	c.RegisterSession(testAddress)

	val := gaugeValue(t, c.Sessions, testAddress)
	if val != 1 {
		t.Errorf("after RegisterSession: sessions gauge = %v, want 1", val)
	}

	// A second address tracked independently.
	c.RegisterSession("AA:BB:CC:DD:EE:FF")

	val = gaugeValue(t, c.Sessions, "AA:BB:CC:DD:EE:FF")
	if val != 1 {
		t.Errorf("second address gauge = %v, want 1", val)
	}

	c.UnregisterSession(testAddress)

	val = gaugeValue(t, c.Sessions, testAddress)
	if val != 0 {
		t.Errorf("after UnregisterSession: sessions gauge = %v, want 0", val)
	}

	// Second address should be unaffected.
	val = gaugeValue(t, c.Sessions, "AA:BB:CC:DD:EE:FF")
	if val != 1 {
		t.Errorf("second address gauge = %v, want 1 (should be unaffected)", val)
	}
}

func TestRecordPairingAttempt(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := pumpmetrics.NewCollector(reg)

	c.RecordPairingAttempt("success")
	c.RecordPairingAttempt("success")
	c.RecordPairingAttempt("failure")

	if got := counterValue(t, c.PairingAttempts, "success"); got != 2 {
		t.Errorf("PairingAttempts[success] = %v, want 2", got)
	}
	if got := counterValue(t, c.PairingAttempts, "failure"); got != 1 {
		t.Errorf("PairingAttempts[failure] = %v, want 1", got)
	}
}

func TestRecordConnectAttempt(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := pumpmetrics.NewCollector(reg)

	c.RecordConnectAttempt("failure")

	if got := counterValue(t, c.ConnectAttempts, "failure"); got != 1 {
		t.Errorf("ConnectAttempts[failure] = %v, want 1", got)
	}
	if got := counterValue(t, c.ConnectAttempts, "success"); got != 0 {
		t.Errorf("ConnectAttempts[success] = %v, want 0", got)
	}
}

func TestProtocolHealthCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := pumpmetrics.NewCollector(reg)

	c.IncFramesDropped(testAddress)
	c.IncFramesDropped(testAddress)
	c.IncAuthFailures(testAddress)
	c.IncRetransmits(testAddress)
	c.IncRetransmits(testAddress)
	c.IncRetransmits(testAddress)
	c.IncReliableTimeouts(testAddress)

	if got := counterValue(t, c.FramesDropped, testAddress); got != 2 {
		t.Errorf("FramesDropped = %v, want 2", got)
	}
	if got := counterValue(t, c.AuthFailures, testAddress); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
	if got := counterValue(t, c.Retransmits, testAddress); got != 3 {
		t.Errorf("Retransmits = %v, want 3", got)
	}
	if got := counterValue(t, c.ReliableTimeouts, testAddress); got != 1 {
		t.Errorf("ReliableTimeouts = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
