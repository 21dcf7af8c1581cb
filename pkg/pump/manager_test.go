package pump_test

import (
	"context"
	"errors"
	"testing"
	"time"

	corepump "github.com/kestrel-health/pumpcore/internal/pump"
	"github.com/kestrel-health/pumpcore/internal/store"
	"github.com/kestrel-health/pumpcore/pkg/pump"
)

func testInvariantData(suffix byte) corepump.InvariantPumpData {
	var cp, pc [corepump.KeySize]byte
	for i := range cp {
		cp[i] = suffix + byte(i)
		pc[i] = suffix + byte(i) + 0x40
	}

	return corepump.InvariantPumpData{
		ClientPumpKey:      cp,
		PumpClientKey:      pc,
		KeyResponseAddress: suffix,
		PumpID:             "PUMP-TEST",
	}
}

func TestManagerAcquirePumpNotPaired(t *testing.T) {
	t.Parallel()

	m := pump.NewManager(pump.NewMock("adapter"), store.NewInMemory(), nil)

	_, err := m.AcquirePump(context.Background(), "aa:bb:cc:dd:ee:ff")
	if !errors.Is(err, corepump.ErrNotPaired) {
		t.Errorf("AcquirePump() error = %v, want ErrNotPaired", err)
	}
}

func TestManagerAcquirePumpCachesHandle(t *testing.T) {
	t.Parallel()

	s := store.NewInMemory()
	ctx := context.Background()

	const addr = "11:22:33:44:55:66"
	if err := s.CreatePumpState(ctx, addr, testInvariantData(0x21)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}

	m := pump.NewManager(pump.NewMock("adapter"), s, nil)

	p1, err := m.AcquirePump(ctx, addr)
	if err != nil {
		t.Fatalf("AcquirePump() error: %v", err)
	}

	p2, err := m.AcquirePump(ctx, addr)
	if err != nil {
		t.Fatalf("AcquirePump() second call error: %v", err)
	}

	if p1 != p2 {
		t.Error("AcquirePump() returned different handles for the same address")
	}
	if p1.Address() != addr {
		t.Errorf("Address() = %q, want %q", p1.Address(), addr)
	}
	if p1.State() != pump.StateDisconnected {
		t.Errorf("State() = %v, want StateDisconnected", p1.State())
	}
}

func TestManagerGetPairedPumpAddresses(t *testing.T) {
	t.Parallel()

	s := store.NewInMemory()
	ctx := context.Background()

	if err := s.CreatePumpState(ctx, "addr-a", testInvariantData(1)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}
	if err := s.CreatePumpState(ctx, "addr-b", testInvariantData(2)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}

	m := pump.NewManager(pump.NewMock("adapter"), s, nil)

	addrs, err := m.GetPairedPumpAddresses(ctx)
	if err != nil {
		t.Fatalf("GetPairedPumpAddresses() error: %v", err)
	}

	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
}

func TestManagerUnpairRemovesStoreAndCacheAndBond(t *testing.T) {
	t.Parallel()

	s := store.NewInMemory()
	ctx := context.Background()

	const addr = "77:88:99:aa:bb:cc"
	if err := s.CreatePumpState(ctx, addr, testInvariantData(0x30)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}

	bt := pump.NewMock("adapter")
	bt.RegisterDevice(addr, &fakeTransport{})

	m := pump.NewManager(bt, s, nil)

	// Populate the manager's pump cache before unpairing.
	if _, err := m.AcquirePump(ctx, addr); err != nil {
		t.Fatalf("AcquirePump() error: %v", err)
	}

	if err := m.Unpair(ctx, addr); err != nil {
		t.Fatalf("Unpair() error: %v", err)
	}

	has, err := s.HasPumpState(ctx, addr)
	if err != nil {
		t.Fatalf("HasPumpState() error: %v", err)
	}
	if has {
		t.Error("pump state still present after Unpair")
	}

	if _, err := bt.GetDevice(ctx, addr); err == nil {
		t.Error("GetDevice() after Unpair returned nil error, want the bond to be forgotten")
	}

	// AcquirePump must now fail since the store entry is gone, proving
	// the cache was actually dropped rather than just the store.
	if _, err := m.AcquirePump(ctx, addr); !errors.Is(err, corepump.ErrNotPaired) {
		t.Errorf("AcquirePump() after Unpair error = %v, want ErrNotPaired", err)
	}
}

func TestManagerReleasePumpDropsCache(t *testing.T) {
	t.Parallel()

	s := store.NewInMemory()
	ctx := context.Background()

	const addr = "aa:aa:aa:aa:aa:aa"
	if err := s.CreatePumpState(ctx, addr, testInvariantData(0x40)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}

	m := pump.NewManager(pump.NewMock("adapter"), s, nil)

	p1, err := m.AcquirePump(ctx, addr)
	if err != nil {
		t.Fatalf("AcquirePump() error: %v", err)
	}

	m.ReleasePump(addr)

	p2, err := m.AcquirePump(ctx, addr)
	if err != nil {
		t.Fatalf("AcquirePump() after release error: %v", err)
	}

	if p1 == p2 {
		t.Error("ReleasePump() did not drop the cached handle; AcquirePump returned the same instance")
	}
}

type fakeMetricsReporter struct {
	registered   []string
	unregistered []string
	pairAttempts []string
	connAttempts []string
}

func (f *fakeMetricsReporter) RegisterSession(addr string)     { f.registered = append(f.registered, addr) }
func (f *fakeMetricsReporter) UnregisterSession(addr string)   { f.unregistered = append(f.unregistered, addr) }
func (f *fakeMetricsReporter) RecordPairingAttempt(o string)   { f.pairAttempts = append(f.pairAttempts, o) }
func (f *fakeMetricsReporter) RecordConnectAttempt(o string)   { f.connAttempts = append(f.connAttempts, o) }
func (f *fakeMetricsReporter) IncFramesDropped(string)         {}
func (f *fakeMetricsReporter) IncAuthFailures(string)          {}
func (f *fakeMetricsReporter) IncRetransmits(string)           {}
func (f *fakeMetricsReporter) IncReliableTimeouts(string)      {}

func TestManagerStartPairingSessionCancelSurfacesError(t *testing.T) {
	t.Parallel()

	metrics := &fakeMetricsReporter{}
	// Mock's StartDiscovery never invokes onPaired, so discovery blocks
	// until the session's context is cancelled.
	m := pump.NewManager(pump.NewMock("adapter"), store.NewInMemory(), nil, pump.WithManagerMetrics(metrics))

	session, outcome := m.StartPairingSession(context.Background(), pump.DiscoveryFilter{}, nil)
	session.Cancel()

	select {
	case result := <-outcome:
		if result.Err == nil {
			t.Fatal("outcome.Err = nil after cancelling the discovery session, want an error")
		}
		if result.String() == "" {
			t.Error("PairingOutcome.String() returned an empty string")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartPairingSession outcome never arrived after Cancel")
	}

	if len(metrics.pairAttempts) != 1 || metrics.pairAttempts[0] != "failure" {
		t.Errorf("pairAttempts = %v, want a single \"failure\" entry", metrics.pairAttempts)
	}
}

func TestPairingOutcomeStringSuccess(t *testing.T) {
	t.Parallel()

	o := pump.PairingOutcome{Address: "11:22:33:44:55:66"}
	if got := o.String(); got == "" {
		t.Error("String() returned an empty string for a successful outcome")
	}
}

func TestManagerWithMetricsOptionIgnoresNil(t *testing.T) {
	t.Parallel()

	// WithManagerMetrics(nil) must not panic and must leave the default
	// no-op reporter in place.
	m := pump.NewManager(pump.NewMock("adapter"), store.NewInMemory(), nil, pump.WithManagerMetrics(nil))
	if m == nil {
		t.Fatal("NewManager() returned nil")
	}
}
