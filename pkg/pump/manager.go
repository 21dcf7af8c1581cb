package pump

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

// Manager is the top-level entry point: it owns discovery/pairing and
// hands out Pump handles for addresses with persisted pairing state
// (spec §6: "PumpManager").
type Manager struct {
	bt     BluetoothInterface
	store  pump.PumpStateStore
	logger *slog.Logger

	// metrics is never nil -- uses noopMetrics when no collector is
	// configured via WithManagerMetrics.
	metrics MetricsReporter

	mu    sync.Mutex
	pumps map[string]*Pump

	sessions *discoverySessions
}

// NewManager constructs a Manager over a Bluetooth adapter and a pump
// state store. logger may be nil, in which case a discard logger is
// used.
func NewManager(bt BluetoothInterface, store pump.PumpStateStore, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		bt:       bt,
		store:    store,
		logger:   logger,
		metrics:  noopMetrics{},
		pumps:    make(map[string]*Pump),
		sessions: newDiscoverySessions(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// PairWithNewPump runs discovery and the full pairing handshake against
// the first device matching filter, prompting pin when the pump
// requests it. On success the derived keys are persisted under address
// and a confirmation handshake is performed before the state is
// committed (spec §4.5 step 9: "a brief regular-connection and
// deactivate-all-services round trip confirms the new keys work before
// the pump is considered paired").
func (m *Manager) PairWithNewPump(ctx context.Context, filter DiscoveryFilter, pin PinProvider) (string, error) {
	address, err := m.pairWithNewPump(ctx, filter, pin)
	if err != nil {
		m.metrics.RecordPairingAttempt(outcomeFailure)
		return "", err
	}

	m.metrics.RecordPairingAttempt(outcomeSuccess)

	return address, nil
}

func (m *Manager) pairWithNewPump(ctx context.Context, filter DiscoveryFilter, pin PinProvider) (string, error) {
	address, err := m.discoverOne(ctx, filter)
	if err != nil {
		return "", err
	}

	transport, err := m.bt.GetDevice(ctx, address)
	if err != nil {
		return "", fmt.Errorf("pair with new pump: %w", err)
	}

	if err := transport.Open(ctx); err != nil {
		return "", fmt.Errorf("pair with new pump: open transport: %w", err)
	}
	defer transport.Close()

	conn := pump.NewFramedConn(transport)

	pairer := pump.NewPairer(conn, m.logger)

	result, err := pairer.Pair(ctx, pin)
	if err != nil {
		return "", fmt.Errorf("pair with new pump: %w", err)
	}

	if err := m.confirmPairing(ctx, conn, result); err != nil {
		return "", fmt.Errorf("pair with new pump: confirm: %w", err)
	}

	data := pump.InvariantPumpData{
		ClientPumpKey:      result.ClientPumpCipher.Key(),
		PumpClientKey:      result.PumpClientCipher.Key(),
		KeyResponseAddress: result.KeyResponseAddr,
		PumpID:             result.PumpID,
	}

	if err := m.store.CreatePumpState(ctx, address, data); err != nil {
		return "", fmt.Errorf("pair with new pump: persist: %w", err)
	}

	return address, nil
}

// confirmPairing runs the brief regular-connection and
// deactivate-all-services round trip spec §4.5 step 9 requires before a
// freshly derived key pair is trusted, then disconnects. It reuses the
// same transport connection the pairing handshake ran over.
func (m *Manager) confirmPairing(ctx context.Context, conn *pump.FramedConn, result *pump.PairingResult) error {
	nonces := pump.NewNonceTracker()

	session := pump.NewTLSession(conn, result.ClientPumpCipher, result.PumpClientCipher, result.KeyResponseAddr, nonces, nil, "", m.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- session.Run(runCtx) }()

	orch := pump.NewOrchestrator(session, m.logger)

	if err := session.SendRaw(ctx, pump.CmdRequestRegularConnection, true); err != nil {
		return err
	}

	if err := session.AwaitRaw(ctx, pump.CmdRegularConnectionRequestAccepted); err != nil {
		return err
	}

	if err := orch.DeactivateAll(ctx); err != nil {
		return err
	}

	if err := orch.Disconnect(ctx); err != nil {
		m.logger.Warn("pairing confirmation disconnect failed", slog.String("error", err.Error()))
	}

	cancel()
	<-runErrCh

	return nil
}

// discoverOne starts discovery and returns the address of the first
// device matching filter.
func (m *Manager) discoverOne(ctx context.Context, filter DiscoveryFilter) (string, error) {
	found := make(chan string, 1)

	err := m.bt.StartDiscovery(ctx, filter, nil, func(address string) {
		select {
		case found <- address:
		default:
		}
	}, nil)
	if err != nil {
		return "", fmt.Errorf("discover pump: %w", err)
	}
	defer m.bt.StopDiscovery(ctx) //nolint:errcheck

	select {
	case address := <-found:
		return address, nil
	case <-ctx.Done():
		return "", fmt.Errorf("discover pump: %w", ctx.Err())
	}
}

// GetPairedPumpAddresses returns the addresses of every pump with
// persisted pairing state.
func (m *Manager) GetPairedPumpAddresses(ctx context.Context) ([]string, error) {
	addrs, err := m.store.GetAvailablePumpStateAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("get paired pump addresses: %w", err)
	}

	return addrs, nil
}

// Unpair removes a pump's persisted pairing state and forgets the
// adapter's bond for it.
func (m *Manager) Unpair(ctx context.Context, address string) error {
	m.mu.Lock()
	delete(m.pumps, address)
	m.mu.Unlock()

	if _, err := m.store.DeletePumpState(ctx, address); err != nil {
		return fmt.Errorf("unpair %q: %w", address, err)
	}

	if err := m.bt.UnpairDevice(ctx, address); err != nil {
		return fmt.Errorf("unpair %q: %w", address, err)
	}

	return nil
}

// AcquirePump returns the Pump handle for a previously paired address,
// constructing it on first use. The returned handle is shared across
// callers for the same address.
func (m *Manager) AcquirePump(ctx context.Context, address string) (*Pump, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pumps[address]; ok {
		return p, nil
	}

	ok, err := m.store.HasPumpState(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("acquire pump %q: %w", address, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire pump %q: %w", address, pump.ErrNotPaired)
	}

	p := newPump(address, m.bt, m.store, m.logger, m.metrics)
	m.pumps[address] = p

	return p, nil
}

// ReleasePump drops the Manager's cached handle for address, closing it
// if connected. A later AcquirePump for the same address starts fresh.
func (m *Manager) ReleasePump(address string) {
	m.mu.Lock()
	p, ok := m.pumps[address]
	delete(m.pumps, address)
	m.mu.Unlock()

	if ok {
		p.Disconnect(context.Background())
	}
}
