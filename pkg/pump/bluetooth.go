// Package pump is the public surface of the pump control core:
// PumpManager for discovery/pairing/lookup and Pump for connect,
// RT-button control, and display streaming (spec §6, §2 component 10).
package pump

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

// DiscoveryFilter narrows which discovered Bluetooth devices are
// surfaced as candidate pumps. An empty filter matches every device.
type DiscoveryFilter struct {
	NamePrefix string
}

// PinProvider prompts the user for the 10-digit PIN shown on a pump's
// display during pairing (spec §6).
type PinProvider = pump.PinProvider

// BluetoothInterface is the adapter-level collaborator the core depends
// on (spec §6, §9 Design Notes: "capability interfaces ... variants
// {BlueZ, Android, Mock}"). Real adapters live outside the core; this
// package only ships Mock, used for tests and for driving the core
// without real Bluetooth hardware.
type BluetoothInterface interface {
	StartDiscovery(ctx context.Context, filter DiscoveryFilter, pin PinProvider, onPaired func(address string), onUnpaired func(address string)) error
	StopDiscovery(ctx context.Context) error
	UnpairDevice(ctx context.Context, address string) error
	GetDevice(ctx context.Context, address string) (pump.Transport, error)
	GetAdapterFriendlyName(ctx context.Context) (string, error)
}

// Mock is an in-process BluetoothInterface backed by caller-registered
// transports, for tests and for running the core without real hardware
// (spec §9, Design Notes).
type Mock struct {
	mu          sync.Mutex
	devices     map[string]pump.Transport
	adapterName string
}

// NewMock constructs a Mock adapter reporting adapterName from
// GetAdapterFriendlyName.
func NewMock(adapterName string) *Mock {
	return &Mock{devices: make(map[string]pump.Transport), adapterName: adapterName}
}

// RegisterDevice makes a transport available at address, as if the
// adapter had already discovered and bonded it.
func (m *Mock) RegisterDevice(address string, transport pump.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices[address] = transport
}

// StartDiscovery is a no-op for Mock: devices are registered directly
// via RegisterDevice rather than discovered asynchronously.
func (m *Mock) StartDiscovery(context.Context, DiscoveryFilter, PinProvider, func(string), func(string)) error {
	return nil
}

// StopDiscovery is a no-op for Mock.
func (m *Mock) StopDiscovery(context.Context) error { return nil }

// UnpairDevice removes a registered device.
func (m *Mock) UnpairDevice(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.devices, address)

	return nil
}

// GetDevice returns the transport registered for address.
func (m *Mock) GetDevice(_ context.Context, address string) (pump.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.devices[address]
	if !ok {
		return nil, fmt.Errorf("mock bluetooth: no device registered for %q", address)
	}

	return t, nil
}

// GetAdapterFriendlyName returns the configured adapter name.
func (m *Mock) GetAdapterFriendlyName(context.Context) (string, error) {
	return m.adapterName, nil
}
