// Package store provides PumpStateStore implementations: an in-memory
// store for tests and ephemeral discovery sessions, a YAML file-backed
// store, and a SQLite-backed store for long-lived installations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

// ErrUnknownAddress indicates an operation referenced a pump address
// with no persisted state.
var ErrUnknownAddress = fmt.Errorf("store: unknown pump address")

// entry mirrors the persisted fields for one paired pump: the invariant
// data plus the volatile current TX nonce (spec §3).
type entry struct {
	data  pump.InvariantPumpData
	nonce pump.Nonce
}

// InMemory is a PumpStateStore backed by a guarded map. It satisfies
// pump.PumpStateStore and is suitable for tests and for discovery
// sessions that do not yet warrant durable storage.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]entry)}
}

// CreatePumpState records newly paired pump data with a zero TX nonce.
func (s *InMemory) CreatePumpState(_ context.Context, address string, data pump.InvariantPumpData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[address] = entry{data: data}

	return nil
}

// DeletePumpState removes a pump's persisted state, reporting whether it
// existed.
func (s *InMemory) DeletePumpState(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[address]
	delete(s.entries, address)

	return ok, nil
}

// HasPumpState reports whether address has persisted pairing state.
func (s *InMemory) HasPumpState(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[address]

	return ok, nil
}

// GetAvailablePumpStateAddresses returns every address with persisted
// state.
func (s *InMemory) GetAvailablePumpStateAddresses(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]string, 0, len(s.entries))
	for addr := range s.entries {
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// GetInvariantPumpData returns the persisted cryptographic material and
// identity for address.
func (s *InMemory) GetInvariantPumpData(_ context.Context, address string) (pump.InvariantPumpData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[address]
	if !ok {
		return pump.InvariantPumpData{}, fmt.Errorf("get invariant pump data %q: %w", address, ErrUnknownAddress)
	}

	return e.data, nil
}

// GetCurrentTxNonce returns the last persisted TX nonce for address.
func (s *InMemory) GetCurrentTxNonce(_ context.Context, address string) (pump.Nonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[address]
	if !ok {
		return pump.Nonce{}, fmt.Errorf("get current tx nonce %q: %w", address, ErrUnknownAddress)
	}

	return e.nonce, nil
}

// SetCurrentTxNonce records the TX nonce for address in memory. Must be
// ordered-before the network send of the packet using that nonce
// (spec §5: "write-ahead").
func (s *InMemory) SetCurrentTxNonce(_ context.Context, address string, nonce pump.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[address]
	if !ok {
		return fmt.Errorf("set current tx nonce %q: %w", address, ErrUnknownAddress)
	}

	e.nonce = nonce
	s.entries[address] = e

	return nil
}
