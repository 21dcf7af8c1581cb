package store

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kestrel-health/pumpcore/internal/pump"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk YAML schema: an explicit named-key schema
// per pump address rather than a reflected preference-delegate map
// (spec §9, Design Notes: "Reframe as an explicit schema of named keys
// per pump address with typed accessors").
type fileDocument struct {
	Pumps map[string]filePumpEntry `yaml:"pumps"`
}

type filePumpEntry struct {
	ClientPumpKey      []byte `yaml:"client_pump_key"`
	PumpClientKey      []byte `yaml:"pump_client_key"`
	KeyResponseAddress byte   `yaml:"key_response_address"`
	PumpID             string `yaml:"pump_id"`
	CurrentTxNonce     []byte `yaml:"current_tx_nonce"`
}

// FileBacked is a PumpStateStore that persists pump state as a single
// YAML document, rewritten in full on every mutation. Suitable for a
// single-user desktop/mobile installation where SQLite would be
// overkill.
type FileBacked struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
}

// NewFileBacked loads (or initializes) a YAML-backed store at path.
func NewFileBacked(path string) (*FileBacked, error) {
	f := &FileBacked{path: path, doc: fileDocument{Pumps: make(map[string]filePumpEntry)}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("new file-backed store: %w", err)
	}

	if err := yaml.Unmarshal(raw, &f.doc); err != nil {
		return nil, fmt.Errorf("new file-backed store: parse %s: %w", path, err)
	}

	if f.doc.Pumps == nil {
		f.doc.Pumps = make(map[string]filePumpEntry)
	}

	return f, nil
}

func (f *FileBacked) save() error {
	raw, err := yaml.Marshal(&f.doc)
	if err != nil {
		return fmt.Errorf("save: marshal: %w", err)
	}

	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		return fmt.Errorf("save: write %s: %w", f.path, err)
	}

	return nil
}

// CreatePumpState records newly paired pump data with a zero TX nonce.
func (f *FileBacked) CreatePumpState(_ context.Context, address string, data pump.InvariantPumpData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.Pumps[address] = filePumpEntry{
		ClientPumpKey:      data.ClientPumpKey[:],
		PumpClientKey:      data.PumpClientKey[:],
		KeyResponseAddress: data.KeyResponseAddress,
		PumpID:             data.PumpID,
		CurrentTxNonce:     make([]byte, pump.NonceSize),
	}

	return f.save()
}

// DeletePumpState removes a pump's persisted state.
func (f *FileBacked) DeletePumpState(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.doc.Pumps[address]
	delete(f.doc.Pumps, address)

	if ok {
		if err := f.save(); err != nil {
			return true, err
		}
	}

	return ok, nil
}

// HasPumpState reports whether address has persisted pairing state.
func (f *FileBacked) HasPumpState(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.doc.Pumps[address]

	return ok, nil
}

// GetAvailablePumpStateAddresses returns every address with persisted
// state.
func (f *FileBacked) GetAvailablePumpStateAddresses(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addrs := make([]string, 0, len(f.doc.Pumps))
	for addr := range f.doc.Pumps {
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// GetInvariantPumpData returns the persisted cryptographic material and
// identity for address.
func (f *FileBacked) GetInvariantPumpData(_ context.Context, address string) (pump.InvariantPumpData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.doc.Pumps[address]
	if !ok {
		return pump.InvariantPumpData{}, fmt.Errorf("get invariant pump data %q: %w", address, ErrUnknownAddress)
	}

	var data pump.InvariantPumpData
	copy(data.ClientPumpKey[:], e.ClientPumpKey)
	copy(data.PumpClientKey[:], e.PumpClientKey)
	data.KeyResponseAddress = e.KeyResponseAddress
	data.PumpID = e.PumpID

	return data, nil
}

// GetCurrentTxNonce returns the last persisted TX nonce for address.
func (f *FileBacked) GetCurrentTxNonce(_ context.Context, address string) (pump.Nonce, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.doc.Pumps[address]
	if !ok {
		return pump.Nonce{}, fmt.Errorf("get current tx nonce %q: %w", address, ErrUnknownAddress)
	}

	var nonce pump.Nonce
	copy(nonce[:], e.CurrentTxNonce)

	return nonce, nil
}

// SetCurrentTxNonce durably records the TX nonce for address, flushing
// the whole document to disk before returning (spec §5: "write-ahead").
func (f *FileBacked) SetCurrentTxNonce(_ context.Context, address string, nonce pump.Nonce) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.doc.Pumps[address]
	if !ok {
		return fmt.Errorf("set current tx nonce %q: %w", address, ErrUnknownAddress)
	}

	e.CurrentTxNonce = append([]byte(nil), nonce[:]...)
	f.doc.Pumps[address] = e

	return f.save()
}
