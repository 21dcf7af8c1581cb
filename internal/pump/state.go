package pump

import "context"

// InvariantPumpData is the per-pump cryptographic material and identity
// derived once at pairing and persisted for the pump's lifetime
// (spec §3: "Invariant pump data").
type InvariantPumpData struct {
	ClientPumpKey      [KeySize]byte
	PumpClientKey      [KeySize]byte
	KeyResponseAddress byte
	PumpID             string
}

// PumpStateStore is the persistence collaborator the core depends on
// (spec §6). Implementations live outside the core (key-value stores on
// disk, shared preferences, SQL); the core only ever sees this
// interface, keeping it sync-or-async-agnostic (spec §9, Design Notes).
type PumpStateStore interface {
	CreatePumpState(ctx context.Context, address string, data InvariantPumpData) error
	DeletePumpState(ctx context.Context, address string) (bool, error)
	HasPumpState(ctx context.Context, address string) (bool, error)
	GetAvailablePumpStateAddresses(ctx context.Context) ([]string, error)
	GetInvariantPumpData(ctx context.Context, address string) (InvariantPumpData, error)
	GetCurrentTxNonce(ctx context.Context, address string) (Nonce, error)
	SetCurrentTxNonce(ctx context.Context, address string, nonce Nonce) error
}
