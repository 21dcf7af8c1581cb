package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kestrel-health/pumpcore/internal/pump"
	"github.com/kestrel-health/pumpcore/internal/store"
)

// storeFactory builds one backend; the conformance suite below
// runs identically against all three so a bug in one backend's
// implementation of the shared PumpStateStore contract surfaces the
// same way regardless of which backend a caller picked.
type storeFactory struct {
	name string
	new  func(t *testing.T) pump.PumpStateStore
}

func storeFactories(t *testing.T) []storeFactory {
	t.Helper()

	return []storeFactory{
		{
			name: "InMemory",
			new: func(*testing.T) pump.PumpStateStore {
				return store.NewInMemory()
			},
		},
		{
			name: "FileBacked",
			new: func(t *testing.T) pump.PumpStateStore {
				t.Helper()
				path := filepath.Join(t.TempDir(), "pumps.yaml")
				s, err := store.NewFileBacked(path)
				if err != nil {
					t.Fatalf("NewFileBacked() error: %v", err)
				}
				return s
			},
		},
		{
			name: "Sqlite",
			new: func(t *testing.T) pump.PumpStateStore {
				t.Helper()
				s, err := store.NewSqlite(":memory:")
				if err != nil {
					t.Fatalf("NewSqlite() error: %v", err)
				}
				t.Cleanup(func() { s.Close() })
				return s
			},
		},
	}
}

func testInvariantData(suffix byte) pump.InvariantPumpData {
	var cpk, pck [pump.KeySize]byte
	for i := range cpk {
		cpk[i] = suffix
		pck[i] = suffix ^ 0xFF
	}

	return pump.InvariantPumpData{
		ClientPumpKey:      cpk,
		PumpClientKey:      pck,
		KeyResponseAddress: suffix,
		PumpID:             "pump-" + string(rune('A'+suffix)),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t)
			ctx := context.Background()
			addr := "00:11:22:33:44:55"
			data := testInvariantData(1)

			if err := s.CreatePumpState(ctx, addr, data); err != nil {
				t.Fatalf("CreatePumpState() error: %v", err)
			}

			got, err := s.GetInvariantPumpData(ctx, addr)
			if err != nil {
				t.Fatalf("GetInvariantPumpData() error: %v", err)
			}

			if got != data {
				t.Errorf("GetInvariantPumpData() = %+v, want %+v", got, data)
			}
		})
	}
}

func TestStoreHasAndDelete(t *testing.T) {
	t.Parallel()

	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t)
			ctx := context.Background()
			addr := "AA:BB:CC:DD:EE:FF"

			has, err := s.HasPumpState(ctx, addr)
			if err != nil {
				t.Fatalf("HasPumpState() error: %v", err)
			}
			if has {
				t.Fatal("HasPumpState() = true before creation")
			}

			if err := s.CreatePumpState(ctx, addr, testInvariantData(2)); err != nil {
				t.Fatalf("CreatePumpState() error: %v", err)
			}

			has, err = s.HasPumpState(ctx, addr)
			if err != nil {
				t.Fatalf("HasPumpState() error: %v", err)
			}
			if !has {
				t.Fatal("HasPumpState() = false after creation")
			}

			deleted, err := s.DeletePumpState(ctx, addr)
			if err != nil {
				t.Fatalf("DeletePumpState() error: %v", err)
			}
			if !deleted {
				t.Error("DeletePumpState() = false, want true for existing address")
			}

			deleted, err = s.DeletePumpState(ctx, addr)
			if err != nil {
				t.Fatalf("DeletePumpState() second call error: %v", err)
			}
			if deleted {
				t.Error("DeletePumpState() = true on second call, want false")
			}
		})
	}
}

func TestStoreGetAvailableAddresses(t *testing.T) {
	t.Parallel()

	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t)
			ctx := context.Background()

			addrs, err := s.GetAvailablePumpStateAddresses(ctx)
			if err != nil {
				t.Fatalf("GetAvailablePumpStateAddresses() error: %v", err)
			}
			if len(addrs) != 0 {
				t.Fatalf("addresses on empty store = %v, want empty", addrs)
			}

			want := []string{"11:11:11:11:11:11", "22:22:22:22:22:22"}
			for i, addr := range want {
				if err := s.CreatePumpState(ctx, addr, testInvariantData(byte(i))); err != nil {
					t.Fatalf("CreatePumpState(%q) error: %v", addr, err)
				}
			}

			addrs, err = s.GetAvailablePumpStateAddresses(ctx)
			if err != nil {
				t.Fatalf("GetAvailablePumpStateAddresses() error: %v", err)
			}
			if len(addrs) != len(want) {
				t.Fatalf("addresses = %v, want %d entries", addrs, len(want))
			}
		})
	}
}

func TestStoreTxNonceLifecycle(t *testing.T) {
	t.Parallel()

	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t)
			ctx := context.Background()
			addr := "33:33:33:33:33:33"

			if err := s.CreatePumpState(ctx, addr, testInvariantData(3)); err != nil {
				t.Fatalf("CreatePumpState() error: %v", err)
			}

			zero, err := s.GetCurrentTxNonce(ctx, addr)
			if err != nil {
				t.Fatalf("GetCurrentTxNonce() error: %v", err)
			}
			if zero != (pump.Nonce{}) {
				t.Errorf("initial nonce = %s, want zero", zero)
			}

			var want pump.Nonce
			want[0] = 0xAB
			want[12] = 0xCD

			if err := s.SetCurrentTxNonce(ctx, addr, want); err != nil {
				t.Fatalf("SetCurrentTxNonce() error: %v", err)
			}

			got, err := s.GetCurrentTxNonce(ctx, addr)
			if err != nil {
				t.Fatalf("GetCurrentTxNonce() error: %v", err)
			}
			if got != want {
				t.Errorf("GetCurrentTxNonce() = %s, want %s", got, want)
			}
		})
	}
}

func TestStoreUnknownAddressErrors(t *testing.T) {
	t.Parallel()

	for _, f := range storeFactories(t) {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			s := f.new(t)
			ctx := context.Background()
			addr := "unknown"

			if _, err := s.GetInvariantPumpData(ctx, addr); err == nil {
				t.Error("GetInvariantPumpData() for unknown address returned nil error")
			}

			if _, err := s.GetCurrentTxNonce(ctx, addr); err == nil {
				t.Error("GetCurrentTxNonce() for unknown address returned nil error")
			}

			if err := s.SetCurrentTxNonce(ctx, addr, pump.Nonce{}); err == nil {
				t.Error("SetCurrentTxNonce() for unknown address returned nil error")
			}
		})
	}
}

func TestFileBackedPersistsAcrossReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pumps.yaml")
	ctx := context.Background()
	addr := "44:44:44:44:44:44"

	s1, err := store.NewFileBacked(path)
	if err != nil {
		t.Fatalf("NewFileBacked() error: %v", err)
	}

	if err := s1.CreatePumpState(ctx, addr, testInvariantData(4)); err != nil {
		t.Fatalf("CreatePumpState() error: %v", err)
	}

	var nonce pump.Nonce
	nonce[0] = 0x42
	if err := s1.SetCurrentTxNonce(ctx, addr, nonce); err != nil {
		t.Fatalf("SetCurrentTxNonce() error: %v", err)
	}

	s2, err := store.NewFileBacked(path)
	if err != nil {
		t.Fatalf("NewFileBacked() reload error: %v", err)
	}

	got, err := s2.GetInvariantPumpData(ctx, addr)
	if err != nil {
		t.Fatalf("GetInvariantPumpData() after reload error: %v", err)
	}
	if got != testInvariantData(4) {
		t.Errorf("reloaded data = %+v, want %+v", got, testInvariantData(4))
	}

	gotNonce, err := s2.GetCurrentTxNonce(ctx, addr)
	if err != nil {
		t.Fatalf("GetCurrentTxNonce() after reload error: %v", err)
	}
	if gotNonce != nonce {
		t.Errorf("reloaded nonce = %s, want %s", gotNonce, nonce)
	}
}

func TestFileBackedMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")

	s, err := store.NewFileBacked(path)
	if err != nil {
		t.Fatalf("NewFileBacked() error: %v", err)
	}

	addrs, err := s.GetAvailablePumpStateAddresses(context.Background())
	if err != nil {
		t.Fatalf("GetAvailablePumpStateAddresses() error: %v", err)
	}
	if len(addrs) != 0 {
		t.Errorf("addresses = %v, want empty for a fresh file", addrs)
	}
}

func TestErrUnknownAddressIsWrapped(t *testing.T) {
	t.Parallel()

	s := store.NewInMemory()

	_, err := s.GetInvariantPumpData(context.Background(), "nope")
	if !errors.Is(err, store.ErrUnknownAddress) {
		t.Errorf("error = %v, want wrapped ErrUnknownAddress", err)
	}
}
