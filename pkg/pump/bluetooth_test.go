package pump_test

import (
	"context"
	"errors"
	"testing"

	corepump "github.com/kestrel-health/pumpcore/internal/pump"
	"github.com/kestrel-health/pumpcore/pkg/pump"
)

// fakeTransport is the minimal corepump.Transport this package's tests
// need; it never actually exchanges bytes, only tracks Open/Close calls.
type fakeTransport struct {
	openErr  error
	opened   bool
	closed   bool
}

func (f *fakeTransport) Open(context.Context) error {
	f.opened = true
	return f.openErr
}
func (f *fakeTransport) Send(context.Context, []byte) error          { return nil }
func (f *fakeTransport) Receive(context.Context) ([]byte, error)     { return nil, errors.New("no data") }
func (f *fakeTransport) Close() error                                { f.closed = true; return nil }

var _ corepump.Transport = (*fakeTransport)(nil)

func TestMockGetDeviceUnknownAddress(t *testing.T) {
	t.Parallel()

	m := pump.NewMock("test-adapter")

	_, err := m.GetDevice(context.Background(), "00:00:00:00:00:00")
	if err == nil {
		t.Fatal("GetDevice() for unregistered address returned nil error")
	}
}

func TestMockRegisterAndGetDevice(t *testing.T) {
	t.Parallel()

	m := pump.NewMock("test-adapter")
	tr := &fakeTransport{}

	m.RegisterDevice("11:22:33:44:55:66", tr)

	got, err := m.GetDevice(context.Background(), "11:22:33:44:55:66")
	if err != nil {
		t.Fatalf("GetDevice() error: %v", err)
	}
	if got != corepump.Transport(tr) {
		t.Error("GetDevice() returned a different transport than registered")
	}
}

func TestMockUnpairDeviceRemovesIt(t *testing.T) {
	t.Parallel()

	m := pump.NewMock("test-adapter")
	m.RegisterDevice("aa:bb:cc:dd:ee:ff", &fakeTransport{})

	if err := m.UnpairDevice(context.Background(), "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("UnpairDevice() error: %v", err)
	}

	if _, err := m.GetDevice(context.Background(), "aa:bb:cc:dd:ee:ff"); err == nil {
		t.Error("GetDevice() after UnpairDevice returned nil error")
	}
}

func TestMockGetAdapterFriendlyName(t *testing.T) {
	t.Parallel()

	m := pump.NewMock("my-adapter")

	name, err := m.GetAdapterFriendlyName(context.Background())
	if err != nil {
		t.Fatalf("GetAdapterFriendlyName() error: %v", err)
	}
	if name != "my-adapter" {
		t.Errorf("GetAdapterFriendlyName() = %q, want %q", name, "my-adapter")
	}
}

func TestMockStartStopDiscoveryAreNoops(t *testing.T) {
	t.Parallel()

	m := pump.NewMock("adapter")

	if err := m.StartDiscovery(context.Background(), pump.DiscoveryFilter{}, nil, nil, nil); err != nil {
		t.Errorf("StartDiscovery() error: %v", err)
	}
	if err := m.StopDiscovery(context.Background()); err != nil {
		t.Errorf("StopDiscovery() error: %v", err)
	}
}
