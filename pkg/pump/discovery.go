package pump

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DiscoverySession is a handle to one in-progress PairWithNewPump call,
// letting a caller cancel discovery independently of the context used
// for the rest of its program (spec §6: discovery is inherently
// asynchronous and may outlive a single request-scoped context).
type DiscoverySession struct {
	ID uuid.UUID

	cancel context.CancelFunc
}

// Cancel stops the discovery/pairing attempt this handle tracks.
func (d *DiscoverySession) Cancel() { d.cancel() }

// discoverySessions tracks outstanding DiscoverySession handles by ID.
// Manager does not expose it, so a caller cancels through the handle
// StartPairingSession returned.
type discoverySessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*DiscoverySession
}

func newDiscoverySessions() *discoverySessions {
	return &discoverySessions{sessions: make(map[uuid.UUID]*DiscoverySession)}
}

func (d *discoverySessions) start(ctx context.Context) (*DiscoverySession, context.Context) {
	childCtx, cancel := context.WithCancel(ctx)

	session := &DiscoverySession{ID: uuid.New(), cancel: cancel}

	d.mu.Lock()
	d.sessions[session.ID] = session
	d.mu.Unlock()

	return session, childCtx
}

func (d *discoverySessions) finish(id uuid.UUID) {
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
}

// Lookup returns the DiscoverySession registered under id, if any.
func (d *discoverySessions) Lookup(id uuid.UUID) (*DiscoverySession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]

	return s, ok
}

// StartPairingSession begins PairWithNewPump in the background and
// returns a handle that can be used to cancel it, plus a channel
// delivering the eventual address/error (spec §6: pairing is a
// cancellable, progress-observable long-running operation, the same
// shape as Connect).
func (m *Manager) StartPairingSession(ctx context.Context, filter DiscoveryFilter, pin PinProvider) (*DiscoverySession, <-chan PairingOutcome) {
	session, sessionCtx := m.sessions.start(ctx)

	outcome := make(chan PairingOutcome, 1)

	go func() {
		defer m.sessions.finish(session.ID)

		address, err := m.PairWithNewPump(sessionCtx, filter, pin)
		outcome <- PairingOutcome{Address: address, Err: err}
	}()

	return session, outcome
}

// PairingOutcome is the terminal result of a StartPairingSession call.
type PairingOutcome struct {
	Address string
	Err     error
}

// String renders an outcome for logging.
func (o PairingOutcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("pairing failed: %s", o.Err)
	}

	return fmt.Sprintf("paired: %s", o.Address)
}
