package pump

import "fmt"

// Nonce is the 13-byte little-endian counter carried in every packet
// header, covered by the MAC and used to detect replay (spec §4.4).
type Nonce [NonceSize]byte

// String renders the nonce as a big-endian-looking hex string for logs,
// most significant byte first.
func (n Nonce) String() string {
	const hexDigits = "0123456789abcdef"

	out := make([]byte, 0, NonceSize*2)
	for i := NonceSize - 1; i >= 0; i-- {
		b := n[i]
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}

	return string(out)
}

// Increment advances the counter by one, carrying across bytes
// (spec §4.4: "incremented as a 13-byte little-endian counter after
// every packet sent or received on that direction").
func (n *Nonce) Increment() error {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return nil
		}
	}

	// All 13 bytes wrapped to zero: the counter space is exhausted and
	// the session must not continue (spec §4.4).
	return fmt.Errorf("increment nonce: %w", ErrNonceViolation)
}

// Compare returns -1, 0, or 1 as n is less than, equal to, or greater
// than other, treating both as little-endian unsigned integers
// (spec §4.4: nonces must be monotonically increasing per direction).
func (n Nonce) Compare(other Nonce) int {
	for i := NonceSize - 1; i >= 0; i-- {
		switch {
		case n[i] < other[i]:
			return -1
		case n[i] > other[i]:
			return 1
		}
	}

	return 0
}

// NonceDirection distinguishes the two independent counters a session
// maintains (spec §4.4: one per direction).
type NonceDirection int

const (
	// NonceDirectionTX counts packets this side has sent.
	NonceDirectionTX NonceDirection = iota
	// NonceDirectionRX counts packets this side has received.
	NonceDirectionRX
)

// NonceTracker maintains the independent TX/RX nonce counters for a
// session and enforces monotonicity on receive (spec §4.4).
type NonceTracker struct {
	tx Nonce
	rx Nonce
}

// NewNonceTracker constructs a tracker starting both counters at zero.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{}
}

// NewNonceTrackerFrom constructs a tracker resuming TX from a previously
// persisted value (spec §5: "write-ahead" TX nonce persistence lets a
// reconnect continue the counter rather than risk replay by resetting
// it). RX always restarts at zero: the pump's own RX counter resets
// across connections, and §4.4 only requires our acceptance of it to be
// monotonic within a session.
func NewNonceTrackerFrom(tx Nonce) *NonceTracker {
	return &NonceTracker{tx: tx}
}

// Next returns the current TX nonce and advances it for the following
// packet.
func (t *NonceTracker) Next() (Nonce, error) {
	cur := t.tx
	if err := t.tx.Increment(); err != nil {
		return cur, err
	}

	return cur, nil
}

// Accept validates an incoming nonce against the last-seen RX nonce and,
// if it is newer, records it as the new high-water mark
// (spec §4.4: replay of an already-seen or older nonce is rejected).
func (t *NonceTracker) Accept(n Nonce) error {
	if t.rx != (Nonce{}) && n.Compare(t.rx) <= 0 {
		return fmt.Errorf("accept nonce %s: not newer than %s: %w", n, t.rx, ErrNonceViolation)
	}

	t.rx = n

	return nil
}
