package pump

import "errors"

// Sentinel errors for the protocol-level error taxonomy. Higher layers
// compare against these with errors.Is; PumpError additionally carries
// the pump's raw error code via errors.As.
var (
	// ErrFraming indicates a delimiter/escape/CRC violation in the
	// byte-stream framing layer. Recovered locally by resynchronization.
	ErrFraming = errors.New("pump: frame CRC or escape violation")

	// ErrMalformedPacket indicates a length or field inconsistency in a
	// parsed TL or app packet.
	ErrMalformedPacket = errors.New("pump: malformed packet")

	// ErrInvalidCommandID indicates an unrecognized TL command ID.
	ErrInvalidCommandID = errors.New("pump: invalid command id")

	// ErrAuthenticationFailure indicates a MAC or pairing-CRC mismatch.
	ErrAuthenticationFailure = errors.New("pump: authentication failure")

	// ErrNonceViolation indicates a TX nonce wrap, or a detected replay
	// on receive. Fatal: the pump must be re-paired.
	ErrNonceViolation = errors.New("pump: nonce violation")

	// ErrTimeout indicates a reliable send's ACK was not received after
	// one retransmit.
	ErrTimeout = errors.New("pump: reliable send timed out")

	// ErrPumpErrorResponse indicates an ERROR_RESPONSE packet from the
	// pump. Wrap with PumpError to recover the 1-byte code.
	ErrPumpErrorResponse = errors.New("pump: error response from pump")

	// ErrCancelled indicates the operation was aborted by the caller or
	// by cancellation propagation.
	ErrCancelled = errors.New("pump: operation cancelled")

	// ErrTransportIO indicates an underlying byte-stream transport error.
	ErrTransportIO = errors.New("pump: transport I/O error")

	// ErrNotPaired indicates an operation required pairing state that
	// has not been established for this address.
	ErrNotPaired = errors.New("pump: not paired")

	// ErrWrongPIN indicates KEY_RESPONSE failed weak-cipher MAC
	// verification during pairing; recoverable by re-prompting for a PIN.
	ErrWrongPIN = errors.New("pump: wrong PIN")

	// ErrSessionClosed indicates an operation was attempted on a session
	// that has already terminated.
	ErrSessionClosed = errors.New("pump: session closed")

	// ErrQueueFull indicates the outstanding-reliable-packet queue has
	// reached its bound and cannot accept another send.
	ErrQueueFull = errors.New("pump: reliable send queue full")
)

// PumpError wraps a 1-byte error code reported by the pump in an
// ERROR_RESPONSE packet (spec §7: "PumpError").
type PumpError struct {
	Code byte
}

func (e *PumpError) Error() string {
	return "pump: error response code " + byteHex(e.Code)
}

func (e *PumpError) Unwrap() error {
	return ErrPumpErrorResponse
}

// byteHex renders a single byte as a "0x"-prefixed, two-digit uppercase
// hex string without pulling in fmt for the hot error path.
func byteHex(b byte) string {
	const hexDigits = "0123456789ABCDEF"
	return string([]byte{'0', 'x', hexDigits[b>>4], hexDigits[b&0x0f]})
}
