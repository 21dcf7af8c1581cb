package pump

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
)

// PairingState tracks progress through the client-initiated pairing
// handshake (spec §4.5). Unlike the post-pairing TL session, pairing is
// a short, strictly sequential conversation, so it is driven by a linear
// function rather than an event-driven FSM; PairingState exists purely
// for progress reporting and logging.
type PairingState uint8

const (
	PairingUnpaired PairingState = iota
	PairingAwaitAccepted
	PairingKeysRequested
	PairingAwaitKeyResponse
	PairingIDRequested
	PairingAwaitIDResponse
	PairingConfirming
	PairingPaired
	PairingFailed
)

func (s PairingState) String() string {
	switch s {
	case PairingUnpaired:
		return "Unpaired"
	case PairingAwaitAccepted:
		return "AwaitAccepted"
	case PairingKeysRequested:
		return "KeysRequested"
	case PairingAwaitKeyResponse:
		return "AwaitKeyResponse"
	case PairingIDRequested:
		return "IDRequested"
	case PairingAwaitIDResponse:
		return "AwaitIDResponse"
	case PairingConfirming:
		return "Confirming"
	case PairingPaired:
		return "Paired"
	case PairingFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// pairingAddress is the fixed address used for REQUEST_PAIRING_CONNECTION,
// before the pump assigns a real key-response address (spec §4.5 step 1).
const pairingAddress = 0xF0

// clientSoftwareVersion is the version reported in REQUEST_ID (spec §4.5
// step 7). The wire-format field is opaque to the pump; any value is
// accepted, so this implementation reports its own protocol version.
const clientSoftwareVersion uint32 = 0x00010000

// btNameFieldSize is the fixed length of the BT friendly-name field in
// REQUEST_ID (spec §4.5 step 7, §9 Open Questions: truncate, don't error).
const btNameFieldSize = 13

// PinProvider supplies the 10-digit PIN shown on the pump display during
// pairing (spec §6: "PIN provider callback"). Returning ErrCancelled
// aborts the pairing attempt.
type PinProvider func(ctx context.Context) ([10]byte, error)

// PairingTransceiver is the minimal send/receive surface pairing needs
// from the framed byte-stream transport. TLSession implements it once a
// pump is paired; during pairing no TLSession exists yet, so Pairer talks
// to the transport directly through this narrower interface.
type PairingTransceiver interface {
	SendFrame(ctx context.Context, raw []byte) error
	RecvPacket(ctx context.Context) (*Packet, []byte, error)
}

// PairingResult is the material persisted on a successful pairing
// (spec §3: "Invariant pump data").
type PairingResult struct {
	ClientPumpCipher  *Cipher
	PumpClientCipher  *Cipher
	KeyResponseAddr   byte
	PumpID            string
}

// Pairer drives the pairing handshake described in spec §4.5.
type Pairer struct {
	tx     PairingTransceiver
	logger *slog.Logger
	state  PairingState
}

// NewPairer constructs a Pairer bound to a transport. logger may be nil,
// in which case a discard logger is used.
func NewPairer(tx PairingTransceiver, logger *slog.Logger) *Pairer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Pairer{tx: tx, logger: logger, state: PairingUnpaired}
}

// State returns the pairer's current progress marker.
func (p *Pairer) State() PairingState { return p.state }

// Pair executes the handshake of spec §4.5 through the ID response and
// returns the derived session keys and key-response address. The
// confirmation round trip of step 9 is left to the caller, so on success
// State reports PairingConfirming. On any failure, the weak cipher
// and any half-derived keys are discarded and the error is returned; the
// caller may retry Pair from scratch with a new PIN.
func (p *Pairer) Pair(ctx context.Context, pin PinProvider) (*PairingResult, error) {
	if err := p.requestPairingConnection(ctx); err != nil {
		return nil, err
	}

	if err := p.awaitAccepted(ctx); err != nil {
		return nil, err
	}

	if err := p.sendRequestKeys(ctx); err != nil {
		return nil, err
	}

	digits, err := pin(ctx)
	if err != nil {
		p.state = PairingFailed
		return nil, fmt.Errorf("pairing: pin provider: %w", err)
	}

	weakKey, err := DeriveWeakKey(digits)
	if err != nil {
		p.state = PairingFailed
		return nil, fmt.Errorf("pairing: derive weak key: %w", err)
	}

	weakCipher, err := NewCipher(weakKey[:])
	if err != nil {
		p.state = PairingFailed
		return nil, fmt.Errorf("pairing: weak cipher: %w", err)
	}

	if err := p.sendGetAvailableKeys(ctx); err != nil {
		return nil, err
	}

	pcCipher, cpCipher, keyAddr, err := p.awaitKeyResponse(ctx, weakCipher)
	if err != nil {
		return nil, err
	}

	if err := p.sendRequestID(ctx, cpCipher, keyAddr); err != nil {
		return nil, err
	}

	pumpID, err := p.awaitIDResponse(ctx, pcCipher)
	if err != nil {
		return nil, err
	}

	return &PairingResult{
		ClientPumpCipher: cpCipher,
		PumpClientCipher: pcCipher,
		KeyResponseAddr:  keyAddr,
		PumpID:           pumpID,
	}, nil
}

// requestPairingConnection sends step 1: REQUEST_PAIRING_CONNECTION,
// CRC-authenticated, address 0xF0, NULL nonce.
func (p *Pairer) requestPairingConnection(ctx context.Context) error {
	pkt := &Packet{
		Command: CmdRequestPairingConnection,
		Address: pairingAddress,
		Nonce:   NullNonce,
	}

	raw, err := pkt.SignCRC()
	if err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request pairing connection: %w", err)
	}

	if err := p.tx.SendFrame(ctx, EncodeFrame(raw)); err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request pairing connection: %w", ErrTransportIO)
	}

	p.state = PairingAwaitAccepted

	return nil
}

// awaitAccepted handles step 2: any short payload is accepted so long as
// its pairing CRC verifies.
func (p *Pairer) awaitAccepted(ctx context.Context) error {
	pkt, raw, err := p.tx.RecvPacket(ctx)
	if err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: await accepted: %w", err)
	}

	if pkt.Command != CmdPairingConnectionRequestAccepted {
		p.state = PairingFailed
		return fmt.Errorf("pairing: await accepted: got %s: %w", pkt.Command, ErrMalformedPacket)
	}

	if err := pkt.VerifyCRC(raw); err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: await accepted: %w", err)
	}

	p.state = PairingKeysRequested

	return nil
}

// sendRequestKeys sends step 3.
func (p *Pairer) sendRequestKeys(ctx context.Context) error {
	pkt := &Packet{Command: CmdRequestKeys, Address: pairingAddress, Nonce: NullNonce}

	raw, err := pkt.SignCRC()
	if err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request keys: %w", err)
	}

	if err := p.tx.SendFrame(ctx, EncodeFrame(raw)); err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request keys: %w", ErrTransportIO)
	}

	return nil
}

// sendGetAvailableKeys sends step 5, after the PIN prompt of step 4.
func (p *Pairer) sendGetAvailableKeys(ctx context.Context) error {
	pkt := &Packet{Command: CmdGetAvailableKeys, Address: pairingAddress, Nonce: NullNonce}

	raw, err := pkt.SignCRC()
	if err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: get available keys: %w", err)
	}

	if err := p.tx.SendFrame(ctx, EncodeFrame(raw)); err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: get available keys: %w", ErrTransportIO)
	}

	p.state = PairingAwaitKeyResponse

	return nil
}

const keyResponsePayloadSize = 32

// awaitKeyResponse handles step 6: a 32-byte payload, weak-cipher MAC
// verified, each 16-byte half decrypted to recover the session keys. A
// MAC mismatch here means the user entered the wrong PIN (spec §7).
func (p *Pairer) awaitKeyResponse(ctx context.Context, weak *Cipher) (pc, cp *Cipher, keyAddr byte, err error) {
	pkt, raw, err := p.tx.RecvPacket(ctx)
	if err != nil {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: await key response: %w", err)
	}

	if pkt.Command != CmdKeyResponse {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: await key response: got %s: %w", pkt.Command, ErrMalformedPacket)
	}

	if len(pkt.Payload) != keyResponsePayloadSize {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: key response payload length %d: %w", len(pkt.Payload), ErrMalformedPacket)
	}

	if err := pkt.VerifyMAC(raw, weak); err != nil {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: %w", ErrWrongPIN)
	}

	var pcBlock, cpBlock [BlockSize]byte
	copy(pcBlock[:], pkt.Payload[:BlockSize])
	copy(cpBlock[:], pkt.Payload[BlockSize:])

	pcKey := weak.DecryptBlock(pcBlock)
	cpKey := weak.DecryptBlock(cpBlock)

	pcCipher, err := NewCipher(pcKey[:])
	if err != nil {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: pump-client cipher: %w", err)
	}

	cpCipher, err := NewCipher(cpKey[:])
	if err != nil {
		p.state = PairingFailed
		return nil, nil, 0, fmt.Errorf("pairing: client-pump cipher: %w", err)
	}

	// Key response address: the packet's address with nibbles swapped,
	// pump's perspective -> client's (spec §4.5 step 6).
	addr := SwapAddress(pkt.Address)

	p.state = PairingIDRequested

	return pcCipher, cpCipher, addr, nil
}

// sendRequestID sends step 7: a client software version and a
// BT-friendly name, truncated/zero-padded to 13 bytes. This is the first
// CP-cipher-MAC'd packet and starts the TX nonce at 1.
func (p *Pairer) sendRequestID(ctx context.Context, cp *Cipher, keyAddr byte) error {
	payload := make([]byte, 4+btNameFieldSize)
	binary.LittleEndian.PutUint32(payload[:4], clientSoftwareVersion)
	copy(payload[4:], truncatePad([]byte(btFriendlyName()), btNameFieldSize))

	nonce := Nonce{}
	nonce[0] = 1 // TX nonce starts at 1 after pairing (spec §4.4, §4.5 step 7).

	pkt := &Packet{
		Command: CmdRequestID,
		Address: keyAddr,
		Nonce:   nonce,
		Payload: payload,
	}

	raw, err := pkt.SignMAC(cp)
	if err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request id: %w", err)
	}

	if err := p.tx.SendFrame(ctx, EncodeFrame(raw)); err != nil {
		p.state = PairingFailed
		return fmt.Errorf("pairing: request id: %w", ErrTransportIO)
	}

	p.state = PairingAwaitIDResponse

	return nil
}

// awaitIDResponse handles step 8: a 32-bit server ID and a 13-byte
// null-terminated pump ID string, PC-cipher MAC verified.
func (p *Pairer) awaitIDResponse(ctx context.Context, pc *Cipher) (string, error) {
	pkt, raw, err := p.tx.RecvPacket(ctx)
	if err != nil {
		p.state = PairingFailed
		return "", fmt.Errorf("pairing: await id response: %w", err)
	}

	if pkt.Command != CmdIDResponse {
		p.state = PairingFailed
		return "", fmt.Errorf("pairing: await id response: got %s: %w", pkt.Command, ErrMalformedPacket)
	}

	if err := pkt.VerifyMAC(raw, pc); err != nil {
		p.state = PairingFailed
		return "", fmt.Errorf("pairing: await id response: %w", err)
	}

	if len(pkt.Payload) < 4+btNameFieldSize {
		p.state = PairingFailed
		return "", fmt.Errorf("pairing: id response payload length %d: %w", len(pkt.Payload), ErrMalformedPacket)
	}

	pumpID := nullTerminated(pkt.Payload[4 : 4+btNameFieldSize])

	p.state = PairingConfirming

	return pumpID, nil
}

// truncatePad truncates or zero-pads b to exactly n bytes
// (spec §9 Open Questions: do not error on longer names).
func truncatePad(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)

	return out
}

// nullTerminated returns the portion of b before its first 0x00 byte, or
// all of b if no terminator is present.
func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// btFriendlyName is the client identity reported during pairing
// (spec §4.5 step 7). The BluetoothInterface collaborator owns the real
// adapter name; this placeholder keeps Pairer free of that dependency.
func btFriendlyName() string {
	return "pumpcore"
}
