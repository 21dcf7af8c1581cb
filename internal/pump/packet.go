package pump

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire-format sizes (spec §3, §4.3).
const (
	// TLHeaderSize is the fixed 4-byte header: version, flags|commandID,
	// payloadLength (u16 LE).
	TLHeaderSize = 4

	// TLAddressSize is the 1-byte address field.
	TLAddressSize = 1

	// NonceSize is the 13-byte nonce field (spec §3, §4.4).
	NonceSize = 13

	// TLPreludeSize is everything before the payload: header + address + nonce.
	TLPreludeSize = TLHeaderSize + TLAddressSize + NonceSize // 18

	// TLOverheadSize is prelude + MAC, i.e. total size for a zero-length payload.
	TLOverheadSize = TLPreludeSize + MACSize // 26

	seqBitMask = 0x80
	relBitMask = 0x40
	commandMask = 0x3F // commandID occupies bits 0-6, but bit 6 doubles as relBitMask for real traffic; defined IDs stay below 0x40.
)

// protocolVersion is the fixed TL wire-format version byte (spec §3: "currently 1.0 -> 0x10").
const protocolVersion byte = 0x10

// CommandID identifies a transport-layer packet kind (spec §4.3, §6).
//
// Only REQUEST_PAIRING_CONNECTION's value (0x09) is fixed by the
// specification's test vectors; the remaining values are this
// implementation's choice where the source spec is silent (see DESIGN.md).
type CommandID uint8

const (
	CmdRequestPairingConnection          CommandID = 0x09
	CmdPairingConnectionRequestAccepted  CommandID = 0x0A
	CmdRequestKeys                       CommandID = 0x0B
	CmdGetAvailableKeys                  CommandID = 0x0C
	CmdKeyResponse                       CommandID = 0x0D
	CmdRequestID                         CommandID = 0x0E
	CmdIDResponse                        CommandID = 0x0F
	CmdRequestRegularConnection          CommandID = 0x10
	CmdRegularConnectionRequestAccepted  CommandID = 0x11
	CmdAckResponse                       CommandID = 0x12
	CmdErrorResponse                     CommandID = 0x13
	CmdDisconnect                        CommandID = 0x14
	CmdData                              CommandID = 0x15
)

var commandNames = map[CommandID]string{
	CmdRequestPairingConnection:         "REQUEST_PAIRING_CONNECTION",
	CmdPairingConnectionRequestAccepted: "PAIRING_CONNECTION_REQUEST_ACCEPTED",
	CmdRequestKeys:                      "REQUEST_KEYS",
	CmdGetAvailableKeys:                 "GET_AVAILABLE_KEYS",
	CmdKeyResponse:                      "KEY_RESPONSE",
	CmdRequestID:                        "REQUEST_ID",
	CmdIDResponse:                       "ID_RESPONSE",
	CmdRequestRegularConnection:         "REQUEST_REGULAR_CONNECTION",
	CmdRegularConnectionRequestAccepted: "REGULAR_CONNECTION_REQUEST_ACCEPTED",
	CmdAckResponse:                      "ACK_RESPONSE",
	CmdErrorResponse:                    "ERROR_RESPONSE",
	CmdDisconnect:                       "DISCONNECT",
	CmdData:                             "DATA",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Unknown(0x%02X)", uint8(c))
}

// IsValid reports whether c is one of the enumerated command IDs
// (spec §4.3: "Command IDs outside the enumerated set produce an
// InvalidCommandID error").
func (c CommandID) IsValid() bool {
	_, ok := commandNames[c]
	return ok
}

// pairingCRCCommands are the commands authenticated with a header CRC16
// instead of a MAC (spec §4.3).
var pairingCRCCommands = map[CommandID]bool{
	CmdRequestPairingConnection:         true,
	CmdPairingConnectionRequestAccepted: true,
	CmdRequestKeys:                      true,
	CmdGetAvailableKeys:                 true,
}

// UsesCRCAuth reports whether a packet of this command type is
// authenticated by header CRC (pairing packets) rather than by MAC.
func (c CommandID) UsesCRCAuth() bool {
	return pairingCRCCommands[c]
}

// Packet is a single transport-layer packet (spec §3).
type Packet struct {
	SequenceBit    bool
	ReliabilityBit bool
	Command        CommandID
	Address        byte // high nibble = source, low nibble = destination
	Nonce          Nonce
	Payload        []byte
	MAC            [MACSize]byte
}

// NullNonce is the all-zero nonce used in pairing packets prior to
// REQUEST_ID (spec §4.4).
var NullNonce = Nonce{}

// PackAddress packs a source/destination nibble pair into an address byte
// (spec §3: "address (u8, high nibble = source, low = destination)").
func PackAddress(src, dst byte) byte {
	return (src&0x0F)<<4 | (dst & 0x0F)
}

// SwapAddress returns addr with its source/destination nibbles exchanged
// (spec §4.5 step 6: "source/destination nibbles swapped").
func SwapAddress(addr byte) byte {
	return addr<<4&0xF0 | addr>>4&0x0F
}

// Marshal serializes p into wire-format bytes (spec §4.3):
// header(4) || address(1) || nonce(13) || payload || mac(8).
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("marshal packet: payload too large: %w", ErrMalformedPacket)
	}

	out := make([]byte, TLOverheadSize+len(p.Payload))

	out[0] = protocolVersion
	out[1] = encodeFlagsCommand(p.SequenceBit, p.ReliabilityBit, p.Command)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(p.Payload))) //nolint:gosec // G115: bounded above
	out[4] = p.Address
	copy(out[5:5+NonceSize], p.Nonce[:])
	copy(out[TLPreludeSize:TLPreludeSize+len(p.Payload)], p.Payload)
	copy(out[len(out)-MACSize:], p.MAC[:])

	return out, nil
}

func encodeFlagsCommand(seq, rel bool, cmd CommandID) byte {
	b := byte(cmd) & commandMask
	if seq {
		b |= seqBitMask
	}
	if rel {
		b |= relBitMask
	}

	return b
}

// Unmarshal parses wire-format bytes produced by a single frame payload
// into a Packet (spec §4.3). It rejects packets shorter than
// TLOverheadSize or whose length does not match the declared payload
// length, and rejects unrecognized command IDs.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < TLOverheadSize {
		return nil, fmt.Errorf("unmarshal packet: length %d < %d: %w", len(buf), TLOverheadSize, ErrMalformedPacket)
	}

	if buf[0] != protocolVersion {
		return nil, fmt.Errorf("unmarshal packet: version 0x%02X: %w", buf[0], ErrMalformedPacket)
	}

	payloadLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	wantLen := TLOverheadSize + payloadLen

	if len(buf) != wantLen {
		return nil, fmt.Errorf("unmarshal packet: length %d, expected %d: %w", len(buf), wantLen, ErrMalformedPacket)
	}

	cmd := CommandID(buf[1] & commandMask)
	if !cmd.IsValid() {
		return nil, fmt.Errorf("unmarshal packet: command 0x%02X: %w", uint8(cmd), ErrInvalidCommandID)
	}

	p := &Packet{
		SequenceBit:    buf[1]&seqBitMask != 0,
		ReliabilityBit: buf[1]&relBitMask != 0,
		Command:        cmd,
		Address:        buf[4],
	}
	copy(p.Nonce[:], buf[5:5+NonceSize])

	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, buf[TLPreludeSize:TLPreludeSize+payloadLen])
	copy(p.MAC[:], buf[len(buf)-MACSize:])

	return p, nil
}

// ErrAddressOutOfRange indicates an address nibble outside [0, 15].
var ErrAddressOutOfRange = errors.New("pump: address nibble out of range")

// signedBytes returns the bytes the MAC or CRC is computed over:
// everything up to (but excluding) the MAC field.
func (p *Packet) signedBytes(raw []byte) []byte {
	return raw[:len(raw)-MACSize]
}

// SignMAC serializes p, computes its MAC with cipher, and sets p.MAC
// (spec §4.3: direction-appropriate cipher; outgoing uses the CP cipher).
func (p *Packet) SignMAC(cipher *Cipher) ([]byte, error) {
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sign mac: %w", err)
	}

	mac := cipher.MAC(p.signedBytes(raw))
	p.MAC = mac
	copy(raw[len(raw)-MACSize:], mac[:])

	return raw, nil
}

// VerifyMAC checks p's MAC against cipher (spec §4.3: incoming uses the
// PC cipher, or the weak cipher for KEY_RESPONSE).
func (p *Packet) VerifyMAC(raw []byte, cipher *Cipher) error {
	want := cipher.MAC(p.signedBytes(raw))
	if want != p.MAC {
		return fmt.Errorf("verify mac: command %s: %w", p.Command, ErrAuthenticationFailure)
	}

	return nil
}

// SignCRC serializes p, computes the header+address+nonce CRC16, and
// places it as the 2-byte payload (spec §4.3: pairing packets carry a
// CRC instead of a MAC; §8 test vector 1 confirms the CRC spans the
// 18-byte prelude, not just the 4-byte header).
func (p *Packet) SignCRC() ([]byte, error) {
	p.Payload = make([]byte, 2)

	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sign crc: %w", err)
	}

	crc := CRC16(raw[:TLPreludeSize])
	raw[TLPreludeSize] = byte(crc)
	raw[TLPreludeSize+1] = byte(crc >> 8)
	p.Payload[0] = byte(crc)
	p.Payload[1] = byte(crc >> 8)

	return raw, nil
}

// VerifyCRC checks p's pairing CRC payload against the prelude CRC16.
func (p *Packet) VerifyCRC(raw []byte) error {
	return verifyCRCPayload(raw[:TLPreludeSize], p.Payload)
}
