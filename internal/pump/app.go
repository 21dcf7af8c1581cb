package pump

import (
	"encoding/binary"
	"fmt"
)

// App-layer constants (spec §4.7).
const (
	appVersion    byte = 0x10
	appHeaderSize      = 4
)

// ServiceID identifies the app-layer service a command belongs to
// (spec §3, §4.7).
type ServiceID byte

const (
	ServiceControl ServiceID = 0x00
	ServiceRTMode  ServiceID = 0x48
	ServiceCommand ServiceID = 0xB7
)

func (s ServiceID) String() string {
	switch s {
	case ServiceControl:
		return "CONTROL"
	case ServiceRTMode:
		return "RT_MODE"
	case ServiceCommand:
		return "COMMAND_MODE"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(s))
	}
}

// AppCommandID identifies an app-layer command (16-bit, little-endian on
// the wire) within its service (spec §4.7).
type AppCommandID uint16

const (
	CtrlConnect                   AppCommandID = 0x9055
	CtrlConnectResponse           AppCommandID = 0xA055
	CtrlGetServiceVersion         AppCommandID = 0x9065
	CtrlServiceVersionResponse    AppCommandID = 0xA065
	CtrlBind                      AppCommandID = 0x9095
	CtrlBindResponse              AppCommandID = 0xA095
	CtrlDisconnect                AppCommandID = 0x005A
	CtrlActivateService           AppCommandID = 0x9066
	CtrlActivateServiceResponse   AppCommandID = 0xA066
	CtrlDeactivateAllServices     AppCommandID = 0x906A
	CtrlAllServicesDeactivated    AppCommandID = 0xA06A
	RTButtonStatus                AppCommandID = 0x0565
	RTDisplay                     AppCommandID = 0x0555
)

// ctrlBindOpaqueByte is the historical CTRL_BIND sub-payload constant
// with no documented meaning (spec §4.7, §9 Open Questions).
const ctrlBindOpaqueByte = 0x48

// reliableCommands are the commands sent with the reliability bit set
// (spec §4.7 table, "Reliable" column).
var reliableCommands = map[AppCommandID]bool{
	CtrlConnect:               true,
	CtrlGetServiceVersion:     true,
	CtrlBind:                  true,
	CtrlDisconnect:            true,
	CtrlActivateService:       true,
	CtrlDeactivateAllServices: true,
}

// IsReliable reports whether c is sent with the TL reliability bit set.
func (c AppCommandID) IsReliable() bool {
	return reliableCommands[c]
}

// AppPacket is the application-layer envelope carried inside a TL DATA
// packet's payload (spec §3, §4.7).
type AppPacket struct {
	Service ServiceID
	Command AppCommandID
	Payload []byte
}

// MarshalAppPacket serializes an AppPacket into TL DATA payload bytes:
// 0x10 | serviceID | cmdID_lo | cmdID_hi | sub-payload.
func MarshalAppPacket(p *AppPacket) []byte {
	out := make([]byte, appHeaderSize+len(p.Payload))
	out[0] = appVersion
	out[1] = byte(p.Service)
	binary.LittleEndian.PutUint16(out[2:4], uint16(p.Command))
	copy(out[appHeaderSize:], p.Payload)

	return out
}

// UnmarshalAppPacket parses TL DATA payload bytes into an AppPacket.
func UnmarshalAppPacket(buf []byte) (*AppPacket, error) {
	if len(buf) < appHeaderSize {
		return nil, fmt.Errorf("unmarshal app packet: length %d: %w", len(buf), ErrMalformedPacket)
	}

	if buf[0] != appVersion {
		return nil, fmt.Errorf("unmarshal app packet: version 0x%02X: %w", buf[0], ErrMalformedPacket)
	}

	p := &AppPacket{
		Service: ServiceID(buf[1]),
		Command: AppCommandID(binary.LittleEndian.Uint16(buf[2:4])),
	}

	p.Payload = make([]byte, len(buf)-appHeaderSize)
	copy(p.Payload, buf[appHeaderSize:])

	return p, nil
}

// CtrlConnectPayload builds the CTRL_CONNECT sub-payload: a 32-bit
// serial number, any nonzero value accepted by the pump (spec §4.7).
func CtrlConnectPayload(serial uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, serial)

	return buf
}

// CtrlBindPayload builds the CTRL_BIND sub-payload: a single opaque byte.
func CtrlBindPayload() []byte {
	return []byte{ctrlBindOpaqueByte}
}

// CtrlActivateServicePayload builds the CTRL_ACTIVATE_SERVICE sub-payload:
// service ID + version major/minor.
func CtrlActivateServicePayload(service ServiceID, major, minor byte) []byte {
	return []byte{byte(service), major, minor}
}

// Button identifies an RT-mode button or bit-or'd combination
// (spec §4.7).
type Button byte

const (
	ButtonNone  Button = 0x00
	ButtonUp    Button = 0x30
	ButtonDown  Button = 0xC0
	ButtonMenu  Button = 0x03
	ButtonCheck Button = 0x0C
)

// rtStatusChanged marks the first packet of a press/release transition;
// rtStatusHeld marks repeats while a button remains held (spec §4.7).
const (
	rtStatusChanged byte = 0xB7
	rtStatusHeld    byte = 0x48
)

// RTButtonStatusPayload builds the RT_BUTTON_STATUS sub-payload:
// rtSeq_lo | rtSeq_hi | buttonCode | statusChangedFlag.
func RTButtonStatusPayload(rtSeq uint16, button Button, changed bool) []byte {
	flag := rtStatusHeld
	if changed {
		flag = rtStatusChanged
	}

	return []byte{byte(rtSeq), byte(rtSeq >> 8), byte(button), flag}
}

const rtDisplayPayloadSize = 101

// RTDisplayRow is a single parsed RT_DISPLAY sub-payload
// (spec §4.7: "rtSeq(2) | reason(1) | index(1) | row(1) | pixels(96)").
type RTDisplayRow struct {
	RTSeq  uint16
	Reason byte
	Index  byte
	Row    byte
	Pixels [displayRowBytes]byte
}

// ParseRTDisplayPayload parses an RT_DISPLAY sub-payload.
func ParseRTDisplayPayload(buf []byte) (*RTDisplayRow, error) {
	if len(buf) != rtDisplayPayloadSize {
		return nil, fmt.Errorf("parse rt display: length %d: %w", len(buf), ErrMalformedPacket)
	}

	row := &RTDisplayRow{
		RTSeq:  binary.LittleEndian.Uint16(buf[0:2]),
		Reason: buf[2],
		Index:  buf[3],
		Row:    buf[4],
	}
	copy(row.Pixels[:], buf[5:5+displayRowBytes])

	return row, nil
}
