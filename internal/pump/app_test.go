package pump_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

func TestServiceIDString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id   pump.ServiceID
		want string
	}{
		{pump.ServiceControl, "CONTROL"},
		{pump.ServiceRTMode, "RT_MODE"},
		{pump.ServiceCommand, "COMMAND_MODE"},
		{pump.ServiceID(0xEE), "Unknown(0xEE)"},
	}

	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("ServiceID(0x%02X).String() = %q, want %q", byte(tt.id), got, tt.want)
		}
	}
}

func TestAppCommandIDIsReliable(t *testing.T) {
	t.Parallel()

	if !pump.CtrlConnect.IsReliable() {
		t.Error("CtrlConnect.IsReliable() = false, want true")
	}

	if pump.CtrlConnectResponse.IsReliable() {
		t.Error("CtrlConnectResponse.IsReliable() = true, want false")
	}
}

func TestMarshalUnmarshalAppPacketRoundTrip(t *testing.T) {
	t.Parallel()

	p := &pump.AppPacket{
		Service: pump.ServiceControl,
		Command: pump.CtrlConnect,
		Payload: pump.CtrlConnectPayload(0xAABBCCDD),
	}

	raw := pump.MarshalAppPacket(p)

	got, err := pump.UnmarshalAppPacket(raw)
	if err != nil {
		t.Fatalf("UnmarshalAppPacket() error: %v", err)
	}

	if got.Service != p.Service {
		t.Errorf("Service = %v, want %v", got.Service, p.Service)
	}
	if got.Command != p.Command {
		t.Errorf("Command = 0x%04X, want 0x%04X", got.Command, p.Command)
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("Payload = %x, want %x", got.Payload, p.Payload)
	}
}

func TestUnmarshalAppPacketRejectsShortBuffer(t *testing.T) {
	t.Parallel()

	_, err := pump.UnmarshalAppPacket([]byte{0x10, 0x00})
	if !errors.Is(err, pump.ErrMalformedPacket) {
		t.Errorf("UnmarshalAppPacket() error = %v, want ErrMalformedPacket", err)
	}
}

func TestUnmarshalAppPacketRejectsBadVersion(t *testing.T) {
	t.Parallel()

	_, err := pump.UnmarshalAppPacket([]byte{0xFF, 0x00, 0x55, 0x90})
	if !errors.Is(err, pump.ErrMalformedPacket) {
		t.Errorf("UnmarshalAppPacket() error = %v, want ErrMalformedPacket", err)
	}
}

func TestCtrlBindPayload(t *testing.T) {
	t.Parallel()

	if got := pump.CtrlBindPayload(); len(got) != 1 {
		t.Errorf("CtrlBindPayload() length = %d, want 1", len(got))
	}
}

func TestRTButtonStatusPayloadChangedVsHeld(t *testing.T) {
	t.Parallel()

	changed := pump.RTButtonStatusPayload(1, pump.ButtonUp, true)
	held := pump.RTButtonStatusPayload(1, pump.ButtonUp, false)

	if bytes.Equal(changed, held) {
		t.Error("changed and held payloads are identical, want different status flags")
	}

	if changed[2] != byte(pump.ButtonUp) {
		t.Errorf("button byte = 0x%02X, want 0x%02X", changed[2], byte(pump.ButtonUp))
	}
}

func TestParseRTDisplayPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 101)
	raw[0], raw[1] = 0x34, 0x12 // rtSeq = 0x1234
	raw[2] = 0x01               // reason
	raw[3] = 0x02                // index
	raw[4] = 0x03                // row
	for i := range raw[5:] {
		raw[5+i] = byte(i)
	}

	row, err := pump.ParseRTDisplayPayload(raw)
	if err != nil {
		t.Fatalf("ParseRTDisplayPayload() error: %v", err)
	}

	if row.RTSeq != 0x1234 {
		t.Errorf("RTSeq = 0x%04X, want 0x1234", row.RTSeq)
	}
	if row.Reason != 1 || row.Index != 2 || row.Row != 3 {
		t.Errorf("Reason/Index/Row = %d/%d/%d, want 1/2/3", row.Reason, row.Index, row.Row)
	}
	if row.Pixels[0] != 0 || row.Pixels[95] != 95 {
		t.Errorf("Pixels not copied correctly: [0]=%d [95]=%d", row.Pixels[0], row.Pixels[95])
	}
}

func TestParseRTDisplayPayloadRejectsWrongLength(t *testing.T) {
	t.Parallel()

	_, err := pump.ParseRTDisplayPayload(make([]byte, 10))
	if !errors.Is(err, pump.ErrMalformedPacket) {
		t.Errorf("ParseRTDisplayPayload() error = %v, want ErrMalformedPacket", err)
	}
}
