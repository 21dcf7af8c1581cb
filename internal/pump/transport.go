package pump

import (
	"context"
	"fmt"
)

// Transport is the byte-stream collaborator the frame codec runs atop
// (spec §6: "Byte-stream transport (collaborator)"). Implementations
// carry RFCOMM socket I/O, SDP advertisement, and adapter-specific
// details entirely outside the core; the core only ever sees bytes.
type Transport interface {
	// Open establishes the underlying connection.
	Open(ctx context.Context) error

	// Send writes data to the peer. Safe to call concurrently with
	// Receive, but not with another Send.
	Send(ctx context.Context, data []byte) error

	// Receive blocks for the next chunk of bytes from the peer.
	// Implementations may return any nonzero-length slice; framing
	// does not require message-aligned reads.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. Concurrent Send/Receive calls
	// must return promptly with an error once Close is called.
	Close() error
}

// FramedConn pairs a Transport with a FrameDecoder, buffering any extra
// frames a single Receive call happened to produce (spec §4.2 framing
// runs atop the raw byte-stream transport).
type FramedConn struct {
	transport Transport
	decoder   *FrameDecoder
	pending   [][]byte
}

// NewFramedConn constructs a FramedConn over an already-open transport.
func NewFramedConn(transport Transport) *FramedConn {
	return &FramedConn{transport: transport, decoder: NewFrameDecoder()}
}

// SendFrame writes already-framed bytes (as produced by EncodeFrame) to
// the transport.
func (c *FramedConn) SendFrame(ctx context.Context, raw []byte) error {
	if err := c.transport.Send(ctx, raw); err != nil {
		return fmt.Errorf("send frame: %w", ErrTransportIO)
	}

	return nil
}

// RecvFrame blocks until the next complete, CRC-valid frame payload is
// available, reading as many transport chunks as necessary.
func (c *FramedConn) RecvFrame(ctx context.Context) ([]byte, error) {
	for len(c.pending) == 0 {
		chunk, err := c.transport.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("recv frame: %w", ErrTransportIO)
		}

		c.pending = c.decoder.Push(chunk)
	}

	frame := c.pending[0]
	c.pending = c.pending[1:]

	return frame, nil
}

// RecvPacket reads the next frame and parses it into a Packet, returning
// both the parsed packet and its raw (unmarshaled) wire bytes so callers
// can re-verify MAC/CRC against the exact bytes received.
func (c *FramedConn) RecvPacket(ctx context.Context) (*Packet, []byte, error) {
	raw, err := c.RecvFrame(ctx)
	if err != nil {
		return nil, nil, err
	}

	pkt, err := Unmarshal(raw)
	if err != nil {
		return nil, nil, err
	}

	return pkt, raw, nil
}
