// Package pump implements the transport-layer and application-layer
// protocol stack for a paired insulin pump's Bluetooth RFCOMM control
// channel: cipher primitives, frame codec, packet codec, nonce
// management, the pairing state machine, the reliable transport-layer
// session, application-layer command framing, the connection
// orchestrator, and the remote-terminal display-frame assembler.
package pump
