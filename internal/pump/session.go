package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// retransmitInterval is the recommended reliable-send retransmit timeout
// (spec §4.6: "recommended 1.5s").
const retransmitInterval = 1500 * time.Millisecond

// reliableQueueDepth bounds the number of reliable sends a caller may
// have queued before further reliable sends fail at once with
// ErrQueueFull (spec §4.6:
// "bounded queue (backpressure if full)"). The wire protocol is a
// single-outstanding stop-and-wait design, so depth beyond 1 only
// absorbs bursts from concurrent callers; it does not pipeline sends.
const reliableQueueDepth = 8

// subKey identifies a waiter subscription by app-layer service/command.
type subKey struct {
	service ServiceID
	command AppCommandID
}

// SessionStats receives optional instrumentation events from a
// TLSession. A session with no stats attached skips these calls
// entirely; pkg/pump wires a *pumpmetrics.Collector-backed
// implementation in, internal/pump itself stays free of that
// dependency.
type SessionStats interface {
	IncAuthFailures()
	IncRetransmits()
	IncReliableTimeouts()
}

// TLSession is the authenticated, reliable transport-layer session used
// after pairing (spec §4.6). It owns the TX nonce, the outstanding
// reliable-send slot, and dispatch of incoming DATA packets to app-layer
// waiters. One receiver goroutine drives all incoming traffic; sends may
// be issued from any goroutine and are serialized internally.
type TLSession struct {
	conn    *FramedConn
	cp, pc  *Cipher
	address byte
	nonces  *NonceTracker
	store   PumpStateStore
	storeAddr string
	logger  *slog.Logger
	stats   SessionStats

	sendMu sync.Mutex // serializes the single-outstanding reliable slot
	seqBit bool

	// pendingAck/pendingAckSeq track the one reliable send in flight.
	// Guarded by ackMu rather than sendMu: sendMu is held for the whole
	// round-trip of a reliable send (up to two retransmit intervals),
	// and the receiver goroutine must be able to record an ACK without
	// waiting on that.
	ackMu         sync.Mutex
	pendingAck    chan struct{}
	pendingAckSeq bool

	// rxHasAcked/rxLastAckedSeq track the last incoming reliable packet
	// this side acknowledged, so a retransmitted duplicate can be
	// re-ACKed without being dispatched twice (spec §4.6).
	rxHasAcked     bool
	rxLastAckedSeq bool

	subMu sync.Mutex
	subs  map[subKey]chan *AppPacket

	// rawWaitMu/rawWaiters back AwaitRaw: a one-shot, buffered signal
	// per raw (non-DATA) command a caller is waiting on, populated by
	// handlePacket's receive loop rather than a second reader of conn,
	// so AwaitRaw is safe to call while Run is already driving receives
	// (spec §4.6 step 2: REGULAR_CONNECTION_REQUEST_ACCEPTED).
	rawWaitMu sync.Mutex
	rawWaiters map[CommandID]chan struct{}

	// sendSlots bounds the number of reliable sends callers may have
	// queued waiting for the single-outstanding slot (spec §4.6:
	// "bounded queue (backpressure if full)").
	sendSlots chan struct{}

	fatalOnce sync.Once
	fatalErr  error
	doneCh    chan struct{}
}

// NewTLSession constructs a session over an already-framed connection
// using the keys and address derived at pairing.
func NewTLSession(conn *FramedConn, cp, pc *Cipher, address byte, nonces *NonceTracker, store PumpStateStore, storeAddr string, logger *slog.Logger) *TLSession {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &TLSession{
		conn:       conn,
		cp:         cp,
		pc:         pc,
		address:    address,
		nonces:     nonces,
		store:      store,
		storeAddr:  storeAddr,
		logger:     logger,
		subs:       make(map[subKey]chan *AppPacket),
		rawWaiters: make(map[CommandID]chan struct{}),
		sendSlots:  make(chan struct{}, reliableQueueDepth),
		doneCh:     make(chan struct{}),
	}
}

// Run drives the receive loop until ctx is cancelled or a fatal protocol
// error occurs (spec §5: "a receiver that reads frames, decodes, and
// routes"). Run blocks; callers typically invoke it in its own goroutine.
func (s *TLSession) Run(ctx context.Context) error {
	defer close(s.doneCh)

	for {
		pkt, raw, err := s.conn.RecvPacket(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}

			s.fail(err)
			return err
		}

		if err := s.handlePacket(ctx, pkt, raw); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}

			s.fail(err)
			return err
		}
	}
}

// SetStats attaches an instrumentation sink. Must be called before Run
// starts reading, since it's read without synchronization thereafter.
func (s *TLSession) SetStats(stats SessionStats) { s.stats = stats }

// Done returns a channel closed when the session's receive loop exits.
func (s *TLSession) Done() <-chan struct{} { return s.doneCh }

// Err returns the fatal error that ended the session, if any.
func (s *TLSession) Err() error { return s.fatalErr }

func (s *TLSession) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.logger.Error("session ended", slog.String("error", err.Error()))
	})
}

// handlePacket classifies and routes one incoming TL packet
// (spec §4.6: "Receiving").
func (s *TLSession) handlePacket(ctx context.Context, pkt *Packet, raw []byte) error {
	if err := pkt.VerifyMAC(raw, s.pc); err != nil {
		s.logger.Warn("dropping packet: mac verification failed", slog.String("command", pkt.Command.String()))
		if s.stats != nil {
			s.stats.IncAuthFailures()
		}
		return fmt.Errorf("handle packet: %w", err)
	}

	if err := s.nonces.Accept(pkt.Nonce); err != nil {
		return fmt.Errorf("handle packet: %w", err)
	}

	if pkt.ReliabilityBit {
		isDuplicate := s.rxHasAcked && pkt.SequenceBit == s.rxLastAckedSeq

		if err := s.sendAckResponse(ctx, pkt.SequenceBit); err != nil {
			s.logger.Warn("failed to ack incoming reliable packet", slog.String("error", err.Error()))
		}

		s.rxHasAcked = true
		s.rxLastAckedSeq = pkt.SequenceBit

		// Duplicate of the previously acknowledged packet: re-ACKed
		// above, otherwise dropped (spec §4.6).
		if isDuplicate {
			return nil
		}
	}

	switch pkt.Command {
	case CmdAckResponse:
		s.handleAck(pkt)
		return nil

	case CmdErrorResponse:
		var code byte
		if len(pkt.Payload) > 0 {
			code = pkt.Payload[0]
		}

		return &PumpError{Code: code}

	case CmdDisconnect:
		return ErrSessionClosed

	case CmdData:
		s.dispatchData(pkt)
		return nil

	case CmdRegularConnectionRequestAccepted:
		s.signalRaw(pkt.Command)
		return nil

	default:
		s.logger.Warn("dropping unexpected packet", slog.String("command", pkt.Command.String()))
		return nil
	}
}

// signalRaw wakes a pending (or future) AwaitRaw(cmd) caller. Buffered so
// a packet that arrives before anyone is waiting on it is not lost.
func (s *TLSession) signalRaw(cmd CommandID) {
	s.rawWaitMu.Lock()
	ch, ok := s.rawWaiters[cmd]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rawWaiters[cmd] = ch
	}
	s.rawWaitMu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *TLSession) handleAck(pkt *Packet) {
	s.ackMu.Lock()
	ch := s.pendingAck
	expectSeq := s.pendingAckSeq
	s.ackMu.Unlock()

	if ch == nil || pkt.SequenceBit != expectSeq {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

// sendAckResponse sends an ACK_RESPONSE carrying seq, acknowledging an
// incoming reliable packet (spec §4.6).
func (s *TLSession) sendAckResponse(ctx context.Context, seq bool) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.nonces.Next()
	if err != nil {
		return fmt.Errorf("send ack response: %w", err)
	}

	pkt := &Packet{
		SequenceBit: seq,
		Command:     CmdAckResponse,
		Address:     s.address,
		Nonce:       nonce,
	}

	raw, err := pkt.SignMAC(s.cp)
	if err != nil {
		return fmt.Errorf("send ack response: %w", err)
	}

	if s.store != nil {
		if err := s.store.SetCurrentTxNonce(ctx, s.storeAddr, nonce); err != nil {
			return fmt.Errorf("send ack response: persist nonce: %w", err)
		}
	}

	if err := s.conn.SendFrame(ctx, EncodeFrame(raw)); err != nil {
		return fmt.Errorf("send ack response: %w", err)
	}

	return nil
}

func (s *TLSession) dispatchData(pkt *Packet) {
	app, err := UnmarshalAppPacket(pkt.Payload)
	if err != nil {
		s.logger.Warn("dropping malformed app packet", slog.String("error", err.Error()))
		return
	}

	s.subMu.Lock()
	ch, ok := s.subs[subKey{service: app.Service, command: app.Command}]
	s.subMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- app:
	default:
		s.logger.Warn("app waiter channel full, dropping packet",
			slog.String("service", app.Service.String()))
	}
}

// Subscribe registers a channel that receives every DATA packet matching
// (service, command) until Unsubscribe is called. Used for both one-shot
// CTRL response waits and the continuous RT_DISPLAY/RT_BUTTON streams.
func (s *TLSession) Subscribe(service ServiceID, command AppCommandID) <-chan *AppPacket {
	ch := make(chan *AppPacket, 1)

	s.subMu.Lock()
	s.subs[subKey{service: service, command: command}] = ch
	s.subMu.Unlock()

	return ch
}

// Unsubscribe removes a previously registered waiter.
func (s *TLSession) Unsubscribe(service ServiceID, command AppCommandID) {
	s.subMu.Lock()
	delete(s.subs, subKey{service: service, command: command})
	s.subMu.Unlock()
}

// SendData sends an app-layer packet wrapped in a TL DATA packet.
// Reliable sends block until acknowledged, retransmitting once after
// retransmitInterval and failing with ErrTimeout if the second attempt
// also goes unacknowledged (spec §4.6).
func (s *TLSession) SendData(ctx context.Context, app *AppPacket) error {
	reliable := app.Command.IsReliable()

	if reliable {
		select {
		case s.sendSlots <- struct{}{}:
			defer func() { <-s.sendSlots }()
		default:
			return fmt.Errorf("send data: %w", ErrQueueFull)
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	payload := MarshalAppPacket(app)

	nonce, err := s.nonces.Next()
	if err != nil {
		return fmt.Errorf("send data: %w", err)
	}

	seq := s.seqBit
	pkt := &Packet{
		SequenceBit:    seq,
		ReliabilityBit: reliable,
		Command:        CmdData,
		Address:        s.address,
		Nonce:          nonce,
		Payload:        payload,
	}

	raw, err := pkt.SignMAC(s.cp)
	if err != nil {
		return fmt.Errorf("send data: %w", err)
	}

	// Nonce must be durable before the packet reaches the wire
	// (spec §5: "write-ahead").
	if s.store != nil {
		if err := s.store.SetCurrentTxNonce(ctx, s.storeAddr, nonce); err != nil {
			return fmt.Errorf("send data: persist nonce: %w", err)
		}
	}

	if !reliable {
		if err := s.conn.SendFrame(ctx, EncodeFrame(raw)); err != nil {
			return fmt.Errorf("send data: %w", err)
		}

		return nil
	}

	return s.sendReliable(ctx, raw, seq)
}

func (s *TLSession) sendReliable(ctx context.Context, raw []byte, seq bool) error {
	ackCh := make(chan struct{}, 1)

	s.ackMu.Lock()
	s.pendingAck = ackCh
	s.pendingAckSeq = seq
	s.ackMu.Unlock()

	defer func() {
		s.ackMu.Lock()
		s.pendingAck = nil
		s.ackMu.Unlock()
	}()

	frame := EncodeFrame(raw)

	if err := s.conn.SendFrame(ctx, frame); err != nil {
		return fmt.Errorf("send reliable: %w", err)
	}

	timer := time.NewTimer(retransmitInterval)
	defer timer.Stop()

	select {
	case <-ackCh:
		s.seqBit = !s.seqBit
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send reliable: %w", ErrCancelled)
	case <-timer.C:
	}

	// Single retransmit (spec §4.6).
	if s.stats != nil {
		s.stats.IncRetransmits()
	}
	if err := s.conn.SendFrame(ctx, frame); err != nil {
		return fmt.Errorf("send reliable: retransmit: %w", err)
	}

	timer.Reset(retransmitInterval)

	select {
	case <-ackCh:
		s.seqBit = !s.seqBit
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send reliable: %w", ErrCancelled)
	case <-timer.C:
		if s.stats != nil {
			s.stats.IncReliableTimeouts()
		}
		return fmt.Errorf("send reliable: %w", ErrTimeout)
	}
}

// SendRaw sends a TL packet that carries no app-layer payload (used for
// REQUEST_REGULAR_CONNECTION).
func (s *TLSession) SendRaw(ctx context.Context, cmd CommandID, reliable bool) error {
	if reliable {
		select {
		case s.sendSlots <- struct{}{}:
			defer func() { <-s.sendSlots }()
		default:
			return fmt.Errorf("send raw: %w", ErrQueueFull)
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.nonces.Next()
	if err != nil {
		return fmt.Errorf("send raw: %w", err)
	}

	seq := s.seqBit
	pkt := &Packet{
		SequenceBit:    seq,
		ReliabilityBit: reliable,
		Command:        cmd,
		Address:        s.address,
		Nonce:          nonce,
	}

	raw, err := pkt.SignMAC(s.cp)
	if err != nil {
		return fmt.Errorf("send raw: %w", err)
	}

	if s.store != nil {
		if err := s.store.SetCurrentTxNonce(ctx, s.storeAddr, nonce); err != nil {
			return fmt.Errorf("send raw: persist nonce: %w", err)
		}
	}

	if !reliable {
		if err := s.conn.SendFrame(ctx, EncodeFrame(raw)); err != nil {
			return fmt.Errorf("send raw: %w", err)
		}

		return nil
	}

	return s.sendReliable(ctx, raw, seq)
}

// AwaitRaw blocks until handlePacket has routed a raw TL command of the
// given kind, used for REGULAR_CONNECTION_REQUEST_ACCEPTED during
// connection setup (spec §4.6 step 2). It is driven by Run's own receive
// loop via signalRaw rather than a second reader of conn, so it is safe
// to call while Run is already running in its own goroutine -- the
// expected arrangement, since the preceding reliable SendRaw needs Run
// active to receive its ACK.
func (s *TLSession) AwaitRaw(ctx context.Context, want CommandID) error {
	s.rawWaitMu.Lock()
	ch, ok := s.rawWaiters[want]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rawWaiters[want] = ch
	}
	s.rawWaitMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-s.doneCh:
		if s.fatalErr != nil {
			return fmt.Errorf("await raw: %w", s.fatalErr)
		}
		return fmt.Errorf("await raw: %w", ErrSessionClosed)
	case <-ctx.Done():
		return fmt.Errorf("await raw: %w", ErrCancelled)
	}
}
