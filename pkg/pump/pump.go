package pump

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

// ConnectProgress reports fractional progress through Connect's pipeline
// in [0, 1] (spec §4.8).
type ConnectProgress = pump.ConnectProgress

// Button identifies an RT-mode remote button (spec §4.7).
type Button = pump.Button

const (
	ButtonNone  = pump.ButtonNone
	ButtonUp    = pump.ButtonUp
	ButtonDown  = pump.ButtonDown
	ButtonMenu  = pump.ButtonMenu
	ButtonCheck = pump.ButtonCheck
)

// ConnectionState is the coarse lifecycle state of a Pump handle
// (spec §6).
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// longPressInterval is how often a held button resends RT_BUTTON_STATUS
// with the "held" flag while StartLongPress is active (spec §4.7).
const longPressInterval = 200 * time.Millisecond

// Pump is a handle to one previously paired pump. It is safe for
// concurrent use; Connect/Disconnect serialize against each other but
// button and display operations may be called from any goroutine once
// connected (spec §6: "Pump").
type Pump struct {
	address string
	bt      BluetoothInterface
	store   pump.PumpStateStore
	logger  *slog.Logger
	metrics MetricsReporter

	mu        sync.Mutex
	state     ConnectionState
	transport pump.Transport
	session   *pump.TLSession
	orch      *pump.Orchestrator
	cancelRun context.CancelFunc
	runDone   chan struct{}

	rtSeq uint16

	longPressMu   sync.Mutex
	longPressStop chan struct{}
}

func newPump(address string, bt BluetoothInterface, store pump.PumpStateStore, logger *slog.Logger, metrics MetricsReporter) *Pump {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Pump{address: address, bt: bt, store: store, logger: logger, metrics: metrics, state: StateDisconnected}
}

// Address returns the pump's adapter-level address.
func (p *Pump) Address() string { return p.address }

// State returns the pump's current connection state.
func (p *Pump) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Connect opens the transport, restores the persisted session keys, and
// runs the connect pipeline, reporting progress along the way
// (spec §4.8).
func (p *Pump) Connect(ctx context.Context, progress ConnectProgress) error {
	p.mu.Lock()
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return fmt.Errorf("connect %q: already %s", p.address, p.state)
	}
	p.state = StateConnecting
	p.mu.Unlock()

	if err := p.connectLocked(ctx, progress); err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.mu.Unlock()

		p.metrics.RecordConnectAttempt(outcomeFailure)

		return err
	}

	p.mu.Lock()
	p.state = StateConnected
	p.mu.Unlock()

	p.metrics.RecordConnectAttempt(outcomeSuccess)
	p.metrics.RegisterSession(p.address)

	return nil
}

func (p *Pump) connectLocked(ctx context.Context, progress ConnectProgress) error {
	data, err := p.store.GetInvariantPumpData(ctx, p.address)
	if err != nil {
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	cp, err := pump.NewCipher(data.ClientPumpKey[:])
	if err != nil {
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	pc, err := pump.NewCipher(data.PumpClientKey[:])
	if err != nil {
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	transport, err := p.bt.GetDevice(ctx, p.address)
	if err != nil {
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	if err := transport.Open(ctx); err != nil {
		return fmt.Errorf("connect %q: open transport: %w", p.address, err)
	}

	nonce, err := p.store.GetCurrentTxNonce(ctx, p.address)
	if err != nil {
		transport.Close()
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	// The store holds the nonce of the last packet sent; resume one past it.
	if err := nonce.Increment(); err != nil {
		transport.Close()
		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	nonces := pump.NewNonceTrackerFrom(nonce)

	conn := pump.NewFramedConn(transport)
	session := pump.NewTLSession(conn, cp, pc, data.KeyResponseAddress, nonces, p.store, p.address, p.logger)
	session.SetStats(sessionStatsAdapter{metrics: p.metrics, address: p.address})

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := session.Run(runCtx); err != nil {
			p.logger.Warn("session run ended", slog.String("address", p.address), slog.String("error", err.Error()))
		}
	}()

	orch := pump.NewOrchestrator(session, p.logger)

	if err := orch.Connect(ctx, ConnectProgress(progress)); err != nil {
		cancel()
		<-runDone
		transport.Close()

		return fmt.Errorf("connect %q: %w", p.address, err)
	}

	p.mu.Lock()
	p.transport = transport
	p.session = session
	p.orch = orch
	p.cancelRun = cancel
	p.runDone = runDone
	p.mu.Unlock()

	return nil
}

// Disconnect tears down an active connection. It is safe to call on an
// already-disconnected Pump.
func (p *Pump) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDisconnected {
		p.mu.Unlock()
		return nil
	}

	orch, transport, cancel, runDone := p.orch, p.transport, p.cancelRun, p.runDone
	p.state = StateDisconnected
	p.orch, p.transport, p.session, p.cancelRun, p.runDone = nil, nil, nil, nil, nil
	p.mu.Unlock()

	p.metrics.UnregisterSession(p.address)

	var err error
	if orch != nil {
		err = orch.Disconnect(ctx)
	}

	if cancel != nil {
		cancel()
	}
	if runDone != nil {
		<-runDone
	}
	if transport != nil {
		transport.Close()
	}

	if err != nil {
		return fmt.Errorf("disconnect %q: %w", p.address, err)
	}

	return nil
}

func (p *Pump) nextRTSeq() uint16 {
	p.rtSeq++
	return p.rtSeq
}

func (p *Pump) currentSession() (*pump.TLSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil, fmt.Errorf("pump %q: %w", p.address, pump.ErrSessionClosed)
	}

	return p.session, nil
}

// SendShortButtonPress sends a single RT_BUTTON_STATUS press-and-release
// for button (spec §4.7, §6: "short press").
func (p *Pump) SendShortButtonPress(ctx context.Context, button Button) error {
	session, err := p.currentSession()
	if err != nil {
		return err
	}

	seq := p.nextRTSeq()

	app := &pump.AppPacket{
		Service: pump.ServiceRTMode,
		Command: pump.RTButtonStatus,
		Payload: pump.RTButtonStatusPayload(seq, pump.Button(button), true),
	}
	if err := session.SendData(ctx, app); err != nil {
		return fmt.Errorf("send short button press: %w", err)
	}

	released := &pump.AppPacket{
		Service: pump.ServiceRTMode,
		Command: pump.RTButtonStatus,
		Payload: pump.RTButtonStatusPayload(p.nextRTSeq(), pump.ButtonNone, true),
	}

	if err := session.SendData(ctx, released); err != nil {
		return fmt.Errorf("send short button press: release: %w", err)
	}

	return nil
}

// StartLongButtonPress begins resending RT_BUTTON_STATUS with the "held"
// flag for button until StopLongButtonPress is called (spec §4.7,
// §6: "long press").
func (p *Pump) StartLongButtonPress(ctx context.Context, button Button) error {
	session, err := p.currentSession()
	if err != nil {
		return err
	}

	p.longPressMu.Lock()
	defer p.longPressMu.Unlock()

	if p.longPressStop != nil {
		return fmt.Errorf("start long button press: already held")
	}

	first := &pump.AppPacket{
		Service: pump.ServiceRTMode,
		Command: pump.RTButtonStatus,
		Payload: pump.RTButtonStatusPayload(p.nextRTSeq(), pump.Button(button), true),
	}
	if err := session.SendData(ctx, first); err != nil {
		return fmt.Errorf("start long button press: %w", err)
	}

	stop := make(chan struct{})
	p.longPressStop = stop

	go func() {
		ticker := time.NewTicker(longPressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held := &pump.AppPacket{
					Service: pump.ServiceRTMode,
					Command: pump.RTButtonStatus,
					Payload: pump.RTButtonStatusPayload(p.nextRTSeq(), pump.Button(button), false),
				}
				if err := session.SendData(ctx, held); err != nil {
					p.logger.Warn("long press repeat failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}()

	return nil
}

// StopLongButtonPress ends a held button started by StartLongButtonPress
// and sends the release.
func (p *Pump) StopLongButtonPress(ctx context.Context) error {
	p.longPressMu.Lock()
	stop := p.longPressStop
	p.longPressStop = nil
	p.longPressMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	session, err := p.currentSession()
	if err != nil {
		return err
	}

	released := &pump.AppPacket{
		Service: pump.ServiceRTMode,
		Command: pump.RTButtonStatus,
		Payload: pump.RTButtonStatusPayload(p.nextRTSeq(), pump.ButtonNone, true),
	}

	if err := session.SendData(ctx, released); err != nil {
		return fmt.Errorf("stop long button press: %w", err)
	}

	return nil
}

// DisplayFrames returns a channel of reassembled display frames
// (spec §4.9). The channel is closed when ctx is cancelled.
func (p *Pump) DisplayFrames(ctx context.Context) (<-chan *DisplayFrame, error) {
	session, err := p.currentSession()
	if err != nil {
		return nil, err
	}

	rows := session.Subscribe(pump.ServiceRTMode, pump.RTDisplay)
	out := make(chan *DisplayFrame, 1)

	go func() {
		defer close(out)
		defer session.Unsubscribe(pump.ServiceRTMode, pump.RTDisplay)

		assembler := pump.NewDisplayAssembler()

		for {
			select {
			case <-ctx.Done():
				return
			case app, ok := <-rows:
				if !ok {
					return
				}

				row, err := pump.ParseRTDisplayPayload(app.Payload)
				if err != nil {
					p.logger.Warn("display row parse failed", slog.String("error", err.Error()))
					continue
				}

				frame, complete := assembler.Push(row)
				if !complete {
					continue
				}

				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// DisplayFrame is a fully assembled 96x32 monochrome remote-terminal
// frame (spec §3, §4.9).
type DisplayFrame = pump.DisplayFrame
