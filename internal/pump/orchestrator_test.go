package pump_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-health/pumpcore/internal/pump"
)

// fakePumpPeer plays the pump's side of the connect pipeline: it ACKs
// every reliable TL packet and answers recognized CTRL requests with the
// matching DATA response, using its own independent, monotonically
// increasing nonce counter.
type fakePumpPeer struct {
	tr    *chanTransport
	pc    *pump.Cipher
	nonce pump.Nonce
}

var orchestratorResponseFor = map[pump.AppCommandID]pump.AppCommandID{
	pump.CtrlConnect:             pump.CtrlConnectResponse,
	pump.CtrlGetServiceVersion:   pump.CtrlServiceVersionResponse,
	pump.CtrlBind:                pump.CtrlBindResponse,
	pump.CtrlActivateService:     pump.CtrlActivateServiceResponse,
	pump.CtrlDeactivateAllServices: pump.CtrlAllServicesDeactivated,
	pump.CtrlDisconnect:          pump.CtrlDisconnect, // unused by tests that reach teardown
}

func (f *fakePumpPeer) nextNonce() pump.Nonce {
	cur := f.nonce
	f.nonce.Increment()
	return cur
}

func (f *fakePumpPeer) sendSigned(pkt *pump.Packet) error {
	raw, err := pkt.SignMAC(f.pc)
	if err != nil {
		return err
	}

	f.tr.in <- pump.EncodeFrame(raw)
	return nil
}

func (f *fakePumpPeer) run(stop <-chan struct{}) {
	dec := pump.NewFrameDecoder()

	for {
		select {
		case <-stop:
			return
		case chunk := <-f.tr.out:
			for _, raw := range dec.Push(chunk) {
				pkt, err := pump.Unmarshal(raw)
				if err != nil {
					continue
				}

				if pkt.ReliabilityBit {
					ack := &pump.Packet{
						SequenceBit: pkt.SequenceBit,
						Command:     pump.CmdAckResponse,
						Address:     sessionTestAddr,
						Nonce:       f.nextNonce(),
					}
					_ = f.sendSigned(ack)
				}

				if pkt.Command == pump.CmdRequestRegularConnection {
					accepted := &pump.Packet{
						Command: pump.CmdRegularConnectionRequestAccepted,
						Address: sessionTestAddr,
						Nonce:   f.nextNonce(),
					}
					_ = f.sendSigned(accepted)
					continue
				}

				if pkt.Command != pump.CmdData {
					continue
				}

				app, err := pump.UnmarshalAppPacket(pkt.Payload)
				if err != nil {
					continue
				}

				respCmd, ok := orchestratorResponseFor[app.Command]
				if !ok || respCmd == app.Command {
					continue
				}

				respPkt := &pump.Packet{
					Command: pump.CmdData,
					Address: sessionTestAddr,
					Nonce:   f.nextNonce(),
					Payload: pump.MarshalAppPacket(&pump.AppPacket{Service: pump.ServiceControl, Command: respCmd}),
				}
				_ = f.sendSigned(respPkt)
			}
		}
	}
}

func TestOrchestratorConnectHappyPath(t *testing.T) {
	t.Parallel()

	session, tr, _, pc := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go session.Run(ctx)

	stop := make(chan struct{})
	defer close(stop)

	peer := &fakePumpPeer{tr: tr, pc: pc}
	go peer.run(stop)

	orch := pump.NewOrchestrator(session, nil)

	var mu sync.Mutex
	var last float64
	progress := func(fraction float64) {
		mu.Lock()
		defer mu.Unlock()
		last = fraction
	}

	if err := orch.Connect(ctx, progress); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
}

func TestOrchestratorConnectAlreadyCancelledContextDoesNotSendAndTearsDownCleanly(t *testing.T) {
	t.Parallel()

	session, tr, _, _ := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := pump.NewOrchestrator(session, nil)

	err := orch.Connect(ctx, nil)
	if err == nil {
		t.Fatal("Connect() with a pre-cancelled context returned nil error")
	}

	select {
	case <-tr.out:
		t.Error("a frame was sent despite the context already being cancelled before any step ran")
	default:
	}
}

func TestOrchestratorDeactivateAllAndActivateCommandMode(t *testing.T) {
	t.Parallel()

	session, tr, _, pc := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go session.Run(ctx)

	stop := make(chan struct{})
	defer close(stop)

	peer := &fakePumpPeer{tr: tr, pc: pc}
	go peer.run(stop)

	orch := pump.NewOrchestrator(session, nil)

	if err := orch.ActivateCommandMode(ctx); err != nil {
		t.Fatalf("ActivateCommandMode() error: %v", err)
	}
}
