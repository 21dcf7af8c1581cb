package pump

import (
	"context"
	"fmt"
	"log/slog"
)

// connectSerial is the CTRL_CONNECT serial number reported on every
// connect. The pump accepts any nonzero value (spec §4.7).
const connectSerial uint32 = 0x00000001

// ConnectProgress reports fractional progress through the connect
// pipeline in [0, 1] (spec §4.8).
type ConnectProgress func(fraction float64)

// connectSteps is the fixed, ordered pipeline a connect attempt runs
// through (spec §4.8): transport-open -> TL regular-connection ->
// CTRL_CONNECT -> CTRL_GET_SERVICE_VERSION -> CTRL_BIND ->
// CTRL_ACTIVATE_SERVICE(RT_MODE).
const connectStepCount = 6

// Orchestrator drives the end-to-end connect sequence for a paired pump
// and the corresponding teardown (spec §4.8).
type Orchestrator struct {
	session *TLSession
	logger  *slog.Logger

	// sentAny is set once any packet has been sent during a connect
	// attempt, so a cancelled/failed attempt knows whether teardown
	// should try CTRL_DISCONNECT (spec §4.8: "if any packets have been
	// sent, the orchestrator attempts CTRL_DISCONNECT on teardown").
	sentAny bool
}

// NewOrchestrator constructs an Orchestrator over an already-running
// TLSession.
func NewOrchestrator(session *TLSession, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Orchestrator{session: session, logger: logger}
}

// Connect runs the full connect pipeline, reporting fractional progress
// after each step. On any failure or cancellation it tears down with a
// best-effort CTRL_DISCONNECT if any packet was already sent, leaving the
// pump in a consistent state (spec §5, §4.8).
func (o *Orchestrator) Connect(ctx context.Context, progress ConnectProgress) (err error) {
	defer func() {
		if err != nil {
			o.teardown(ctx)
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"regular-connection", o.stepRegularConnection},
		{"ctrl-connect", o.stepCtrlConnect},
		{"ctrl-get-service-version", o.stepGetServiceVersion},
		{"ctrl-bind", o.stepBind},
		{"ctrl-activate-rt-mode", o.stepActivateRTMode},
	}

	report(progress, 0)

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connect: %w", ErrCancelled)
		}

		o.logger.Debug("connect step", slog.String("step", step.name))

		if err := step.run(ctx); err != nil {
			return fmt.Errorf("connect: %s: %w", step.name, err)
		}

		report(progress, float64(i+2)/float64(connectStepCount))
	}

	return nil
}

func report(progress ConnectProgress, fraction float64) {
	if progress != nil {
		progress(fraction)
	}
}

func (o *Orchestrator) stepRegularConnection(ctx context.Context) error {
	o.sentAny = true

	if err := o.session.SendRaw(ctx, CmdRequestRegularConnection, true); err != nil {
		return err
	}

	return o.session.AwaitRaw(ctx, CmdRegularConnectionRequestAccepted)
}

func (o *Orchestrator) stepCtrlConnect(ctx context.Context) error {
	respCh := o.session.Subscribe(ServiceControl, CtrlConnectResponse)
	defer o.session.Unsubscribe(ServiceControl, CtrlConnectResponse)

	app := &AppPacket{
		Service: ServiceControl,
		Command: CtrlConnect,
		Payload: CtrlConnectPayload(connectSerial),
	}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

func (o *Orchestrator) stepGetServiceVersion(ctx context.Context) error {
	respCh := o.session.Subscribe(ServiceControl, CtrlServiceVersionResponse)
	defer o.session.Unsubscribe(ServiceControl, CtrlServiceVersionResponse)

	app := &AppPacket{Service: ServiceControl, Command: CtrlGetServiceVersion}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

func (o *Orchestrator) stepBind(ctx context.Context) error {
	respCh := o.session.Subscribe(ServiceControl, CtrlBindResponse)
	defer o.session.Unsubscribe(ServiceControl, CtrlBindResponse)

	app := &AppPacket{Service: ServiceControl, Command: CtrlBind, Payload: CtrlBindPayload()}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

func (o *Orchestrator) stepActivateRTMode(ctx context.Context) error {
	respCh := o.session.Subscribe(ServiceControl, CtrlActivateServiceResponse)
	defer o.session.Unsubscribe(ServiceControl, CtrlActivateServiceResponse)

	app := &AppPacket{
		Service: ServiceControl,
		Command: CtrlActivateService,
		Payload: CtrlActivateServicePayload(ServiceRTMode, 1, 0),
	}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

// DeactivateAll sends CTRL_DEACTIVATE_ALL_SERVICES and waits for
// confirmation, used both for mode switching and pairing's confirmation
// handshake (spec §4.5 step 9, §4.7 "Mode switching").
func (o *Orchestrator) DeactivateAll(ctx context.Context) error {
	respCh := o.session.Subscribe(ServiceControl, CtrlAllServicesDeactivated)
	defer o.session.Unsubscribe(ServiceControl, CtrlAllServicesDeactivated)

	app := &AppPacket{Service: ServiceControl, Command: CtrlDeactivateAllServices}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

// ActivateCommandMode switches from RT mode to COMMAND mode by
// deactivating all services and activating COMMAND_MODE (spec §4.7:
// "Only one service may be active; switching requires deactivate then
// activate").
func (o *Orchestrator) ActivateCommandMode(ctx context.Context) error {
	if err := o.DeactivateAll(ctx); err != nil {
		return err
	}

	respCh := o.session.Subscribe(ServiceControl, CtrlActivateServiceResponse)
	defer o.session.Unsubscribe(ServiceControl, CtrlActivateServiceResponse)

	app := &AppPacket{
		Service: ServiceControl,
		Command: CtrlActivateService,
		Payload: CtrlActivateServicePayload(ServiceCommand, 1, 0),
	}

	if err := o.session.SendData(ctx, app); err != nil {
		return err
	}

	return awaitResponse(ctx, respCh)
}

// Disconnect sends CTRL_DISCONNECT for a clean teardown.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	app := &AppPacket{Service: ServiceControl, Command: CtrlDisconnect}
	return o.session.SendData(ctx, app)
}

// teardown attempts a best-effort CTRL_DISCONNECT if any packet has been
// sent this attempt (spec §4.8, §5 "Cancellation").
func (o *Orchestrator) teardown(ctx context.Context) {
	if !o.sentAny {
		return
	}

	if err := o.Disconnect(ctx); err != nil {
		o.logger.Warn("teardown disconnect failed", slog.String("error", err.Error()))
	}
}

func awaitResponse(ctx context.Context, ch <-chan *AppPacket) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("await response: %w", ErrCancelled)
	}
}
