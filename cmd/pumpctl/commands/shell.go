package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"

	"github.com/kestrel-health/pumpcore/pkg/pump"
)

// errNoPumpSelected indicates a live session command ran before "use
// <address>" selected a pump.
var errNoPumpSelected = errors.New("no pump selected, run \"use <address>\" first")

// shellSession holds the interactive shell's selected pump handle across
// commands, since button press/display streaming only make sense against
// a live connection held for the shell's lifetime.
type shellSession struct {
	address string
	handle  *pump.Pump
}

func (s *shellSession) require() (*pump.Pump, error) {
	if s.handle == nil {
		return nil, errNoPumpSelected
	}
	return s.handle, nil
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive pumpctl shell",
		Long:  "Launches a REPL with live session commands (use/connect/press/display) in addition to the one-shot commands.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			session := &shellSession{}

			app := console.New("pumpctl")

			menu := app.ActiveMenu()
			menu.Short = "pumpcore pump control shell"
			menu.SetCommands(func() *cobra.Command {
				return shellRootCmd(session)
			})
			menu.Prompt().Primary = func() string { return "pumpctl > " }

			if err := app.Start(); err != nil {
				return fmt.Errorf("start shell: %w", err)
			}

			return nil
		},
	}
}

// shellRootCmd rebuilds the shell's command tree on every Start(), the
// same cobra-rebuild-per-loop pattern a console.Menu expects so flags
// don't leak state across invocations within the REPL.
func shellRootCmd(session *shellSession) *cobra.Command {
	root := &cobra.Command{
		Use:           "pumpctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(listCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(unpairCmd())
	root.AddCommand(useCmd(session))
	root.AddCommand(connectCmd(session))
	root.AddCommand(disconnectCmd(session))
	root.AddCommand(pressCmd(session))
	root.AddCommand(holdCmd(session))
	root.AddCommand(releaseCmd(session))
	root.AddCommand(displayCmd(session))

	return root
}

func useCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "use <address>",
		Short: "Select a paired pump for subsequent live commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := mgr.AcquirePump(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("use: %w", err)
			}

			session.address = args[0]
			session.handle = handle

			fmt.Printf("Selected %s (%s)\n", args[0], handle.State())

			return nil
		},
	}
}

func connectCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect the selected pump",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			progress := func(frac float64) {
				fmt.Printf("\rconnecting... %3.0f%%", frac*100)
			}

			if err := handle.Connect(context.Background(), progress); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			fmt.Println("\nconnected")

			return nil
		},
	}
}

func disconnectCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the selected pump",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			if err := handle.Disconnect(context.Background()); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}

			fmt.Println("disconnected")

			return nil
		},
	}
}

func pressCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "press <up|down|menu|check>",
		Short: "Send a short RT button press",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			button, err := parseButton(args[0])
			if err != nil {
				return err
			}

			if err := handle.SendShortButtonPress(context.Background(), button); err != nil {
				return fmt.Errorf("press: %w", err)
			}

			return nil
		},
	}
}

func holdCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "hold <up|down|menu|check>",
		Short: "Begin a long RT button press, held until \"release\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			button, err := parseButton(args[0])
			if err != nil {
				return err
			}

			if err := handle.StartLongButtonPress(context.Background(), button); err != nil {
				return fmt.Errorf("hold: %w", err)
			}

			return nil
		},
	}
}

func releaseCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release a button held by \"hold\"",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			if err := handle.StopLongButtonPress(context.Background()); err != nil {
				return fmt.Errorf("release: %w", err)
			}

			return nil
		},
	}
}

func displayCmd(session *shellSession) *cobra.Command {
	return &cobra.Command{
		Use:   "display",
		Short: "Print the next reassembled RT display frame",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			handle, err := session.require()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			frames, err := handle.DisplayFrames(ctx)
			if err != nil {
				return fmt.Errorf("display: %w", err)
			}

			frame, ok := <-frames
			if !ok {
				return fmt.Errorf("display: stream closed before a frame arrived")
			}

			printFrame(frame)

			return nil
		},
	}
}

// parseButton maps a shell argument to the RT button constant.
func parseButton(s string) (pump.Button, error) {
	switch s {
	case "up":
		return pump.ButtonUp, nil
	case "down":
		return pump.ButtonDown, nil
	case "menu":
		return pump.ButtonMenu, nil
	case "check":
		return pump.ButtonCheck, nil
	default:
		return pump.ButtonNone, fmt.Errorf("press: unknown button %q", s)
	}
}

// printFrame renders a 96x32 monochrome DisplayFrame as ASCII art, one
// character per 1x1 pixel block so it fits a normal terminal width.
func printFrame(frame *pump.DisplayFrame) {
	for y := 0; y < 32; y++ {
		for x := 0; x < 96; x++ {
			if frame.PixelAt(x, y) {
				fmt.Print("#")
			} else {
				fmt.Print(" ")
			}
		}
		fmt.Println()
	}
}
