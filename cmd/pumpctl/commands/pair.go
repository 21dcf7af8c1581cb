package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrel-health/pumpcore/pkg/pump"
)

// errPinRequired indicates the pump requested a PIN but none was supplied.
var errPinRequired = errors.New("pump requested a PIN but --pin was not set")

func pairCmd() *cobra.Command {
	var (
		namePrefix string
		pin        string
	)

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Discover and pair with a new pump",
		Long:  "Starts discovery, pairs with the first matching device, and persists the derived session keys.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			filter := pump.DiscoveryFilter{NamePrefix: namePrefix}

			provider := func(context.Context) ([10]byte, error) {
				var code [10]byte
				if len(pin) != len(code) {
					return code, errPinRequired
				}
				for i := range code {
					c := pin[i]
					if c < '0' || c > '9' {
						return code, fmt.Errorf("--pin must be 10 decimal digits")
					}
					code[i] = c - '0'
				}
				return code, nil
			}

			address, err := mgr.PairWithNewPump(ctx, filter, provider)
			if err != nil {
				return fmt.Errorf("pair: %w", err)
			}

			fmt.Printf("Paired with %s\n", address)

			return nil
		},
	}

	cmd.Flags().StringVar(&namePrefix, "name-prefix", "", "only pair with devices whose name starts with this prefix")
	cmd.Flags().StringVar(&pin, "pin", "", "10-digit PIN shown on the pump's display, if requested")

	return cmd
}
