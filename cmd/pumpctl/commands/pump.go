package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired pump addresses",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			addrs, err := mgr.GetPairedPumpAddresses(context.Background())
			if err != nil {
				return fmt.Errorf("list pumps: %w", err)
			}

			out, err := formatAddresses(addrs, outputFormat)
			if err != nil {
				return fmt.Errorf("format pumps: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <address>",
		Short: "Forget a paired pump",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := mgr.Unpair(context.Background(), args[0]); err != nil {
				return fmt.Errorf("unpair: %w", err)
			}

			fmt.Printf("Unpaired %s\n", args[0])

			return nil
		},
	}
}
