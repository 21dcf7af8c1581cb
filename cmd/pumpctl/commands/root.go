// Package commands implements the pumpctl CLI commands.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrel-health/pumpcore/internal/config"
	corepump "github.com/kestrel-health/pumpcore/internal/pump"
	"github.com/kestrel-health/pumpcore/internal/store"
	"github.com/kestrel-health/pumpcore/pkg/pump"
)

var (
	// mgr is the in-process PumpManager, initialized in PersistentPreRunE.
	// Unlike gobfdctl, which talks to a separately running daemon over
	// ConnectRPC, pumpctl has no RPC surface to reach for (no Non-goal
	// excludes one, but none was named either) and instead constructs its
	// own Manager over the same store the daemon uses, the same way a
	// one-shot maintenance tool would.
	mgr *pump.Manager

	// configPath is the shared config file used to open the pump state
	// store. Defaults to the daemon's default store settings.
	configPath string

	// outputFormat controls the output format of the list command.
	outputFormat string
)

// rootCmd is the top-level cobra command for pumpctl.
var rootCmd = &cobra.Command{
	Use:   "pumpctl",
	Short: "CLI for managing paired insulin pumps",
	Long:  "pumpctl pairs, lists, and drives paired pumps against the pumpcore library's pump state store.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		m, err := buildManager(configPath)
		if err != nil {
			return fmt.Errorf("build manager: %w", err)
		}

		mgr = m

		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format: table, json")

	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(unpairCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// buildManager loads configuration, opens the configured store, and
// constructs a Manager over the core's Mock Bluetooth adapter (no real
// adapter ships with this library; see cmd/pumpd).
func buildManager(path string) (*pump.Manager, error) {
	cfg := config.DefaultConfig()

	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Log.Level)}))
	bt := pump.NewMock("pumpctl")

	return pump.NewManager(bt, st, logger), nil
}

func openStore(cfg config.StoreConfig) (corepump.PumpStateStore, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewInMemory(), nil
	case "file":
		return store.NewFileBacked(cfg.Path)
	case "sqlite":
		return store.NewSqlite(cfg.Path)
	default:
		return nil, fmt.Errorf("open store: %w", config.ErrInvalidStoreBackend)
	}
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
