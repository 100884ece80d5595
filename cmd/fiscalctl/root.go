package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/fiscalsubmission/internal/config"
	"github.com/Lllllllleong/fiscalsubmission/internal/services"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configFile string
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "fiscalctl",
	Short: "Submit fiscal document units to the compliance authority",
	Long:  "fiscalctl drives the outbound submission pipeline from a terminal:\nsingle units with confirmation, bulk batches, and submission record upkeep.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelWarn
		if rootFlags.verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.configFile, "config", "", "Config file (overrides CONFIG_FILE)")
	pf.BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Log pipeline internals to stderr")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(bulkCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.Version = version
}

// openRuntime loads the configuration and wires a runtime for one command.
func openRuntime(ctx context.Context) (*services.Runtime, error) {
	cfg, err := config.LoadFile(rootFlags.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := services.NewRuntime(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init runtime: %w", err)
	}
	return rt, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
