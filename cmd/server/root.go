package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pitchside/market-engine/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "market-engine",
		Short: "Athlete share trading ledger with live portfolio sync",
		Long: `market-engine runs the trading ledger for athlete shares.

It executes BUY/SELL orders against an in-memory ledger, keeps holdings and
portfolio values in step with instrument prices, and pushes market and
portfolio updates to WebSocket clients.

Configuration is read from the environment (PORT, LOG_LEVEL, PRICE_SOURCE,
JOURNAL_DRIVER, ...). Running without a subcommand starts the server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(newServeCmd(), newAuditCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "market-engine", version)
		},
	}
}

// loadConfig reads the environment and installs the JSON logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}
