package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitchside/market-engine/internal/config"
	"github.com/pitchside/market-engine/internal/journal"
)

func newAuditCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print an account's journaled transactions as JSON lines",
		Long: `Read the audit journal selected by JOURNAL_DRIVER and print every
transaction recorded for one account, oldest first.

Examples:
  JOURNAL_DRIVER=sqlite SQLITE_PATH=./market-engine.db market-engine audit --account demo`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JournalDriver == config.JournalNone {
				return fmt.Errorf("JOURNAL_DRIVER is not set")
			}
			j, err := journal.Open(cmd.Context(), cfg.JournalDriver, cfg.JournalDSN())
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.ListByAccount(cmd.Context(), accountID)
			if err != nil {
				return fmt.Errorf("list journal: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id")
	cmd.MarkFlagRequired("account")
	return cmd
}
