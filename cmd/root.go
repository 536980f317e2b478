package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadloader/internal/config"
)

var cfg *config.Config

// exitCode lets a command that completed its run finish degraded without
// aborting: 0 full success, 2 partial (some files left behind for retry).
// Fatal setup failures exit 1 through Execute's error path.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "leadloader",
	Short: "Batch CSV lead ingestion for the dialer database",
	Long:  "Scans uploaded real-estate lead exports, deduplicates contacts, resolves campaigns, and loads addresses and phone queue entries into Postgres.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
