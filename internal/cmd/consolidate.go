package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemos-io/mnemos/internal/config"
	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var consolidateCmd = &cobra.Command{
	Use:       "consolidate [daily|weekly|monthly]",
	Short:     "Run one consolidation pass outside the schedule",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"daily", "weekly", "monthly"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "consolidate")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		db, err := storage.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		svc, err := core.New(db, nil)
		if err != nil {
			return fmt.Errorf("initializing engine: %w", err)
		}

		job, err := svc.RunConsolidation(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

func init() {
	rootCmd.AddCommand(consolidateCmd)
}
