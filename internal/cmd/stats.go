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

var statsTenant string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tenant row counts across every store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "stats")
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

		stats, err := svc.Stats(ctx, statsTenant)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsTenant, "tenant", "default", "tenant ID")
	rootCmd.AddCommand(statsCmd)
}
