package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mnemos-io/mnemos/internal/config"
	"github.com/mnemos-io/mnemos/internal/consolidation"
	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/server"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory engine with its HTTP API and consolidation schedules",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	var summarizer consolidation.Summarizer
	if cfg.OpenAIAPIKey != "" {
		summarizer = consolidation.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.SummarizerRPS)
		log.Info().Str("model", cfg.OpenAIModel).Msg("llm_summarizer_enabled")
	} else {
		log.Info().Msg("llm_summarizer_disabled_heuristic_reflections")
	}

	svc, err := core.New(db, summarizer)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	scheduler, err := consolidation.NewScheduler(svc.Consolidator, consolidation.Schedules{
		Daily:   cfg.ScheduleDaily,
		Weekly:  cfg.ScheduleWeekly,
		Monthly: cfg.ScheduleMonthly,
	})
	if err != nil {
		return fmt.Errorf("registering consolidation schedules: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.NewServer(svc).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("db", cfg.DBPath()).
			Msg("server_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
