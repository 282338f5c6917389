package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnemos-io/mnemos/internal/config"
	"github.com/mnemos-io/mnemos/internal/core"
	"github.com/mnemos-io/mnemos/internal/memory"
	"github.com/mnemos-io/mnemos/internal/storage"
)

var (
	memTenant  string
	memChannel string
	memLimit   int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect effective memory",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Full-text search over effective chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  memorySearch,
}

var memoryShowCmd = &cobra.Command{
	Use:   "show <chunk_id>",
	Short: "Show one effective chunk with its edits folded in",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryShow,
}

var memoryEditsCmd = &cobra.Command{
	Use:   "edits <chunk_id>",
	Short: "List the approved edits applied to a chunk",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryEdits,
}

func init() {
	memorySearchCmd.Flags().StringVar(&memTenant, "tenant", "default", "tenant ID")
	memorySearchCmd.Flags().StringVar(&memChannel, "channel", "private", "requesting channel")
	memorySearchCmd.Flags().IntVar(&memLimit, "limit", 20, "maximum results")

	memoryShowCmd.Flags().StringVar(&memTenant, "tenant", "default", "tenant ID")

	memoryEditsCmd.Flags().StringVar(&memTenant, "tenant", "default", "tenant ID")

	memoryCmd.AddCommand(memorySearchCmd, memoryShowCmd, memoryEditsCmd)
	rootCmd.AddCommand(memoryCmd)
}

func openEngine() (*core.Service, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	svc, err := core.New(db, nil)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("initializing engine: %w", err)
	}
	return svc, func() { db.Close() }, nil
}

func memorySearch(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.search")
	defer span.End()

	svc, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	results, err := svc.View.Search(ctx, memory.SearchParams{
		TenantID: memTenant,
		Query:    args[0],
		Channel:  memChannel,
		Limit:    memLimit,
	})
	if err != nil {
		return fmt.Errorf("searching memory: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matches found.")
		return nil
	}
	printChunkTable(results)
	return nil
}

func memoryShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.show")
	defer span.End()

	svc, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	eff, err := svc.View.Resolve(ctx, memTenant, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(eff)
}

func memoryEdits(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.edits")
	defer span.End()

	svc, closeDB, err := openEngine()
	if err != nil {
		return err
	}
	defer closeDB()

	edits, err := svc.Edits.ApprovedFor(ctx, memTenant, memory.TargetChunk, args[0])
	if err != nil {
		return fmt.Errorf("listing edits: %w", err)
	}
	if len(edits) == 0 {
		fmt.Println("No approved edits.")
		return nil
	}
	fmt.Printf("%-16s | %-10s | %-30s | %s\n", "ID", "Op", "Reason", "Applied")
	fmt.Println(strings.Repeat("-", 80))
	for i := range edits {
		e := &edits[i]
		reason := e.Reason
		if len(reason) > 30 {
			reason = reason[:27] + "..."
		}
		applied := ""
		if e.AppliedAt != nil {
			applied = e.AppliedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-16s | %-10s | %-30s | %s\n", e.EditID, e.Op, reason, applied)
	}
	return nil
}

func printChunkTable(results []memory.SearchResult) {
	fmt.Printf("%-16s | %-10s | %-5s | %-50s | %s\n", "ID", "Kind", "Score", "Text", "Timestamp")
	fmt.Println(strings.Repeat("-", 110))
	for i := range results {
		r := &results[i]
		text := r.Text
		if len(text) > 50 {
			text = text[:47] + "..."
		}
		fmt.Printf("%-16s | %-10s | %-5.2f | %-50s | %s\n",
			r.ChunkID, r.Kind, r.Score, text, r.TS.Format("2006-01-02 15:04"))
	}
}
