package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/ui"
)

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd, flags, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

// statsReport is the stable JSON shape of index statistics.
type statsReport struct {
	Documents     int    `json:"documents"`
	Chunks        int    `json:"chunks"`
	Contents      int    `json:"contents"`
	Embeddings    int    `json:"embeddings"`
	Tags          int    `json:"tags"`
	Links         int    `json:"links"`
	LastIndexedAt string `json:"last_indexed_at,omitempty"`
}

func runStats(ctx context.Context, cmd *cobra.Command, flags *rootFlags, jsonOut bool) error {
	a, err := newApp(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.meta.Stats(ctx)
	if err != nil {
		return err
	}

	if jsonOut {
		report := statsReport{
			Documents:  stats.DocumentCount,
			Chunks:     stats.ChunkCount,
			Contents:   stats.ContentCount,
			Embeddings: stats.EmbeddingCount,
			Tags:       stats.TagCount,
			Links:      stats.LinkCount,
		}
		if !stats.LastIndexedAt.IsZero() {
			report.LastIndexedAt = stats.LastIndexedAt.UTC().Format(time.RFC3339)
		}
		return writeJSON(cmd, report)
	}

	ui.NewPrinter(cmd.OutOrStdout()).Stats(stats)
	return nil
}
