package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/search"
	"github.com/leeparayno/obsidx/internal/ui"
)

type searchOptions struct {
	limit      int
	collection string
	lexical    bool
	jsonOut    bool
}

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the vault",
		Long: `Runs a hybrid query over the indexed vault: keyword and embedding
retrieval fused with reciprocal rank fusion, then reranked. When the model
backend is down the output names the skipped stages and ranks by keywords
alone.

Examples:
  obsidx search "backup schedule"
  obsidx search --limit 5 --collection work "quarterly goals"
  obsidx search --json "meeting notes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, flags, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (0 = config default)")
	cmd.Flags().StringVarP(&opts.collection, "collection", "c", "", "Restrict to one collection")
	cmd.Flags().BoolVar(&opts.lexical, "lexical", false, "Keyword search only, skip embeddings")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Emit results as JSON")
	return cmd
}

// searchReport is the stable JSON shape of a search.
type searchReport struct {
	Query    string         `json:"query"`
	Results  []searchResult `json:"results"`
	Degraded []string       `json:"degraded,omitempty"`
}

type searchResult struct {
	Collection   string   `json:"collection"`
	Path         string   `json:"path"`
	Title        string   `json:"title,omitempty"`
	Heading      string   `json:"heading,omitempty"`
	Snippet      string   `json:"snippet"`
	Score        float64  `json:"score"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

func runSearch(ctx context.Context, cmd *cobra.Command, flags *rootFlags, query string, opts searchOptions) error {
	a, err := newApp(ctx, flags, !opts.lexical)
	if err != nil {
		return err
	}
	defer a.Close()

	limit := opts.limit
	if limit <= 0 {
		limit = a.cfg.Search.DefaultLimit
	}
	if max := a.cfg.Search.MaxLimit; max > 0 && limit > max {
		limit = max
	}

	resp, err := a.engine.Search(ctx, query, search.Options{
		Limit:       limit,
		Collection:  opts.collection,
		LexicalOnly: opts.lexical,
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		report := searchReport{Query: query, Results: make([]searchResult, 0, len(resp.Results))}
		for _, r := range resp.Results {
			report.Results = append(report.Results, searchResult{
				Collection:   r.Document.Collection,
				Path:         r.Document.Path,
				Title:        r.Document.Title,
				Heading:      r.Chunk.Heading,
				Snippet:      ui.Snippet(r.Chunk.Text, 200),
				Score:        r.Score,
				MatchedTerms: r.MatchedTerms,
			})
		}
		for _, stage := range resp.Degraded {
			report.Degraded = append(report.Degraded, string(stage))
		}
		return writeJSON(cmd, report)
	}

	ui.NewPrinter(cmd.OutOrStdout()).SearchResults(resp, query)
	return nil
}
