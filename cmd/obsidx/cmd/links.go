package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newLinksCmd(flags *rootFlags) *cobra.Command {
	var collection string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "links <path>",
		Short: "Show a note's outgoing links and backlinks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinks(cmd.Context(), cmd, flags, args[0], collection, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Collection the note belongs to")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

// linksReport is the stable JSON shape of a link graph query.
type linksReport struct {
	Path      string   `json:"path"`
	Links     []string `json:"links,omitempty"`
	Backlinks []string `json:"backlinks,omitempty"`
}

func runLinks(ctx context.Context, cmd *cobra.Command, flags *rootFlags, path, collection string, jsonOut bool) error {
	a, err := newApp(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if collection == "" {
		colls := a.collections()
		if len(colls) == 1 {
			collection = colls[0].Name
		}
	}

	links, err := a.meta.LinksFrom(ctx, collection, path)
	if err != nil {
		return err
	}
	backlinks, err := a.meta.Backlinks(ctx, collection, path)
	if err != nil {
		return err
	}

	if jsonOut {
		return writeJSON(cmd, linksReport{Path: path, Links: links, Backlinks: backlinks})
	}

	out := cmd.OutOrStdout()
	if len(links) == 0 && len(backlinks) == 0 {
		fmt.Fprintf(out, "No links recorded for %s\n", path)
		return nil
	}
	for _, l := range links {
		fmt.Fprintf(out, "→ %s\n", l)
	}
	for _, b := range backlinks {
		fmt.Fprintf(out, "← %s\n", b)
	}
	return nil
}
