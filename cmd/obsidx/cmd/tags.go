package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/ui"
)

func newTagsCmd(flags *rootFlags) *cobra.Command {
	var jsonOut bool
	var tag string

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List tags, or the notes carrying one tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTags(cmd.Context(), cmd, flags, tag, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Show notes carrying this tag instead of the tag list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

// tagReport is the stable JSON shape of the tag list.
type tagReport struct {
	Tags []tagEntry `json:"tags"`
}

type tagEntry struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// tagNotesReport is the stable JSON shape of a single-tag lookup.
type tagNotesReport struct {
	Tag   string     `json:"tag"`
	Notes []noteRef `json:"notes"`
}

type noteRef struct {
	Collection string `json:"collection"`
	Path       string `json:"path"`
	Title      string `json:"title,omitempty"`
}

func runTags(ctx context.Context, cmd *cobra.Command, flags *rootFlags, tag string, jsonOut bool) error {
	a, err := newApp(ctx, flags, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if tag != "" {
		docs, err := a.meta.DocumentsByTag(ctx, tag)
		if err != nil {
			return err
		}
		if jsonOut {
			report := tagNotesReport{Tag: tag, Notes: make([]noteRef, 0, len(docs))}
			for _, doc := range docs {
				report.Notes = append(report.Notes, noteRef{
					Collection: doc.Collection, Path: doc.Path, Title: doc.Title,
				})
			}
			return writeJSON(cmd, report)
		}
		for _, doc := range docs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", doc.Collection, doc.Path)
		}
		return nil
	}

	counts, err := a.meta.TagCounts(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		report := tagReport{Tags: make([]tagEntry, 0, len(counts))}
		for _, tc := range counts {
			report.Tags = append(report.Tags, tagEntry{Tag: tc.Tag, Count: tc.Count})
		}
		return writeJSON(cmd, report)
	}
	ui.NewPrinter(cmd.OutOrStdout()).TagCounts(counts)
	return nil
}
