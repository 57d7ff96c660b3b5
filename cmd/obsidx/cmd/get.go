package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/leeparayno/obsidx/internal/ui"
)

func newGetCmd(flags *rootFlags) *cobra.Command {
	var collection string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print a note with its metadata",
		Long: `Prints the stored copy of a note, its tags, outgoing links, and
backlinks. The path is vault-relative, e.g. 'projects/roadmap.md'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), cmd, flags, args[0], collection, jsonOut)
		},
	}
	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Collection the note belongs to")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the note as JSON")
	return cmd
}

// noteReport is the stable JSON shape of a fetched note.
type noteReport struct {
	Collection string   `json:"collection"`
	Path       string   `json:"path"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Links      []string `json:"links,omitempty"`
	Backlinks  []string `json:"backlinks,omitempty"`
}

func runGet(ctx context.Context, cmd *cobra.Command, flags *rootFlags, path, collection string, jsonOut bool) error {
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

	doc, err := a.meta.GetDocument(ctx, collection, path)
	if err != nil {
		return err
	}
	content, err := a.meta.GetContent(ctx, doc.ContentHash)
	if err != nil {
		return err
	}
	tags, err := a.meta.TagsFor(ctx, doc.Collection, doc.Path)
	if err != nil {
		return err
	}
	links, err := a.meta.LinksFrom(ctx, doc.Collection, doc.Path)
	if err != nil {
		return err
	}
	backlinks, err := a.meta.Backlinks(ctx, doc.Collection, doc.Path)
	if err != nil {
		return err
	}

	if jsonOut {
		return writeJSON(cmd, noteReport{
			Collection: doc.Collection,
			Path:       doc.Path,
			Title:      doc.Title,
			Content:    string(content),
			Tags:       tags,
			Links:      links,
			Backlinks:  backlinks,
		})
	}

	ui.NewPrinter(cmd.OutOrStdout()).Note(doc, string(content), tags, links, backlinks)
	return nil
}
