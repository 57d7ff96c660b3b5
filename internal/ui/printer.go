package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/leeparayno/obsidx/internal/search"
	"github.com/leeparayno/obsidx/internal/store"
)

// snippetLength bounds how much chunk text a search hit shows.
const snippetLength = 200

// Printer writes human-readable CLI output.
type Printer struct {
	out    io.Writer
	styles Styles
}

// NewPrinter creates a printer for w. Styling is enabled only when w is a
// terminal and NO_COLOR is unset.
func NewPrinter(w io.Writer) *Printer {
	styles := NoColorStyles()
	if IsTTY(w) && !DetectNoColor() {
		styles = DefaultStyles()
	}
	return &Printer{out: w, styles: styles}
}

// NewPlainPrinter creates a printer with styling off regardless of the
// writer.
func NewPlainPrinter(w io.Writer) *Printer {
	return &Printer{out: w, styles: NoColorStyles()}
}

// SearchResults renders a ranked result list with any degradation notices.
func (p *Printer) SearchResults(resp *search.Response, query string) {
	if len(resp.Results) == 0 {
		fmt.Fprintf(p.out, "No results for %q\n", query)
		p.degradedNotice(resp.Degraded)
		return
	}

	for i, r := range resp.Results {
		title := r.Document.Title
		if title == "" {
			title = r.Document.Path
		}
		fmt.Fprintf(p.out, "%2d. %s %s\n", i+1,
			p.styles.Title.Render(title),
			p.styles.Score.Render(fmt.Sprintf("(%.3f)", r.Score)))
		location := r.Document.Collection + "/" + r.Document.Path
		if r.Chunk.Heading != "" && r.Chunk.Heading != title {
			location += " › " + r.Chunk.Heading
		}
		fmt.Fprintf(p.out, "    %s\n", p.styles.Label.Render(location))
		if snippet := Snippet(r.Chunk.Text, snippetLength); snippet != "" {
			fmt.Fprintf(p.out, "    %s\n", snippet)
		}
		if len(r.MatchedTerms) > 0 {
			fmt.Fprintf(p.out, "    %s\n",
				p.styles.Dim.Render("matched: "+strings.Join(r.MatchedTerms, ", ")))
		}
	}
	p.degradedNotice(resp.Degraded)
}

func (p *Printer) degradedNotice(degraded []search.Stage) {
	if len(degraded) == 0 {
		return
	}
	stages := make([]string, len(degraded))
	for i, s := range degraded {
		stages[i] = string(s)
	}
	fmt.Fprintf(p.out, "%s\n",
		p.styles.Warning.Render("note: degraded stages: "+strings.Join(stages, ", ")))
}

// Note renders a full note with its metadata.
func (p *Printer) Note(doc *store.Document, content string, tags, links, backlinks []string) {
	title := doc.Title
	if title == "" {
		title = doc.Path
	}
	fmt.Fprintf(p.out, "%s\n", p.styles.Title.Render(title))
	fmt.Fprintf(p.out, "%s\n", p.styles.Label.Render(doc.Collection+"/"+doc.Path))
	if len(tags) > 0 {
		fmt.Fprintf(p.out, "%s %s\n", p.styles.Label.Render("tags:"), p.styles.Tag.Render(strings.Join(tags, ", ")))
	}
	if len(links) > 0 {
		fmt.Fprintf(p.out, "%s %s\n", p.styles.Label.Render("links:"), strings.Join(links, ", "))
	}
	if len(backlinks) > 0 {
		fmt.Fprintf(p.out, "%s %s\n", p.styles.Label.Render("backlinks:"), strings.Join(backlinks, ", "))
	}
	fmt.Fprintf(p.out, "\n%s\n", content)
}

// Stats renders index statistics.
func (p *Printer) Stats(stats *store.Stats) {
	fmt.Fprintf(p.out, "%s\n", p.styles.Title.Render("Index statistics"))
	fmt.Fprintf(p.out, "  documents:  %d\n", stats.DocumentCount)
	fmt.Fprintf(p.out, "  chunks:     %d\n", stats.ChunkCount)
	fmt.Fprintf(p.out, "  contents:   %d\n", stats.ContentCount)
	fmt.Fprintf(p.out, "  embeddings: %d\n", stats.EmbeddingCount)
	fmt.Fprintf(p.out, "  tags:       %d\n", stats.TagCount)
	fmt.Fprintf(p.out, "  links:      %d\n", stats.LinkCount)
	if !stats.LastIndexedAt.IsZero() {
		fmt.Fprintf(p.out, "  indexed at: %s\n", stats.LastIndexedAt.Local().Format(time.RFC3339))
	}
}

// TagCounts renders the tag frequency table.
func (p *Printer) TagCounts(tags []store.TagCount) {
	if len(tags) == 0 {
		fmt.Fprintln(p.out, "No tags")
		return
	}
	for _, tc := range tags {
		fmt.Fprintf(p.out, "%4d  %s\n", tc.Count, p.styles.Tag.Render("#"+tc.Tag))
	}
}

// Summary renders the outcome of an index run.
func (p *Printer) Summary(indexed, skipped, removed, embedded, deferred int, elapsed time.Duration) {
	fmt.Fprintf(p.out, "Indexed %d notes (%d unchanged, %d removed) in %s\n",
		indexed, skipped, removed, elapsed.Round(10*time.Millisecond))
	fmt.Fprintf(p.out, "  embeddings: %d stored", embedded)
	if deferred > 0 {
		fmt.Fprintf(p.out, ", %s", p.styles.Warning.Render(
			fmt.Sprintf("%d deferred (model unavailable)", deferred)))
	}
	fmt.Fprintln(p.out)
}

// Warnf prints a warning line.
func (p *Printer) Warnf(format string, args ...any) {
	fmt.Fprintf(p.out, "%s\n", p.styles.Warning.Render(fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...any) {
	fmt.Fprintf(p.out, "%s\n", p.styles.Error.Render(fmt.Sprintf(format, args...)))
}

// Snippet collapses whitespace and truncates text at a word boundary.
func Snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= limit {
		return text
	}
	cut := strings.LastIndexByte(text[:limit], ' ')
	if cut <= 0 {
		cut = limit
	}
	return text[:cut] + "…"
}
