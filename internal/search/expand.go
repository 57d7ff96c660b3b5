package search

import (
	"context"
	"log/slog"
	"strings"

	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
)

// MaxVariants caps expansion output per query.
const MaxVariants = 2

// Expander produces tagged query variants. Implementations never fail hard;
// an empty slice is the degenerate answer.
type Expander interface {
	Variants(ctx context.Context, query string) []model.Variant
}

// HeuristicExpander is the always-available expander: it strips stopwords to
// form a lexical variant. No model, no latency.
type HeuristicExpander struct {
	stop map[string]struct{}
}

var _ Expander = (*HeuristicExpander)(nil)

// NewHeuristicExpander builds the expander with the shared prose stopword
// set.
func NewHeuristicExpander() *HeuristicExpander {
	return &HeuristicExpander{stop: store.BuildStopWordMap(store.DefaultProseStopWords)}
}

func (h *HeuristicExpander) Variants(_ context.Context, query string) []model.Variant {
	tokens := store.TokenizeProse(query, 1)
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, isStop := h.stop[tok]; !isStop {
			kept = append(kept, tok)
		}
	}
	stripped := strings.Join(kept, " ")
	if stripped == "" || strings.EqualFold(stripped, strings.TrimSpace(query)) {
		return nil
	}
	return []model.Variant{{Text: stripped, Route: model.RouteLex}}
}

// modelExpandFunc is the cached provider expansion; failures fall back to
// heuristics only.
type modelExpandFunc func(ctx context.Context, query string) ([]model.Variant, error)

// CombinedExpander merges model-based variants with heuristic ones, model
// first, deduplicated, capped at MaxVariants.
type CombinedExpander struct {
	heuristic *HeuristicExpander
	expand    modelExpandFunc
	logger    *slog.Logger
}

var _ Expander = (*CombinedExpander)(nil)

// NewCombinedExpander wires the heuristic expander with an optional model
// expansion func (nil disables the model path).
func NewCombinedExpander(expand modelExpandFunc, logger *slog.Logger) *CombinedExpander {
	if logger == nil {
		logger = slog.Default()
	}
	return &CombinedExpander{
		heuristic: NewHeuristicExpander(),
		expand:    expand,
		logger:    logger,
	}
}

func (c *CombinedExpander) Variants(ctx context.Context, query string) []model.Variant {
	var raw []model.Variant
	if c.expand != nil {
		variants, err := c.expand(ctx, query)
		if err != nil {
			c.logger.Debug("model expansion unavailable, using heuristics",
				slog.String("error", err.Error()))
		} else {
			raw = variants
		}
	}
	raw = append(raw, c.heuristic.Variants(ctx, query)...)
	return dedupeVariants(query, raw)
}

// dedupeVariants drops empty variants, echoes of the query, and duplicate
// texts, keeping first occurrence order, capped at MaxVariants.
func dedupeVariants(query string, variants []model.Variant) []model.Variant {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	out := make([]model.Variant, 0, MaxVariants)
	for _, v := range variants {
		text := strings.TrimSpace(v.Text)
		key := strings.ToLower(text)
		if text == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Variant{Text: text, Route: v.Route})
		if len(out) == MaxVariants {
			break
		}
	}
	return out
}
