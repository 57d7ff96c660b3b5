package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeparayno/obsidx/internal/model"
)

func TestHeuristicExpander(t *testing.T) {
	exp := NewHeuristicExpander()
	ctx := context.Background()

	variants := exp.Variants(ctx, "is the backup schedule in my notes")
	require.Len(t, variants, 1)
	assert.Equal(t, "backup schedule notes", variants[0].Text)
	assert.Equal(t, model.RouteLex, variants[0].Route)

	// No stopwords, nothing to contribute.
	assert.Empty(t, exp.Variants(ctx, "backup schedule"))

	// All stopwords, no usable variant.
	assert.Empty(t, exp.Variants(ctx, "is the that"))
}

func TestCombinedExpanderMergesAndCaps(t *testing.T) {
	expand := func(_ context.Context, _ string) ([]model.Variant, error) {
		return []model.Variant{
			{Text: "when do database backups run", Route: model.RouteVec},
			{Text: "Backups run nightly.", Route: model.RouteHyde},
		}, nil
	}
	exp := NewCombinedExpander(expand, nil)

	variants := exp.Variants(context.Background(), "the backup schedule")
	require.Len(t, variants, MaxVariants)
	// Model variants come first; the heuristic one is capped out.
	assert.Equal(t, model.RouteVec, variants[0].Route)
	assert.Equal(t, model.RouteHyde, variants[1].Route)
}

func TestCombinedExpanderDropsEchoAndDuplicates(t *testing.T) {
	expand := func(_ context.Context, query string) ([]model.Variant, error) {
		return []model.Variant{
			{Text: query, Route: model.RouteVec},             // echo of the query
			{Text: "  ", Route: model.RouteVec},              // empty
			{Text: "backup schedule", Route: model.RouteVec}, // dup of heuristic
		}, nil
	}
	exp := NewCombinedExpander(expand, nil)

	variants := exp.Variants(context.Background(), "the backup schedule")
	require.Len(t, variants, 1)
	assert.Equal(t, "backup schedule", variants[0].Text)
	assert.Equal(t, model.RouteVec, variants[0].Route)
}

func TestCombinedExpanderModelFailureFallsBack(t *testing.T) {
	expand := func(_ context.Context, _ string) ([]model.Variant, error) {
		return nil, errors.New("backend down")
	}
	exp := NewCombinedExpander(expand, nil)

	variants := exp.Variants(context.Background(), "the backup schedule")
	require.Len(t, variants, 1)
	assert.Equal(t, model.RouteLex, variants[0].Route)
}

func TestCombinedExpanderNoModel(t *testing.T) {
	exp := NewCombinedExpander(nil, nil)
	variants := exp.Variants(context.Background(), "plain words only")
	assert.Empty(t, variants)
}
