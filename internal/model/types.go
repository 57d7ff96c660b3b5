// Package model is the language-model boundary: embedding, query expansion,
// and reranking behind one provider interface, with an Ollama-backed
// implementation and a deterministic offline one.
package model

import (
	"context"
)

// Route tags a query variant with the index it should target.
type Route string

const (
	// RouteLex routes a variant to the lexical BM25 index.
	RouteLex Route = "lex"

	// RouteVec routes a variant to the vector index.
	RouteVec Route = "vec"

	// RouteHyde routes a hypothetical-answer variant to the vector index.
	// Embedding an imagined answer often lands closer to real passages than
	// embedding the question does.
	RouteHyde Route = "hyde"
)

// Variant is one expanded form of a user query.
type Variant struct {
	Text  string
	Route Route
}

// Provider generates embeddings, query expansions, and rerank scores.
// Implementations map backend failures to ModelUnavailable so callers can
// degrade instead of erroring out.
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ExpandQuery proposes up to a few variants of query. An empty slice is
	// a valid answer.
	ExpandQuery(ctx context.Context, query string) ([]Variant, error)

	// Rerank scores the relevance of passage to query, higher is better.
	Rerank(ctx context.Context, query, passage string) (float64, error)

	// ModelName identifies the embedding model; it keys the embedding cache.
	ModelName() string

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	Close() error
}
