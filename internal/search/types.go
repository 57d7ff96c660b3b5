// Package search implements the hybrid query pipeline: probe, expand,
// retrieve, fuse, select, rerank, blend. Lexical and vector retrieval run in
// parallel and are combined with weighted reciprocal rank fusion; every
// skipped stage is reported in the response rather than silently absorbed
// into the score.
package search

import (
	"github.com/leeparayno/obsidx/internal/store"
)

// Stage names a pipeline stage that was skipped or degraded.
type Stage string

const (
	// StageVector means vector retrieval was unavailable and fusion was
	// lexical-only.
	StageVector Stage = "vector"

	// StageRerank means the reranker was unavailable and results keep the
	// fused order.
	StageRerank Stage = "rerank"
)

// Config holds the tuning knobs of the pipeline. The fusion constants are
// heuristics with no formal tuning criterion, so they are configuration
// rather than hardcoded.
type Config struct {
	// RRFK is the rank-fusion damping constant.
	RRFK int

	// OriginalBoost is the weight multiplier for lists derived from the
	// literal query, relative to expansion-derived lists.
	OriginalBoost float64

	// ProbeBoost nudges list weights from the lexical probe: applied to
	// vector lists when the probe finds nothing, to lexical lists when it
	// saturates.
	ProbeBoost float64

	// Alpha balances rerank score against fused rank in the final blend.
	Alpha float64

	// RerankTopN bounds how many documents are reranked per query.
	RerankTopN int

	// CandidateMultiplier scales the per-list retrieval depth relative to
	// the requested limit.
	CandidateMultiplier int
}

// DefaultConfig returns the default pipeline tuning.
func DefaultConfig() Config {
	return Config{
		RRFK:                60,
		OriginalBoost:       2.0,
		ProbeBoost:          1.25,
		Alpha:               0.6,
		RerankTopN:          10,
		CandidateMultiplier: 3,
	}
}

// Options scope a single query.
type Options struct {
	// Limit is the maximum number of documents returned. Zero means 10.
	Limit int

	// Collection restricts results to one collection. Empty means all.
	Collection string

	// LexicalOnly skips vector retrieval and reranking entirely. Unlike
	// degradation this is a caller choice, so it sets no flags.
	LexicalOnly bool
}

// Result is one ranked document with its representative chunk.
type Result struct {
	Document     store.Document
	Chunk        store.StoredChunk
	Score        float64
	MatchedTerms []string
}

// Response is the outcome of one query. Degraded lists the stages that were
// skipped; an empty slice means the full pipeline ran.
type Response struct {
	Results  []Result
	Degraded []Stage
}
