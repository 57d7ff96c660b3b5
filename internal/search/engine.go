package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/model"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
)

// DefaultLimit is the result count when Options.Limit is zero.
const DefaultLimit = 10

// ErrNilDependency is returned when a required engine dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Engine runs the hybrid pipeline over the text index, the vector store, and
// the metadata store, with the embedding cache in front of the model.
type Engine struct {
	text     store.TextIndex
	vector   store.VectorStore
	meta     store.MetadataStore
	cache    *embed.Cache
	expander Expander
	config   Config
	logger   *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithExpander sets the query expander. Without one, only the literal query
// is retrieved.
func WithExpander(exp Expander) Option {
	return func(e *Engine) { e.expander = exp }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates the engine. vector may be nil, in which case every query
// degrades to lexical-only retrieval.
func NewEngine(
	text store.TextIndex,
	vector store.VectorStore,
	meta store.MetadataStore,
	cache *embed.Cache,
	config Config,
	opts ...Option,
) (*Engine, error) {
	if text == nil {
		return nil, fmt.Errorf("%w: text index is required", ErrNilDependency)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	if cache == nil {
		return nil, fmt.Errorf("%w: embedding cache is required", ErrNilDependency)
	}
	if config.RRFK <= 0 {
		config = DefaultConfig()
	}
	e := &Engine{
		text:   text,
		vector: vector,
		meta:   meta,
		cache:  cache,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// retrievedList pairs a fused input list with how it was produced.
type retrievedList struct {
	rankedList
	fromVector bool
}

// docCandidate is one chunk of a document that survived fusion.
type docCandidate struct {
	ref       *store.ChunkRef
	fusedRank int
	score     float64
	terms     []string
}

// docEntry aggregates a document's fused chunks.
type docEntry struct {
	doc        *store.Document
	candidates []docCandidate
	fusedRank  int // first appearance in fused order, 1-indexed
	score      float64
}

// Search executes the pipeline for query. It always returns best-effort
// results; skipped stages are named in Response.Degraded. Cancellation
// aborts between stages and discards partial state.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Response{Results: []Result{}}, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	depth := opts.Limit * e.config.CandidateMultiplier
	if depth < opts.Limit {
		depth = opts.Limit
	}

	// Probe: sense raw lexical signal on the literal query. The hit count
	// steers the list weights before retrieval.
	lexNudge, vecNudge := 1.0, 1.0
	probe, err := e.text.Search(ctx, query, opts.Limit)
	if err != nil {
		e.logger.Debug("lexical probe failed", slog.String("error", err.Error()))
	} else if len(probe) == 0 {
		vecNudge = e.config.ProbeBoost
	} else if len(probe) >= opts.Limit {
		lexNudge = e.config.ProbeBoost
	}

	if err := ctx.Err(); err != nil {
		return nil, xerr.Wrap(xerr.KindCancelled, "search", err)
	}

	// Expand. Empty output is not a degradation, just a short query plan.
	var variants []model.Variant
	if !opts.LexicalOnly && e.expander != nil {
		variants = e.expander.Variants(ctx, query)
	}

	lists, refs, modelDown, vectorDown := e.retrieve(ctx, query, variants, opts, depth, lexNudge, vecNudge)
	if err := ctx.Err(); err != nil {
		return nil, xerr.Wrap(xerr.KindCancelled, "search", err)
	}

	ranked := make([]rankedList, len(lists))
	for i, l := range lists {
		ranked[i] = l.rankedList
	}
	fused := fuse(ranked, e.config.RRFK)

	docs := e.groupByDocument(fused, refs)

	var degraded []Stage
	if !opts.LexicalOnly && (vectorDown || modelDown) {
		degraded = append(degraded, StageVector)
	}

	skipRerank := opts.LexicalOnly || modelDown
	if !skipRerank {
		var rerankErr error
		docs, rerankErr = e.rerankAndBlend(ctx, query, docs)
		if rerankErr != nil {
			if err := ctx.Err(); err != nil {
				return nil, xerr.Wrap(xerr.KindCancelled, "search", err)
			}
			e.logger.Warn("reranker unavailable, keeping fused order",
				slog.String("error", rerankErr.Error()))
			skipRerank = true
		}
	}
	if !opts.LexicalOnly && (skipRerank || modelDown) {
		degraded = append(degraded, StageRerank)
	}

	if len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}

	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		rep := e.representative(query, d.candidates)
		results = append(results, Result{
			Document:     *d.doc,
			Chunk:        *rep.ref.Chunk,
			Score:        d.score,
			MatchedTerms: rep.terms,
		})
	}
	if degraded == nil {
		degraded = []Stage{}
	}
	return &Response{Results: results, Degraded: degraded}, nil
}

// retrieve fans the query and its variants out over both indexes. Lexical
// failures shrink to empty lists; vector failures flip the degradation
// flags. Every list is resolved against active documents before fusion, both
// to drop lazily deleted vector hits and to apply the collection filter.
func (e *Engine) retrieve(
	ctx context.Context,
	query string,
	variants []model.Variant,
	opts Options,
	depth int,
	lexNudge, vecNudge float64,
) (lists []retrievedList, refs map[string][]*store.ChunkRef, modelDown, vectorDown bool) {
	type job struct {
		text       string
		weight     float64
		fromVector bool
	}

	var jobs []job
	jobs = append(jobs, job{query, e.config.OriginalBoost * lexNudge, false})
	vectorUp := !opts.LexicalOnly && e.vector != nil && e.vector.Count() > 0
	if vectorUp {
		jobs = append(jobs, job{query, e.config.OriginalBoost * vecNudge, true})
	}
	for _, v := range variants {
		switch v.Route {
		case model.RouteLex:
			jobs = append(jobs, job{v.Text, lexNudge, false})
		case model.RouteVec, model.RouteHyde:
			if vectorUp {
				jobs = append(jobs, job{v.Text, vecNudge, true})
			}
		}
	}

	var mu sync.Mutex
	results := make([]retrievedList, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			list, err := e.runList(gctx, j.text, j.weight, j.fromVector, depth)
			if err != nil {
				mu.Lock()
				if j.fromVector {
					vectorDown = true
					if xerr.IsKind(err, xerr.KindModelUnavailable) {
						modelDown = true
					}
				}
				mu.Unlock()
				e.logger.Debug("retrieval list failed",
					slog.Bool("vector", j.fromVector),
					slog.String("error", err.Error()))
				return nil
			}
			mu.Lock()
			results[i] = list
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !vectorUp && !opts.LexicalOnly {
		vectorDown = true
	}

	// Resolve every retrieved hash once; the refs double as the enrichment
	// source after fusion.
	refs = make(map[string][]*store.ChunkRef)
	var all []string
	seen := make(map[string]bool)
	for _, l := range results {
		for _, id := range l.IDs {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
			}
		}
	}
	if len(all) > 0 {
		resolved, err := e.meta.ResolveActive(ctx, all, opts.Collection)
		if err != nil {
			e.logger.Warn("resolving candidates failed", slog.String("error", err.Error()))
		}
		for _, r := range resolved {
			refs[r.Chunk.ChunkHash] = append(refs[r.Chunk.ChunkHash], r)
		}
	}

	// Drop unresolvable hashes from each list, preserving rank order.
	lists = make([]retrievedList, 0, len(results))
	for _, l := range results {
		if len(l.IDs) == 0 {
			continue
		}
		kept := l.IDs[:0]
		for _, id := range l.IDs {
			if len(refs[id]) > 0 {
				kept = append(kept, id)
			}
		}
		l.IDs = kept
		if len(l.IDs) > 0 {
			lists = append(lists, l)
		}
	}
	return lists, refs, modelDown, vectorDown
}

// runList produces one ranked list for a query or variant.
func (e *Engine) runList(ctx context.Context, text string, weight float64, fromVector bool, depth int) (retrievedList, error) {
	list := retrievedList{
		rankedList: rankedList{Weight: weight},
		fromVector: fromVector,
	}
	if !fromVector {
		hits, err := e.text.Search(ctx, text, depth)
		if err != nil {
			return list, err
		}
		list.Terms = make(map[string][]string, len(hits))
		for _, h := range hits {
			list.IDs = append(list.IDs, h.ID)
			list.Terms[h.ID] = h.MatchedTerms
		}
		return list, nil
	}

	vec, err := e.cache.EmbedQuery(ctx, text)
	if err != nil {
		return list, err
	}
	hits, err := e.vector.Search(ctx, vec, depth)
	if err != nil {
		return list, err
	}
	for _, h := range hits {
		list.IDs = append(list.IDs, h.ID)
	}
	return list, nil
}

// groupByDocument folds fused chunk candidates into per-document entries
// ordered by first appearance in the fused ranking.
func (e *Engine) groupByDocument(fused []fusedCandidate, refs map[string][]*store.ChunkRef) []*docEntry {
	byDoc := make(map[int64]*docEntry)
	var order []*docEntry
	for rank, cand := range fused {
		for _, ref := range refs[cand.ChunkHash] {
			entry, ok := byDoc[ref.Document.ID]
			if !ok {
				entry = &docEntry{
					doc:       ref.Document,
					fusedRank: rank + 1,
					score:     cand.Score,
				}
				byDoc[ref.Document.ID] = entry
				order = append(order, entry)
			}
			entry.candidates = append(entry.candidates, docCandidate{
				ref:       ref,
				fusedRank: rank + 1,
				score:     cand.Score,
				terms:     cand.MatchedTerms,
			})
		}
	}
	return order
}

// representative picks the chunk that advances to the result for one
// document: the highest keyword overlap with the query wins, not simply the
// top-fused chunk, so a document is never represented by a chunk whose only
// signal was vector noise. Ties fall back to fused rank.
func (e *Engine) representative(query string, candidates []docCandidate) docCandidate {
	queryTokens := store.FilterStopWords(
		store.TokenizeProse(query, 1),
		store.BuildStopWordMap(store.DefaultProseStopWords))

	best := candidates[0]
	bestOverlap := keywordOverlap(queryTokens, best.ref.Chunk.Text)
	for _, c := range candidates[1:] {
		overlap := keywordOverlap(queryTokens, c.ref.Chunk.Text)
		if overlap > bestOverlap || (overlap == bestOverlap && c.fusedRank < best.fusedRank) {
			best = c
			bestOverlap = overlap
		}
	}
	return best
}

// keywordOverlap counts distinct query tokens present in text.
func keywordOverlap(queryTokens []string, text string) int {
	if len(queryTokens) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, tok := range store.TokenizeProse(text, 1) {
		present[tok] = true
	}
	n := 0
	for _, tok := range queryTokens {
		if present[tok] {
			n++
		}
	}
	return n
}

// rerankAndBlend reranks the top-N documents and blends the rerank score
// with the pre-rerank fused rank, so near-tied rerank scores cannot reorder
// documents arbitrarily. Documents beyond the rerank window keep their fused
// order. A rerank failure is returned so the caller can degrade.
func (e *Engine) rerankAndBlend(ctx context.Context, query string, docs []*docEntry) ([]*docEntry, error) {
	n := e.config.RerankTopN
	if n > len(docs) {
		n = len(docs)
	}
	if n == 0 {
		return docs, nil
	}

	rerankScores := make([]float64, n)
	for i := 0; i < n; i++ {
		rep := e.representative(query, docs[i].candidates)
		score, err := e.cache.RerankScore(ctx, query, rep.ref.Chunk.Text)
		if err != nil {
			return docs, err
		}
		rerankScores[i] = score
	}

	// norm(-fused_rank): earlier fused positions map toward 1.
	negRank := make([]float64, n)
	for i := range negRank {
		negRank[i] = -float64(i + 1)
	}
	rankNorm := normalizeMinMax(negRank)
	rerankNorm := normalizeMinMax(rerankScores)

	alpha := e.config.Alpha
	head := make([]*docEntry, n)
	copy(head, docs[:n])
	final := make(map[int64]float64, n)
	for i, d := range head {
		final[d.doc.ID] = alpha*rerankNorm[i] + (1-alpha)*rankNorm[i]
	}
	sort.SliceStable(head, func(i, j int) bool {
		return final[head[i].doc.ID] > final[head[j].doc.ID]
	})
	for _, d := range head {
		d.score = final[d.doc.ID]
	}
	// The tail keeps fused order; its scores stay on the fused scale,
	// damped to sit under the blended head.
	for _, d := range docs[n:] {
		d.score *= (1 - alpha)
	}

	out := make([]*docEntry, 0, len(docs))
	out = append(out, head...)
	out = append(out, docs[n:]...)
	return out, nil
}
