package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// StaticDimensions is the embedding dimension of the static provider.
const StaticDimensions = 256

// Weights for the hash-projection vector.
const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3
)

// StaticProvider is a deterministic offline provider: hash-projection
// embeddings, stopword-stripped expansion, token-overlap rerank. No network,
// no model downloads, reduced semantic quality. Used for tests and for
// indexing without a running Ollama.
type StaticProvider struct {
	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*StaticProvider)(nil)

var staticStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "is": true,
	"are": true, "was": true, "it": true, "for": true, "with": true,
	"that": true, "this": true, "my": true, "about": true, "what": true,
	"how": true, "do": true, "does": true,
}

// NewStaticProvider creates the offline provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Embed generates a deterministic unit vector: word hashes weighted 0.7 plus
// character trigram hashes weighted 0.3, projected into StaticDimensions
// buckets and normalized.
func (s *StaticProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions), nil
	}

	vector := make([]float32, StaticDimensions)
	for _, token := range staticTokens(trimmed) {
		if staticStopWords[token] {
			continue
		}
		vector[hashToIndex(token)] += staticTokenWeight
	}
	compact := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))
	for _, ngram := range charNgrams(compact, staticNgramSize) {
		vector[hashToIndex(ngram)] += staticNgramWeight
	}

	normalizeUnit(vector)
	return vector, nil
}

// ExpandQuery returns one lexical variant with stopwords stripped, when that
// differs from the original. Deterministic, never errors.
func (s *StaticProvider) ExpandQuery(ctx context.Context, query string) ([]Variant, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tokens := staticTokens(query)
	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !staticStopWords[tok] {
			kept = append(kept, tok)
		}
	}
	stripped := strings.Join(kept, " ")
	if stripped == "" || strings.EqualFold(stripped, strings.TrimSpace(query)) {
		return nil, nil
	}
	return []Variant{{Text: stripped, Route: RouteLex}}, nil
}

// Rerank scores by token overlap: the fraction of query tokens present in
// the passage.
func (s *StaticProvider) Rerank(ctx context.Context, query, passage string) (float64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	queryTokens := staticTokens(query)
	if len(queryTokens) == 0 {
		return 0, nil
	}
	passageSet := make(map[string]bool)
	for _, tok := range staticTokens(passage) {
		passageSet[tok] = true
	}

	hits := 0
	for _, tok := range queryTokens {
		if passageSet[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens)), nil
}

func (s *StaticProvider) ModelName() string {
	return "static-256"
}

func (s *StaticProvider) Dimensions() int {
	return StaticDimensions
}

func (s *StaticProvider) Available(ctx context.Context) bool {
	return s.checkOpen() == nil
}

func (s *StaticProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StaticProvider) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("provider is closed")
	}
	return nil
}

func staticTokens(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func charNgrams(text string, n int) []string {
	runes := []rune(text)
	if len(runes) < n {
		return nil
	}
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+n]))
	}
	return grams
}

func hashToIndex(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % StaticDimensions)
}

func normalizeUnit(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
