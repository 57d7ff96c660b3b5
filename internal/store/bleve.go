package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
)

const (
	proseTokenizerName = "prose_tokenizer"
	proseStopName      = "prose_stop"
	proseAnalyzerName  = "prose_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(proseTokenizerName, proseTokenizerConstructor)
	_ = registry.RegisterTokenFilter(proseStopName, proseStopFilterConstructor)
}

// BleveIndex implements TextIndex on bleve v2. BoltDB takes an exclusive
// file lock, so this backend is single-process; FTS5 is the default.
type BleveIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	path      string
	config    TextConfig
	closed    bool
	stopWords map[string]struct{}
}

var _ TextIndex = (*BleveIndex)(nil)

type bleveChunkDoc struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// validateBleveIntegrity detects a half-written bleve index directory.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// NewBleveIndex opens or creates a bleve text index at path. An empty path
// creates an in-memory index. A corrupted index directory is cleared and
// recreated.
func NewBleveIndex(path string, config TextConfig) (*BleveIndex, error) {
	indexMapping, err := proseIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil {
			return nil, fmt.Errorf("create directory: %w", mkErr)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("bleve_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("bleve index corrupted at %s and cannot remove: %w", path, removeErr)
			}
			slog.Info("bleve_index_cleared", slog.String("path", path))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}

	return &BleveIndex{
		index:     idx,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}, nil
}

func proseIndexMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(proseAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": proseTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			proseStopName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}
	m.DefaultAnalyzer = proseAnalyzerName
	return m, nil
}

func (b *BleveIndex) Index(ctx context.Context, docs []*TextDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("text index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveChunkDoc{Title: doc.Title, Body: doc.Body}); err != nil {
			return fmt.Errorf("index %s: %w", doc.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("execute batch: %w", err)
	}
	return nil
}

func (b *BleveIndex) Search(ctx context.Context, queryStr string, limit int) ([]*TextResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("text index is closed")
	}

	if strings.TrimSpace(queryStr) == "" {
		return []*TextResult{}, nil
	}

	// Title hits count double, mirroring the FTS5 column weights.
	titleQuery := bleve.NewMatchQuery(queryStr)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2.0)
	bodyQuery := bleve.NewMatchQuery(queryStr)
	bodyQuery.SetField("body")
	query := bleve.NewDisjunctionQuery(titleQuery, bodyQuery)

	req := bleve.NewSearchRequest(query)
	req.Size = limit
	req.IncludeLocations = true

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}

	results := make([]*TextResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &TextResult{
			ID:           hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}
	return results, nil
}

func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("text index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

func (b *BleveIndex) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("text index is closed")
	}

	count, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	req.Fields = []string{}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

func (b *BleveIndex) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	n, _ := b.index.DocCount()
	return int(n)
}

func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

func matchedTerms(hit *search.DocumentMatch) []string {
	seen := make(map[string]struct{})
	for _, locations := range hit.Locations {
		for term := range locations {
			seen[term] = struct{}{}
		}
	}
	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	return terms
}

func proseTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveProseTokenizer{}, nil
}

type bleveProseTokenizer struct{}

// Tokenize implements analysis.Tokenizer with the same prose word splitting
// the FTS5 backend uses, so both backends agree on what a term is.
func (t *bleveProseTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeProse(text, 2)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func proseStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveProseStopFilter{stopWords: BuildStopWordMap(DefaultProseStopWords)}, nil
}

type bleveProseStopFilter struct {
	stopWords map[string]struct{}
}

func (f *bleveProseStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, stop := f.stopWords[strings.ToLower(string(token.Term))]; !stop {
			result = append(result, token)
		}
	}
	return result
}
