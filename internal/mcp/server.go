package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leeparayno/obsidx/internal/embed"
	"github.com/leeparayno/obsidx/internal/search"
	"github.com/leeparayno/obsidx/internal/store"
	"github.com/leeparayno/obsidx/internal/xerr"
	"github.com/leeparayno/obsidx/pkg/version"
)

const maxSearchLimit = 50

// Server bridges MCP clients with the hybrid search engine and the vault
// metadata store.
type Server struct {
	mcp    *mcp.Server
	engine *search.Engine
	meta   store.MetadataStore
	cache  *embed.Cache
	logger *slog.Logger
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"the search query to execute"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of notes, default 10"`
	Collection string `json:"collection,omitempty" jsonschema:"restrict results to one collection"`
	Lexical    bool   `json:"lexical,omitempty" jsonschema:"skip vector retrieval and reranking"`
}

// SearchResultOutput is one ranked note.
type SearchResultOutput struct {
	Collection   string   `json:"collection"`
	Path         string   `json:"path"`
	Title        string   `json:"title,omitempty"`
	Heading      string   `json:"heading,omitempty"`
	Snippet      string   `json:"snippet"`
	Score        float64  `json:"score"`
	MatchedTerms []string `json:"matched_terms,omitempty"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`

	// Degraded lists pipeline stages that were skipped, e.g. "vector" when
	// the model backend is down. Empty means the full pipeline ran.
	Degraded []string `json:"degraded,omitempty"`
}

// GetNoteInput defines the input schema for the get_note tool.
type GetNoteInput struct {
	Path       string `json:"path" jsonschema:"vault-relative path of the note"`
	Collection string `json:"collection,omitempty" jsonschema:"collection the note belongs to"`
}

// NoteOutput is one full note with metadata.
type NoteOutput struct {
	Collection string   `json:"collection"`
	Path       string   `json:"path"`
	Title      string   `json:"title,omitempty"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Links      []string `json:"links,omitempty"`
	Backlinks  []string `json:"backlinks,omitempty"`
}

// MultiGetInput defines the input schema for the multi_get tool.
type MultiGetInput struct {
	Paths      []string `json:"paths" jsonschema:"vault-relative paths of the notes to fetch"`
	Collection string   `json:"collection,omitempty" jsonschema:"collection the notes belong to"`
}

// MultiGetOutput defines the output schema for the multi_get tool.
type MultiGetOutput struct {
	Notes []NoteOutput `json:"notes"`

	// Missing lists requested paths that are not in the index.
	Missing []string `json:"missing,omitempty"`
}

// StatusInput defines the input schema for the status tool (no parameters).
type StatusInput struct{}

// StatusOutput defines the output schema for the status tool.
type StatusOutput struct {
	Version        string `json:"version"`
	DocumentCount  int    `json:"document_count"`
	ChunkCount     int    `json:"chunk_count"`
	EmbeddingCount int    `json:"embedding_count"`
	TagCount       int    `json:"tag_count"`
	LinkCount      int    `json:"link_count"`
	LastIndexedAt  string `json:"last_indexed_at,omitempty"`
	Model          string `json:"model"`
	ModelAvailable bool   `json:"model_available"`
}

// NewServer creates the MCP server and registers its tools.
func NewServer(engine *search.Engine, meta store.MetadataStore, cache *embed.Cache, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("search engine is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine: engine,
		meta:   meta,
		cache:  cache,
		logger: logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "obsidx",
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid semantic search over the vault. Combines keyword and embedding retrieval, so it finds notes by meaning as well as exact words. Results carry a degradation field when parts of the pipeline were unavailable.",
	}, s.searchHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_note",
		Description: "Fetch one note by its vault-relative path, with full content, tags, outgoing links, and backlinks.",
	}, s.getNoteHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "multi_get",
		Description: "Fetch several notes at once by path. Missing paths are reported rather than failing the whole call.",
	}, s.multiGetHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "status",
		Description: "Index freshness and size: note, chunk, and embedding counts, plus whether the embedding model backend is reachable.",
	}, s.statusHandler)

	s.logger.Debug("mcp tools registered", slog.Int("count", 4))
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func (s *Server) searchHandler(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	resp, err := s.engine.Search(ctx, input.Query, search.Options{
		Limit:       limit,
		Collection:  input.Collection,
		LexicalOnly: input.Lexical,
	})
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	out := SearchOutput{Results: make([]SearchResultOutput, 0, len(resp.Results))}
	for _, r := range resp.Results {
		out.Results = append(out.Results, SearchResultOutput{
			Collection:   r.Document.Collection,
			Path:         r.Document.Path,
			Title:        r.Document.Title,
			Heading:      r.Chunk.Heading,
			Snippet:      r.Chunk.Text,
			Score:        r.Score,
			MatchedTerms: r.MatchedTerms,
		})
	}
	for _, stage := range resp.Degraded {
		out.Degraded = append(out.Degraded, string(stage))
	}

	s.logger.Info("mcp search",
		slog.String("query", input.Query),
		slog.Int("results", len(out.Results)),
		slog.Int("degraded", len(out.Degraded)))
	return nil, out, nil
}

func (s *Server) getNoteHandler(ctx context.Context, req *mcp.CallToolRequest, input GetNoteInput) (*mcp.CallToolResult, NoteOutput, error) {
	if input.Path == "" {
		return nil, NoteOutput{}, NewInvalidParamsError("path parameter is required")
	}
	note, err := s.fetchNote(ctx, input.Collection, input.Path)
	if err != nil {
		return nil, NoteOutput{}, MapError(err)
	}
	return nil, *note, nil
}

func (s *Server) multiGetHandler(ctx context.Context, req *mcp.CallToolRequest, input MultiGetInput) (*mcp.CallToolResult, MultiGetOutput, error) {
	if len(input.Paths) == 0 {
		return nil, MultiGetOutput{}, NewInvalidParamsError("paths parameter is required")
	}

	out := MultiGetOutput{Notes: make([]NoteOutput, 0, len(input.Paths))}
	for _, path := range input.Paths {
		note, err := s.fetchNote(ctx, input.Collection, path)
		if err != nil {
			if mapped, ok := MapError(err).(*Error); ok && mapped.Code == ErrCodeNoteNotFound {
				out.Missing = append(out.Missing, path)
				continue
			}
			return nil, MultiGetOutput{}, MapError(err)
		}
		out.Notes = append(out.Notes, *note)
	}
	return nil, out, nil
}

func (s *Server) statusHandler(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	stats, err := s.meta.Stats(ctx)
	if err != nil {
		return nil, StatusOutput{}, MapError(err)
	}

	out := StatusOutput{
		Version:        version.Version,
		DocumentCount:  stats.DocumentCount,
		ChunkCount:     stats.ChunkCount,
		EmbeddingCount: stats.EmbeddingCount,
		TagCount:       stats.TagCount,
		LinkCount:      stats.LinkCount,
	}
	if !stats.LastIndexedAt.IsZero() {
		out.LastIndexedAt = stats.LastIndexedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if s.cache != nil {
		provider := s.cache.Provider()
		out.Model = provider.ModelName()
		out.ModelAvailable = provider.Available(ctx)
	}
	return nil, out, nil
}

func (s *Server) fetchNote(ctx context.Context, collection, path string) (*NoteOutput, error) {
	doc, err := s.lookupDocument(ctx, collection, path)
	if err != nil {
		return nil, err
	}
	content, err := s.meta.GetContent(ctx, doc.ContentHash)
	if err != nil {
		return nil, err
	}

	tags, err := s.meta.TagsFor(ctx, doc.Collection, doc.Path)
	if err != nil {
		return nil, err
	}
	links, err := s.meta.LinksFrom(ctx, doc.Collection, doc.Path)
	if err != nil {
		return nil, err
	}
	backlinks, err := s.meta.Backlinks(ctx, doc.Collection, doc.Path)
	if err != nil {
		return nil, err
	}

	return &NoteOutput{
		Collection: doc.Collection,
		Path:       doc.Path,
		Title:      doc.Title,
		Content:    string(content),
		Tags:       tags,
		Links:      links,
		Backlinks:  backlinks,
	}, nil
}

// lookupDocument resolves a note path. With no collection given the path is
// matched across all collections; an ambiguous match is an error.
func (s *Server) lookupDocument(ctx context.Context, collection, path string) (*store.Document, error) {
	if collection != "" {
		return s.meta.GetDocument(ctx, collection, path)
	}

	docs, err := s.meta.ListDocuments(ctx, "")
	if err != nil {
		return nil, err
	}
	var found *store.Document
	for _, doc := range docs {
		if doc.Path != path {
			continue
		}
		if found != nil {
			return nil, NewInvalidParamsError(fmt.Sprintf(
				"path %q exists in multiple collections, pass collection", path))
		}
		found = doc
	}
	if found == nil {
		return nil, xerr.NotFound("document " + path)
	}
	return found, nil
}

// Serve runs the server over the given transport until ctx is cancelled.
// Only stdio is supported.
func (s *Server) Serve(ctx context.Context, transport string) error {
	switch transport {
	case "stdio":
		s.logger.Info("starting mcp server", slog.String("transport", transport))
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("mcp server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp server stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}
