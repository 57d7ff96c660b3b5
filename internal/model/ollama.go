package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leeparayno/obsidx/internal/xerr"
)

const (
	// DefaultOllamaHost is the standard local Ollama endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultEmbedModel is the default embedding model.
	DefaultEmbedModel = "nomic-embed-text"

	defaultTimeout = 30 * time.Second
	maxRetries     = 3
)

// OllamaConfig configures the Ollama-backed provider.
type OllamaConfig struct {
	Host       string
	EmbedModel string
	// ExpandModel and RerankModel are generation models. Empty disables the
	// corresponding capability; callers fall back to heuristics.
	ExpandModel string
	RerankModel string
	// Dimensions of the embedding model; 0 auto-detects on first use.
	Dimensions int
	// Timeout bounds each HTTP call via a per-request context.
	Timeout time.Duration
}

// OllamaProvider implements Provider against the Ollama HTTP API.
type OllamaProvider struct {
	client *http.Client
	config OllamaConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

var _ Provider = (*OllamaProvider)(nil)

// NewOllamaProvider creates a provider. No connection is made until the
// first call, so construction never fails on an unreachable backend.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	// No client-level timeout: each call carries its own context deadline,
	// and a static client timeout would override longer caller deadlines.
	return &OllamaProvider{
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     10 * time.Second,
		}},
		config: cfg,
		dims:   cfg.Dimensions,
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Embed returns the embedding for text, retrying transient failures with
// exponential backoff. All failures surface as ModelUnavailable.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, p.Dimensions()), nil
	}

	var resp embedResponse
	err := p.doWithRetry(ctx, "/api/embed", embedRequest{
		Model: p.config.EmbedModel,
		Input: text,
	}, &resp)
	if err != nil {
		return nil, xerr.ModelUnavailable("embed", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, xerr.New(xerr.KindModelUnavailable, "empty embedding returned")
	}

	vec := make([]float32, len(resp.Embeddings[0]))
	for i, v := range resp.Embeddings[0] {
		vec[i] = float32(v)
	}

	p.mu.Lock()
	if p.dims == 0 {
		p.dims = len(vec)
	}
	p.mu.Unlock()

	return vec, nil
}

// ExpandQuery asks the expansion model for a rephrasing and a hypothetical
// answer. With no expansion model configured it returns nothing.
func (p *OllamaProvider) ExpandQuery(ctx context.Context, query string) ([]Variant, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if p.config.ExpandModel == "" {
		return nil, nil
	}

	prompt := "You rewrite search queries for a personal note archive.\n" +
		"Query: " + query + "\n" +
		"Line 1: the query rephrased with different wording.\n" +
		"Line 2: a one-sentence hypothetical note passage that would answer it.\n" +
		"Reply with exactly two lines and nothing else."

	var resp generateResponse
	err := p.doWithRetry(ctx, "/api/generate", generateRequest{
		Model:  p.config.ExpandModel,
		Prompt: prompt,
		Stream: false,
	}, &resp)
	if err != nil {
		return nil, xerr.ModelUnavailable("expand query", err)
	}

	lines := strings.Split(strings.TrimSpace(resp.Response), "\n")
	var variants []Variant
	for i, line := range lines {
		text := strings.TrimSpace(line)
		if text == "" || strings.EqualFold(text, query) {
			continue
		}
		route := RouteVec
		if i >= 1 {
			route = RouteHyde
		}
		variants = append(variants, Variant{Text: text, Route: route})
		if len(variants) == 2 {
			break
		}
	}
	return variants, nil
}

// Rerank asks the rerank model for a 0 to 10 relevance grade and normalizes
// it to 0..1.
func (p *OllamaProvider) Rerank(ctx context.Context, query, passage string) (float64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	if p.config.RerankModel == "" {
		return 0, xerr.New(xerr.KindModelUnavailable, "no rerank model configured")
	}

	prompt := "Grade how well the passage answers the query, 0 (irrelevant) " +
		"to 10 (direct answer). Reply with only the number.\n" +
		"Query: " + query + "\nPassage: " + passage

	var resp generateResponse
	err := p.doWithRetry(ctx, "/api/generate", generateRequest{
		Model:  p.config.RerankModel,
		Prompt: prompt,
		Stream: false,
	}, &resp)
	if err != nil {
		return 0, xerr.ModelUnavailable("rerank", err)
	}

	score, err := parseGrade(resp.Response)
	if err != nil {
		return 0, xerr.Wrap(xerr.KindModelUnavailable, "rerank response", err)
	}
	return score, nil
}

// parseGrade extracts the leading number from a model reply and maps it to
// 0..1. Models occasionally append prose despite instructions.
func parseGrade(response string) (float64, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(response), func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if len(fields) == 0 {
		return 0, fmt.Errorf("no number in %q", response)
	}
	grade, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", fields[0], err)
	}
	if grade < 0 {
		grade = 0
	}
	if grade > 10 {
		grade = 10
	}
	return grade / 10.0, nil
}

func (p *OllamaProvider) ModelName() string {
	return p.config.EmbedModel
}

func (p *OllamaProvider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dims
}

// Available checks the backend by listing models.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	if err := p.checkOpen(); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (p *OllamaProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if t, ok := p.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (p *OllamaProvider) checkOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("provider is closed")
	}
	return nil
}

// doWithRetry posts a JSON request with per-attempt timeouts and exponential
// backoff between attempts.
func (p *OllamaProvider) doWithRetry(ctx context.Context, path string, payload, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100<<attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		err := p.do(callCtx, path, payload, out)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func (p *OllamaProvider) do(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
