package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/blavejr/birdRAG/config"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	simpleDimensions = 128

	// chunks per EmbedBatch call
	embedBatchSize = 16
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Ping(ctx context.Context) error
	Name() string
}

// NewEmbedder builds the embedder selected by EMBED_PROVIDER.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	switch cfg.EmbedProvider {
	case config.EmbedProviderSimple:
		return NewSimpleEmbedder(), nil
	case config.EmbedProviderOllama:
		return NewOllamaEmbedder(cfg.EmbedURL, cfg.EmbedModel, cfg.EmbedTimeout), nil
	case config.EmbedProviderOpenAI:
		return NewOpenAIEmbedder(cfg.EmbedURL, cfg.EmbedAPIKey, cfg.EmbedModel, cfg.EmbedDimensions, cfg.EmbedTimeout), nil
	default:
		return nil, fmt.Errorf("unknown embed provider %q", cfg.EmbedProvider)
	}
}

// EmbedText chunks text and embeds every chunk, returning one vector per chunk in order.
func EmbedText(ctx context.Context, embedder Embedder, chunker *Chunker, text string, concurrency int) ([][]float32, error) {
	chunks, err := chunker.Prepare(text)
	if err != nil {
		return nil, err
	}
	return EmbedChunks(ctx, embedder, chunks, concurrency)
}

// EmbedChunks embeds already prepared chunks in batches of embedBatchSize,
// running up to concurrency batches at once. Vectors come back in chunk order.
func EmbedChunks(ctx context.Context, embedder Embedder, chunks []string, concurrency int) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("nothing to embed: %w", ErrEmptyQuery)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	embeddings := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for start := 0; start < len(chunks); start += embedBatchSize {
		start := start
		end := min(start+embedBatchSize, len(chunks))
		g.Go(func() error {
			batch, err := embedder.EmbedBatch(gctx, chunks[start:end])
			if err != nil {
				return fmt.Errorf("failed to generate embeddings for chunks %d-%d: %w", start, end-1, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), end-start)
			}
			copy(embeddings[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := 1; i < len(embeddings); i++ {
		if len(embeddings[i]) != len(embeddings[0]) {
			return nil, fmt.Errorf("chunk %d has %d dimensions, chunk 0 has %d", i, len(embeddings[i]), len(embeddings[0]))
		}
	}
	return embeddings, nil
}

// SimpleEmbedder is a deterministic hashed bag-of-words embedder that needs no model server.
type SimpleEmbedder struct{}

func NewSimpleEmbedder() *SimpleEmbedder {
	return &SimpleEmbedder{}
}

func (e *SimpleEmbedder) Name() string { return config.EmbedProviderSimple }

func (e *SimpleEmbedder) Ping(context.Context) error { return nil }

func (e *SimpleEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	embedding := make([]float32, simpleDimensions)

	terms := simpleTerms(text)
	if len(terms) == 0 {
		return embedding, nil
	}

	for _, term := range terms {
		hash := 0
		for _, char := range term {
			hash = hash*31 + int(char)
		}
		pos := (hash & 0x7FFFFFFF) % simpleDimensions
		embedding[pos] += 1 / float32(len(terms))
	}

	var norm float64
	for _, val := range embedding {
		norm += float64(val) * float64(val)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range embedding {
			embedding[i] /= n
		}
	}

	return embedding, nil
}

func (e *SimpleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embedding for text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// words are lower-cased and stripped of punctuation; runs of Han characters
// have no spaces, so they contribute character bigrams instead
func simpleTerms(text string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if word == "" {
			continue
		}

		runes := []rune(word)
		if !containsHan(runes) {
			terms = append(terms, word)
			continue
		}
		if len(runes) == 1 {
			terms = append(terms, word)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			if unicode.IsPunct(runes[i]) || unicode.IsPunct(runes[i+1]) {
				continue
			}
			terms = append(terms, string(runes[i:i+2]))
		}
	}
	return terms
}

func containsHan(runes []rune) bool {
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// handle embedding generation via Ollama
type OllamaEmbedder struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) *OllamaEmbedder {
	return &OllamaEmbedder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Name() string { return config.EmbedProviderOllama }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(ollamaEmbedRequest{
		Model:  e.Model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/api/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}

	return embedResp.Embedding, nil
}

// Ollama's embeddings endpoint takes one prompt per call
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embedding for text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	return pingOllama(ctx, e.Client, e.BaseURL)
}

func pingOllama(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API returned status %d", resp.StatusCode)
	}
	return nil
}

// OpenAIEmbedder calls any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int, timeout time.Duration) *OpenAIEmbedder {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}

	return &OpenAIEmbedder{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

func (e *OpenAIEmbedder) Name() string { return config.EmbedProviderOpenAI }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)", len(resp.Data), len(texts), e.model)
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", item.Index)
		}
		vector := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vector[i] = float32(v)
		}
		embeddings[item.Index] = vector
	}
	return embeddings, nil
}

func (e *OpenAIEmbedder) Ping(ctx context.Context) error {
	_, err := e.Embed(ctx, "ping")
	return err
}

// LogPing reports whether an upstream is reachable without failing startup.
func LogPing(ctx context.Context, logger *zap.Logger, what string, ping func(context.Context) error) {
	if err := ping(ctx); err != nil {
		logger.Warn("connection test failed", zap.String("upstream", what), zap.Error(err))
		return
	}
	logger.Info("connected", zap.String("upstream", what))
}
