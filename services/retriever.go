package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/storage"
)

// VectorIndex is the part of the dataset the retriever ranks against.
type VectorIndex interface {
	Search(query []float32) ([]models.SearchResult, error)
}

// Retriever finds the bird rows most similar to a query
// 1. Chunking the query and embedding it
// 2. Scoring every table row by cosine similarity
// 3. Returning all rows, best first
type Retriever struct {
	index       VectorIndex
	embedder    Embedder
	chunker     *Chunker
	concurrency int
}

func NewRetriever(index VectorIndex, embedder Embedder, chunker *Chunker, concurrency int) *Retriever {
	return &Retriever{
		index:       index,
		embedder:    embedder,
		chunker:     chunker,
		concurrency: concurrency,
	}
}

// QueryVector embeds the query. Long queries are chunked; the first chunk's vector is used.
func (r *Retriever) QueryVector(ctx context.Context, query string) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	vectors, err := EmbedText(ctx, r.embedder, r.chunker, query, r.concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	return vectors[0], nil
}

// Retrieve ranks every row of the table against the query
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]models.SearchResult, error) {
	vector, err := r.QueryVector(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(vector)
}

// Best returns the single most similar row.
func (r *Retriever) Best(ctx context.Context, query string) (models.SearchResult, error) {
	results, err := r.Retrieve(ctx, query)
	if err != nil {
		return models.SearchResult{}, err
	}
	if len(results) == 0 {
		return models.SearchResult{}, storage.ErrEmptyTable
	}
	return results[0], nil
}
