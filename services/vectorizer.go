package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/storage"
)

// Vectorize builds the vector table for a set of bird records.
// Every record is chunked and each chunk becomes its own row, ids in sorted order.
func Vectorize(ctx context.Context, records map[string]json.RawMessage, embedder Embedder, chunker *Chunker, concurrency int) ([]models.VectorRow, error) {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []models.VectorRow
	dimensions := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := storage.RecordText(records[id])
		chunks, err := chunker.Prepare(text)
		if err != nil {
			return nil, fmt.Errorf("bird %s: %w", id, err)
		}
		if len(chunks) == 0 {
			continue
		}

		vectors, err := EmbedChunks(ctx, embedder, chunks, concurrency)
		if err != nil {
			return nil, fmt.Errorf("bird %s: %w", id, err)
		}
		for i, vector := range vectors {
			if dimensions == 0 {
				dimensions = len(vector)
			} else if len(vector) != dimensions {
				return nil, fmt.Errorf("bird %s: embedding has %d dimensions, expected %d", id, len(vector), dimensions)
			}
			rows = append(rows, models.VectorRow{
				BirdID:      id,
				Description: chunks[i],
				Embedding:   vector,
			})
		}
	}
	return rows, nil
}
