package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingIndex struct {
	query []float32
	rows  []models.SearchResult
}

func (r *recordingIndex) Search(query []float32) ([]models.SearchResult, error) {
	r.query = query
	return r.rows, nil
}

func TestRetriever_UsesFirstChunkVector(t *testing.T) {
	chunker, err := NewChunker(2, 0)
	require.NoError(t, err)

	fake := &fakeEmbedder{vectors: map[string][]float32{
		"red crowned": {1, 0},
		"crane":       {0, 1},
	}}
	index := &recordingIndex{}

	vector, err := NewRetriever(index, fake, chunker, 2).QueryVector(context.Background(), "red crowned crane")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vector)
	assert.EqualValues(t, 2, fake.calls.Load())
}

func TestRetriever_Best(t *testing.T) {
	chunker, err := NewChunker(512, 0)
	require.NoError(t, err)

	index := &recordingIndex{rows: []models.SearchResult{
		{Row: models.VectorRow{BirdID: "白鹭"}, Score: 0.8},
		{Row: models.VectorRow{BirdID: "苍鹭"}, Score: 0.2},
	}}
	r := NewRetriever(index, NewSimpleEmbedder(), chunker, 1)

	best, err := r.Best(context.Background(), "little egret")
	require.NoError(t, err)
	assert.Equal(t, "白鹭", best.Row.BirdID)
	assert.Len(t, index.query, simpleDimensions)

	_, err = r.Best(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	index.rows = nil
	_, err = r.Best(context.Background(), "little egret")
	assert.ErrorIs(t, err, storage.ErrEmptyTable)
}

func TestRetriever_BestRejectsTableOfAnotherSize(t *testing.T) {
	chunker, err := NewChunker(512, 0)
	require.NoError(t, err)

	// a table built by a 768-dimension model, queried with the 128-dimension simple embedder
	var csvBody strings.Builder
	csvBody.WriteString("鸟名,text\n")
	for _, id := range []string{"白鹤", "丹顶鹤"} {
		vector := make([]float32, 768)
		vector[0] = 1
		encoded, err := json.Marshal(vector)
		require.NoError(t, err)
		fmt.Fprintf(&csvBody, "%s,\"%s\"\n", id, encoded)
	}

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bird_vector_database.csv")
	recordsPath := filepath.Join(dir, "transformed_data.json")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvBody.String()), 0o644))
	require.NoError(t, os.WriteFile(recordsPath, []byte(`{"白鹤": "x", "丹顶鹤": "y"}`), 0o644))

	dataset := storage.NewDataset(csvPath, recordsPath, storage.Columns{ID: "鸟名", Embedding: "text"}, zap.NewNop())
	require.NoError(t, dataset.Reload())
	require.Equal(t, 768, dataset.Dimensions())

	_, err = NewRetriever(dataset, NewSimpleEmbedder(), chunker, 1).Best(context.Background(), "丹顶鹤 在哪里越冬")
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestVectorize(t *testing.T) {
	chunker, err := NewChunker(3, 0)
	require.NoError(t, err)

	records := map[string]json.RawMessage{
		"白鹤":  json.RawMessage(`"Siberian crane breeds in the Arctic tundra"`),
		"丹顶鹤": json.RawMessage(`"Red-crowned crane"`),
		"空":   json.RawMessage(`""`),
	}

	rows, err := Vectorize(context.Background(), records, NewSimpleEmbedder(), chunker, 2)
	require.NoError(t, err)

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.BirdID
		assert.Len(t, row.Embedding, simpleDimensions)
	}
	// sorted ids; the seven-word record splits into three chunks; the empty record is skipped
	assert.Equal(t, []string{"丹顶鹤", "白鹤", "白鹤", "白鹤"}, ids)
	assert.Equal(t, "Siberian crane breeds", rows[1].Description)
	assert.True(t, strings.HasPrefix(rows[3].Description, "tundra"))
}

func TestVectorize_OneBatchPerRecord(t *testing.T) {
	chunker, err := NewChunker(2, 0)
	require.NoError(t, err)

	records := map[string]json.RawMessage{
		"白鹤":  json.RawMessage(`"tubers rhizomes shallow lakes"`),
		"丹顶鹤": json.RawMessage(`"reed marsh"`),
	}
	fake := &fakeEmbedder{}

	rows, err := Vectorize(context.Background(), records, fake, chunker, 2)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "reed marsh", rows[0].Description)
	assert.Equal(t, "shallow lakes", rows[2].Description)
	assert.EqualValues(t, 2, fake.batches.Load())
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestVectorize_CancelledContext(t *testing.T) {
	chunker, err := NewChunker(3, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Vectorize(ctx, map[string]json.RawMessage{"a": json.RawMessage(`"x"`)}, NewSimpleEmbedder(), chunker, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetriever_ShippedTable(t *testing.T) {
	dataset := storage.NewDataset(
		filepath.Join("..", "data", "bird_vector_database.csv"),
		filepath.Join("..", "data", "transformed_data.json"),
		storage.Columns{ID: "鸟名", Embedding: "text", Description: "description"},
		zap.NewNop(),
	)
	require.NoError(t, dataset.Reload())
	require.Equal(t, simpleDimensions, dataset.Dimensions())

	chunker, err := NewChunker(512, 0)
	require.NoError(t, err)

	best, err := NewRetriever(dataset, NewSimpleEmbedder(), chunker, 1).Best(context.Background(), "Grus japonensis Red-crowned Crane")
	require.NoError(t, err)
	assert.Equal(t, "丹顶鹤", best.Row.BirdID)

	_, err = dataset.Record(best.Row.BirdID)
	assert.NoError(t, err)
}
