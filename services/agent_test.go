package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/blavejr/birdRAG/metrics"
	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticIndex []models.SearchResult

func (s staticIndex) Search([]float32) ([]models.SearchResult, error) { return s, nil }

type mapRecords map[string]json.RawMessage

func (m mapRecords) Record(id string) (json.RawMessage, error) {
	r, ok := m[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	return r, nil
}

type fakeGenerator struct {
	answer  string
	err     error
	prompts []string
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(_ context.Context, prompt string, _ []Turn) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

type fakeLiterature struct {
	passages []string
	err      error
}

func (f fakeLiterature) Search(context.Context, string) ([]string, error) {
	return f.passages, f.err
}

type memoryArchive struct {
	mu      sync.Mutex
	records []models.AnswerRecord
	err     error
}

func (m *memoryArchive) SaveAnswer(_ context.Context, record models.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return m.err
}

type agentFixture struct {
	agent     *Agent
	generator *fakeGenerator
	archive   *memoryArchive
	metrics   *metrics.Metrics
}

func newAgentFixture(t *testing.T, index VectorIndex, literature PassageSearcher) *agentFixture {
	t.Helper()

	chunker, err := NewChunker(512, 0)
	require.NoError(t, err)

	f := &agentFixture{
		generator: &fakeGenerator{answer: "It winters in Jiangsu."},
		archive:   &memoryArchive{},
		metrics:   metrics.New(),
	}
	f.agent = NewAgent(AgentDeps{
		Retriever:  NewRetriever(index, NewSimpleEmbedder(), chunker, 2),
		Records:    mapRecords{"丹顶鹤": json.RawMessage(`{"habitat":"wetland"}`)},
		Literature: literature,
		Generator:  f.generator,
		Archive:    f.archive,
		Metrics:    f.metrics,
		Logger:     zap.NewNop(),
	})
	return f
}

func assertGenerations(t *testing.T, m *metrics.Metrics, mode, outcome string) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP birdrag_generation_total Generation calls by answer mode and outcome
# TYPE birdrag_generation_total counter
birdrag_generation_total{mode=%q,outcome=%q} 1
`, mode, outcome)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "birdrag_generation_total"))
}

func TestAgent_AnswerFromTable(t *testing.T) {
	index := staticIndex{
		{Row: models.VectorRow{BirdID: "丹顶鹤"}, Score: 0.93},
		{Row: models.VectorRow{BirdID: "白鹤"}, Score: 0.41},
	}
	f := newAgentFixture(t, index, fakeLiterature{})

	answer, err := f.agent.AnswerFromTable(context.Background(), "  where does the red-crowned crane winter?  ")
	require.NoError(t, err)

	assert.Equal(t, "It winters in Jiangsu.", answer.Answer)
	assert.Equal(t, "丹顶鹤", answer.BirdID)
	assert.InDelta(t, 0.93, answer.Similarity, 1e-9)
	assert.JSONEq(t, `{"habitat":"wetland"}`, string(answer.Record))

	require.Len(t, f.generator.prompts, 1)
	assert.Contains(t, f.generator.prompts[0], `"habitat": "wetland"`)
	assert.Contains(t, f.generator.prompts[0], "where does the red-crowned crane winter?")

	require.Len(t, f.archive.records, 1)
	saved := f.archive.records[0]
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, models.ModeTable, saved.Mode)
	assert.Equal(t, "丹顶鹤", saved.BirdID)
	assert.False(t, saved.CreatedAt.IsZero())

	assertGenerations(t, f.metrics, models.ModeTable, "ok")
}

func TestAgent_AnswerFromTableErrors(t *testing.T) {
	t.Run("empty query", func(t *testing.T) {
		f := newAgentFixture(t, staticIndex{}, fakeLiterature{})
		_, err := f.agent.AnswerFromTable(context.Background(), "   ")
		assert.ErrorIs(t, err, ErrEmptyQuery)
	})

	t.Run("empty table", func(t *testing.T) {
		f := newAgentFixture(t, staticIndex{}, fakeLiterature{})
		_, err := f.agent.AnswerFromTable(context.Background(), "crane")
		assert.ErrorIs(t, err, storage.ErrEmptyTable)
	})

	t.Run("record missing", func(t *testing.T) {
		f := newAgentFixture(t, staticIndex{{Row: models.VectorRow{BirdID: "白鹤"}, Score: 0.5}}, fakeLiterature{})
		_, err := f.agent.AnswerFromTable(context.Background(), "crane")
		assert.ErrorIs(t, err, storage.ErrRecordNotFound)
		assert.Empty(t, f.generator.prompts)
	})
}

func TestAgent_GenerationFailureBecomesAnswer(t *testing.T) {
	f := newAgentFixture(t, staticIndex{{Row: models.VectorRow{BirdID: "丹顶鹤"}, Score: 0.9}}, fakeLiterature{})
	f.generator.err = errors.New("dial tcp: connection refused")

	answer, err := f.agent.AnswerFromTable(context.Background(), "crane")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(answer.Answer, RequestFailedMarker))
	assertGenerations(t, f.metrics, models.ModeTable, "error")
}

func TestAgent_ArchiveFailureKeepsAnswer(t *testing.T) {
	f := newAgentFixture(t, staticIndex{{Row: models.VectorRow{BirdID: "丹顶鹤"}, Score: 0.9}}, fakeLiterature{})
	f.archive.err = errors.New("disk full")

	answer, err := f.agent.AnswerFromTable(context.Background(), "crane")
	require.NoError(t, err)
	assert.Equal(t, "It winters in Jiangsu.", answer.Answer)
}

func TestAgent_AnswerFromLiterature(t *testing.T) {
	f := newAgentFixture(t, staticIndex{}, fakeLiterature{passages: []string{"Cranes roost in shallow water."}})

	answer, err := f.agent.AnswerFromLiterature(context.Background(), "where do cranes roost?")
	require.NoError(t, err)

	assert.Equal(t, "It winters in Jiangsu.", answer.Answer)
	assert.Equal(t, []string{"Cranes roost in shallow water."}, answer.Passages)
	require.Len(t, f.generator.prompts, 1)
	assert.Contains(t, f.generator.prompts[0], "[1] Cranes roost in shallow water.")

	require.Len(t, f.archive.records, 1)
	assert.Equal(t, models.ModeLiterature, f.archive.records[0].Mode)
}

func TestAgent_AnswerFromLiteratureSearchFailure(t *testing.T) {
	f := newAgentFixture(t, staticIndex{}, fakeLiterature{err: errors.New("timeout")})

	answer, err := f.agent.AnswerFromLiterature(context.Background(), "where do cranes roost?")
	require.NoError(t, err)
	assert.Empty(t, answer.Passages)
	require.Len(t, f.generator.prompts, 1)
	assert.Contains(t, f.generator.prompts[0], "(无检索结果)")
}

func TestAgent_NoArchive(t *testing.T) {
	chunker, err := NewChunker(512, 0)
	require.NoError(t, err)

	agent := NewAgent(AgentDeps{
		Retriever:  NewRetriever(staticIndex{}, NewSimpleEmbedder(), chunker, 1),
		Literature: fakeLiterature{},
		Generator:  &fakeGenerator{answer: "ok"},
	})

	answer, err := agent.AnswerFromLiterature(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", answer.Answer)
}
