package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/blavejr/birdRAG/metrics"
	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordSource looks bird records up by id.
type RecordSource interface {
	Record(id string) (json.RawMessage, error)
}

// PassageSearcher retrieves literature passages for a query.
type PassageSearcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Archive keeps a copy of every generated answer.
type Archive interface {
	SaveAnswer(ctx context.Context, record models.AnswerRecord) error
}

type TableAnswer struct {
	Answer     string
	BirdID     string
	Similarity float64
	Record     json.RawMessage
}

type LiteratureAnswer struct {
	Answer   string
	Passages []string
}

// Agent runs the two answer pipelines: table lookup and literature search.
type Agent struct {
	retriever  *Retriever
	records    RecordSource
	literature PassageSearcher
	generator  Generator
	prompts    *PromptSet
	archive    Archive
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

type AgentDeps struct {
	Retriever  *Retriever
	Records    RecordSource
	Literature PassageSearcher
	Generator  Generator
	Prompts    *PromptSet
	Archive    Archive // optional
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewAgent(deps AgentDeps) *Agent {
	prompts := deps.Prompts
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		retriever:  deps.Retriever,
		records:    deps.Records,
		literature: deps.Literature,
		generator:  deps.Generator,
		prompts:    prompts,
		archive:    deps.Archive,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// AnswerFromTable answers from the bird record whose vector best matches the query.
// Generation failures come back as the answer text, not as an error.
func (a *Agent) AnswerFromTable(ctx context.Context, query string) (*TableAnswer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	startTime := time.Now()
	best, err := a.retriever.Best(ctx, query)
	if err != nil {
		return nil, err
	}
	a.logger.Info("matched bird",
		zap.String("query", query),
		zap.String("bird_id", best.Row.BirdID),
		zap.Float64("similarity", best.Score),
		zap.Duration("took", time.Since(startTime)))

	record, err := a.records.Record(best.Row.BirdID)
	if err != nil {
		return nil, err
	}

	prompt, err := a.prompts.Table(query, storage.RecordText(record))
	if err != nil {
		return nil, err
	}

	answer := a.generate(ctx, models.ModeTable, prompt)

	a.save(ctx, models.AnswerRecord{
		Mode:       models.ModeTable,
		Query:      query,
		Answer:     answer,
		BirdID:     best.Row.BirdID,
		Similarity: best.Score,
	})

	return &TableAnswer{
		Answer:     answer,
		BirdID:     best.Row.BirdID,
		Similarity: best.Score,
		Record:     record,
	}, nil
}

// AnswerFromLiterature answers from passages returned by the literature search API.
// A failed search is logged and the question is still sent with an empty passage list.
func (a *Agent) AnswerFromLiterature(ctx context.Context, query string) (*LiteratureAnswer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	passages, err := a.literature.Search(ctx, query)
	if err != nil {
		a.logger.Warn("literature search failed", zap.String("query", query), zap.Error(err))
		passages = []string{}
	}
	a.logger.Info("literature passages retrieved", zap.String("query", query), zap.Int("count", len(passages)))

	prompt, err := a.prompts.Literature(query, passages)
	if err != nil {
		return nil, err
	}

	answer := a.generate(ctx, models.ModeLiterature, prompt)

	a.save(ctx, models.AnswerRecord{
		Mode:     models.ModeLiterature,
		Query:    query,
		Answer:   answer,
		Passages: passages,
	})

	return &LiteratureAnswer{
		Answer:   answer,
		Passages: passages,
	}, nil
}

func (a *Agent) generate(ctx context.Context, mode, prompt string) string {
	startTime := time.Now()
	answer, err := a.generator.Generate(ctx, prompt, nil)
	if err != nil {
		a.logger.Error("generation failed",
			zap.String("mode", mode),
			zap.String("generator", a.generator.Name()),
			zap.Error(err))
		a.metrics.ObserveGeneration(mode, "error")
		return AnswerOrError(err)
	}

	a.logger.Info("answer generated",
		zap.String("mode", mode),
		zap.Int("length", len(answer)),
		zap.Duration("took", time.Since(startTime)))
	a.metrics.ObserveGeneration(mode, "ok")
	return answer
}

func (a *Agent) save(ctx context.Context, record models.AnswerRecord) {
	if a.archive == nil {
		return
	}
	record.ID = uuid.NewString()
	record.CreatedAt = time.Now().UTC()

	// the answer is already produced; a failed archive write must not lose it
	if err := a.archive.SaveAnswer(context.WithoutCancel(ctx), record); err != nil {
		a.logger.Warn("failed to archive answer", zap.String("mode", record.Mode), zap.Error(err))
	}
}
