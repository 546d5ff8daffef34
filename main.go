package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blavejr/birdRAG/config"
	"github.com/blavejr/birdRAG/controllers"
	"github.com/blavejr/birdRAG/evaluation"
	"github.com/blavejr/birdRAG/logging"
	"github.com/blavejr/birdRAG/metrics"
	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/services"
	"github.com/blavejr/birdRAG/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultEvalDataset = "evaluation/dataset.json"
	defaultEvalReport  = "evaluation/results/baseline.json"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		runServer(cfg, logger)
	case "evaluate":
		// usage: birdrag evaluate [dataset.json]
		runEvaluation(cfg, logger)
	case "vectorize":
		// usage: birdrag vectorize [out.csv]
		runVectorize(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, evaluate or vectorize)\n", command)
		os.Exit(2)
	}
}

// pipeline is everything both answer paths need.
type pipeline struct {
	dataset   *storage.Dataset
	retriever *services.Retriever
	agent     *services.Agent
	mongo     *storage.MongoStore
}

func (p *pipeline) Close() {
	if p.mongo != nil {
		_ = p.mongo.Close()
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*pipeline, error) {
	dataset := storage.NewDataset(cfg.DatasetCSV, cfg.RecordsJSON, columns(cfg), logger)
	dataset.OnLoad(m.SetDatasetRows)
	if err := dataset.Reload(); err != nil {
		return nil, err
	}

	embedder, err := services.NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	chunker, err := services.NewChunker(cfg.ChunkWords, cfg.ChunkMaxTokens)
	if err != nil {
		return nil, err
	}
	prompts, err := services.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return nil, err
	}
	generator, err := services.NewGenerator(cfg, prompts.System)
	if err != nil {
		return nil, err
	}

	p := &pipeline{dataset: dataset}

	var archive services.Archive
	switch cfg.ArchiveBackend {
	case config.ArchiveMarkdown:
		md, err := storage.NewMarkdownArchive(cfg.ArchiveDir)
		if err != nil {
			return nil, err
		}
		archive = md
	case config.ArchiveMongo:
		store, err := storage.NewMongoStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn("index creation skipped", zap.Error(err))
		}
		p.mongo = store
		archive = store
	}

	services.LogPing(ctx, logger, "embedder "+embedder.Name(), embedder.Ping)
	if pinger, ok := generator.(interface{ Ping(context.Context) error }); ok {
		services.LogPing(ctx, logger, "generator "+generator.Name(), pinger.Ping)
	}

	p.retriever = services.NewRetriever(dataset, embedder, chunker, cfg.EmbedConcurrency)
	p.agent = services.NewAgent(services.AgentDeps{
		Retriever:  p.retriever,
		Records:    dataset,
		Literature: services.NewLiteratureClient(cfg),
		Generator:  generator,
		Prompts:    prompts,
		Archive:    archive,
		Metrics:    m,
		Logger:     logger,
	})

	return p, nil
}

func runServer(cfg *config.Config, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	p, err := buildPipeline(ctx, cfg, m, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer p.Close()

	if cfg.DatasetWatch {
		go func() {
			if err := p.dataset.Watch(ctx); err != nil {
				logger.Error("dataset watcher stopped", zap.Error(err))
			}
		}()
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// only the mongo archive can be listed back
	var answers controllers.AnswerLister
	if p.mongo != nil {
		answers = p.mongo
	}
	rc := controllers.NewRAGController(p.agent, p.retriever, p.dataset, answers, logger)
	router := controllers.NewRouter(rc, m, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("bird RAG server starting",
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment),
			zap.Int("rows", p.dataset.Len()),
			zap.String("embed_provider", cfg.EmbedProvider),
			zap.String("generate_provider", cfg.GenerateProvider),
			zap.String("archive", cfg.ArchiveBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func runEvaluation(cfg *config.Config, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer p.Close()

	datasetPath := defaultEvalDataset
	if len(os.Args) > 2 {
		datasetPath = os.Args[2]
	}
	questions, err := evaluation.LoadDataset(datasetPath)
	if err != nil {
		logger.Fatal("failed to load evaluation dataset", zap.Error(err))
	}
	logger.Info("loaded questions", zap.Int("count", len(questions)), zap.String("path", datasetPath))

	report, err := evaluation.NewEvaluator(p.agent, cfg, logger).Evaluate(ctx, questions)
	if err != nil {
		logger.Fatal("evaluation failed", zap.Error(err))
	}

	evaluation.PrintSummary(os.Stdout, report)

	if err := evaluation.SaveReport(report, defaultEvalReport); err != nil {
		logger.Fatal("failed to save report", zap.Error(err))
	}
	logger.Info("evaluation complete", zap.String("report", defaultEvalReport))
}

func runVectorize(cfg *config.Config, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outPath := cfg.DatasetCSV
	if len(os.Args) > 2 {
		outPath = os.Args[2]
	}

	records, err := storage.LoadRecords(cfg.RecordsJSON)
	if err != nil {
		logger.Fatal("failed to load records", zap.Error(err))
	}
	embedder, err := services.NewEmbedder(cfg)
	if err != nil {
		logger.Fatal("failed to build embedder", zap.Error(err))
	}
	chunker, err := services.NewChunker(cfg.ChunkWords, cfg.ChunkMaxTokens)
	if err != nil {
		logger.Fatal("failed to build chunker", zap.Error(err))
	}

	startTime := time.Now()
	rows, err := services.Vectorize(ctx, records, embedder, chunker, cfg.EmbedConcurrency)
	if err != nil {
		logger.Fatal("vectorize failed", zap.Error(err))
	}

	if err := writeVectorTable(outPath, columns(cfg), rows); err != nil {
		logger.Fatal("failed to write vector table", zap.Error(err))
	}
	logger.Info("vector table written",
		zap.String("path", outPath),
		zap.Int("records", len(records)),
		zap.Int("rows", len(rows)),
		zap.String("embedder", embedder.Name()),
		zap.Duration("took", time.Since(startTime)))
}

func writeVectorTable(path string, cols storage.Columns, rows []models.VectorRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := storage.WriteVectorTable(f, cols, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func columns(cfg *config.Config) storage.Columns {
	return storage.Columns{
		ID:          cfg.CSVIDColumn,
		Embedding:   cfg.CSVEmbeddingColumn,
		Description: cfg.CSVDescriptionColumn,
	}
}
