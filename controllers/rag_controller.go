package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blavejr/birdRAG/middleware"
	"github.com/blavejr/birdRAG/models"
	"github.com/blavejr/birdRAG/services"
	"github.com/blavejr/birdRAG/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit  = 5
	defaultAnswersLimit = 20
	maxListLimit        = 100
)

// BirdStore is the read side of the loaded dataset.
type BirdStore interface {
	Record(id string) (json.RawMessage, error)
	Len() int
}

// AnswerLister reads archived answers back, newest first.
type AnswerLister interface {
	ListAnswers(ctx context.Context, mode string, limit int) ([]models.AnswerRecord, error)
	CountAnswers(ctx context.Context) (int64, error)
}

type RAGController struct {
	agent     *services.Agent
	retriever *services.Retriever
	birds     BirdStore
	answers   AnswerLister
	logger    *zap.Logger
}

// NewRAGController wires the HTTP handlers. answers may be nil when no queryable archive is configured.
func NewRAGController(agent *services.Agent, retriever *services.Retriever, birds BirdStore, answers AnswerLister, logger *zap.Logger) *RAGController {
	return &RAGController{
		agent:     agent,
		retriever: retriever,
		birds:     birds,
		answers:   answers,
		logger:    logger,
	}
}

// TableAnswer answers from the best matching bird record. The body is the answer as a JSON string.
func (rc *RAGController) TableAnswer(c *gin.Context) {
	query := readQuery(c)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	answer, err := rc.agent.AnswerFromTable(c.Request.Context(), query)
	if err != nil {
		rc.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, answer.Answer)
}

// LiteratureAnswer answers from literature search passages. The body is the answer as a JSON string.
func (rc *RAGController) LiteratureAnswer(c *gin.Context) {
	query := readQuery(c)
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	answer, err := rc.agent.AnswerFromLiterature(c.Request.Context(), query)
	if err != nil {
		rc.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, answer.Answer)
}

// Query is the structured variant of the two answer routes.
func (rc *RAGController) Query(c *gin.Context) {
	startTime := time.Now()

	var req models.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeTable
	}

	resp := models.QueryResponse{Mode: mode, Sources: []models.SourceRecord{}}
	switch mode {
	case models.ModeTable:
		answer, err := rc.agent.AnswerFromTable(c.Request.Context(), req.Question)
		if err != nil {
			rc.handleError(c, err)
			return
		}
		resp.Answer = answer.Answer
		resp.Sources = append(resp.Sources, models.SourceRecord{
			BirdID: answer.BirdID,
			Score:  answer.Similarity,
			Record: answer.Record,
		})
	case models.ModeLiterature:
		answer, err := rc.agent.AnswerFromLiterature(c.Request.Context(), req.Question)
		if err != nil {
			rc.handleError(c, err)
			return
		}
		resp.Answer = answer.Answer
		for _, passage := range answer.Passages {
			resp.Sources = append(resp.Sources, models.SourceRecord{Text: passage})
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be table or literature"})
		return
	}

	resp.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	rc.logger.Info("query answered",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("mode", mode),
		zap.Int64("processing_time_ms", resp.ProcessingTimeMs))

	c.JSON(http.StatusOK, resp)
}

// SearchBirds ranks table rows against q without generating an answer.
func (rc *RAGController) SearchBirds(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit := parseLimit(c.Query("limit"), defaultSearchLimit)

	results, err := rc.retriever.Retrieve(c.Request.Context(), q)
	if err != nil {
		rc.handleError(c, err)
		return
	}

	hits := make([]models.SearchHit, 0, min(limit, len(results)))
	for _, result := range results {
		if len(hits) == limit {
			break
		}
		hits = append(hits, models.SearchHit{
			BirdID:      result.Row.BirdID,
			Description: result.Row.Description,
			Score:       result.Score,
		})
	}

	c.JSON(http.StatusOK, hits)
}

// GetBird returns the raw record stored for a bird id.
func (rc *RAGController) GetBird(c *gin.Context) {
	record, err := rc.birds.Record(c.Param("id"))
	if err != nil {
		rc.handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", record)
}

func (rc *RAGController) ListAnswers(c *gin.Context) {
	if rc.answers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "answer archive is not queryable"})
		return
	}

	mode := c.Query("mode")
	if mode != "" && mode != models.ModeTable && mode != models.ModeLiterature {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be table or literature"})
		return
	}

	answers, err := rc.answers.ListAnswers(c.Request.Context(), mode, parseLimit(c.Query("limit"), defaultAnswersLimit))
	if err != nil {
		rc.logger.Error("failed to list answers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list answers"})
		return
	}
	if answers == nil {
		answers = []models.AnswerRecord{}
	}

	c.JSON(http.StatusOK, answers)
}

func (rc *RAGController) Health(c *gin.Context) {
	status := gin.H{
		"status":  "healthy",
		"service": "birdRAG",
		"rows":    rc.birds.Len(),
	}
	if rc.answers != nil {
		if count, err := rc.answers.CountAnswers(c.Request.Context()); err == nil {
			status["answers"] = count
		} else {
			rc.logger.Warn("failed to count archived answers", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, status)
}

func (rc *RAGController) handleError(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, services.ErrEmptyQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
	case errors.Is(err, storage.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "bird record not found"})
	case errors.Is(err, storage.ErrEmptyTable):
		c.JSON(http.StatusNotFound, gin.H{"error": "no bird matched the query"})
	case errors.Is(err, storage.ErrDimensionMismatch):
		rc.logger.Error("query embedding does not fit the vector table",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "embedding model does not match the vector table"})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(499)
	default:
		rc.logger.Error("retrieval failed",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to retrieve bird data"})
	}
}

// readQuery takes ?query= first and falls back to a {"query": ...} JSON body.
func readQuery(c *gin.Context) string {
	if q := strings.TrimSpace(c.Query("query")); q != "" {
		return q
	}
	var body models.AnswerQuery
	if c.Request.ContentLength != 0 && c.ShouldBindJSON(&body) == nil {
		return strings.TrimSpace(body.Query)
	}
	return ""
}

func parseLimit(raw string, fallback int) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return min(limit, maxListLimit)
}
