package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blavejr/birdRAG/config"
	"github.com/blavejr/birdRAG/services"

	"go.uber.org/zap"
)

type Question struct {
	ID               int      `json:"id"`
	Question         string   `json:"question"`
	ExpectedBirdID   string   `json:"expected_bird_id"`
	GroundTruth      string   `json:"ground_truth_answer"`
	RelevantKeywords []string `json:"relevant_keywords"`
	Notes            string   `json:"notes,omitempty"`
}

type EvaluationResult struct {
	QuestionID     int      `json:"question_id"`
	Question       string   `json:"question"`
	Answer         string   `json:"answer"`
	ExpectedBirdID string   `json:"expected_bird_id,omitempty"`
	MatchedBirdID  string   `json:"matched_bird_id"`
	Similarity     float64  `json:"similarity"`
	Hit            bool     `json:"hit"`
	ResponseTimeMs int64    `json:"response_time_ms"`
	KeywordsFound  []string `json:"keywords_found"`
	Success        bool     `json:"success"`
	FScore         float64  `json:"f_score"`
	Error          string   `json:"error,omitempty"`
}

type Metrics struct {
	TotalQuestions    int            `json:"total_questions"`
	SuccessfulQueries int            `json:"successful_queries"`
	FailedQueries     int            `json:"failed_queries"`
	HitAtOne          float64        `json:"hit_at_1"`
	AvgSimilarity     float64        `json:"avg_similarity"`
	AvgResponseTime   float64        `json:"avg_response_time_ms"`
	AvgFScore         float64        `json:"avg_f_score"`
	Timestamp         string         `json:"timestamp"`
	Configuration     map[string]any `json:"configuration"`
}

type EvaluationReport struct {
	Metrics Metrics            `json:"metrics"`
	Results []EvaluationResult `json:"results"`
}

// TableAnswerer is the table answer path under evaluation.
type TableAnswerer interface {
	AnswerFromTable(ctx context.Context, query string) (*services.TableAnswer, error)
}

type Evaluator struct {
	answerer      TableAnswerer
	configuration map[string]any
	logger        *zap.Logger
}

func NewEvaluator(answerer TableAnswerer, cfg *config.Config, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		answerer: answerer,
		configuration: map[string]any{
			"dataset_csv":       cfg.DatasetCSV,
			"embed_provider":    cfg.EmbedProvider,
			"embed_model":       cfg.EmbedModel,
			"chunk_words":       cfg.ChunkWords,
			"chunk_max_tokens":  cfg.ChunkMaxTokens,
			"generate_provider": cfg.GenerateProvider,
			"generate_model":    cfg.GenerateModel,
			"temperature":       cfg.GenerateTemperature,
		},
		logger: logger,
	}
}

func LoadDataset(filepath string) ([]Question, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}

	return questions, nil
}

// Evaluate runs every question through the table path. A question that fails retrieval
// is recorded with its error and counted as failed; the run continues.
func (e *Evaluator) Evaluate(ctx context.Context, questions []Question) (*EvaluationReport, error) {
	results := make([]EvaluationResult, 0, len(questions))

	var (
		totalResponseTime int64
		totalSimilarity   float64
		totalFScore       float64
		hits              int
		successful        int
		failed            int
	)

	e.logger.Info("starting evaluation", zap.Int("questions", len(questions)))

	for i, q := range questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.logger.Info("evaluating", zap.Int("n", i+1), zap.Int("of", len(questions)), zap.String("question", q.Question))

		startTime := time.Now()
		answer, err := e.answerer.AnswerFromTable(ctx, q.Question)
		responseTime := time.Since(startTime).Milliseconds()

		if err != nil {
			e.logger.Warn("question failed", zap.Int("id", q.ID), zap.Error(err))
			failed++
			results = append(results, EvaluationResult{
				QuestionID:     q.ID,
				Question:       q.Question,
				ExpectedBirdID: q.ExpectedBirdID,
				ResponseTimeMs: responseTime,
				KeywordsFound:  []string{},
				Error:          err.Error(),
			})
			continue
		}

		hit := q.ExpectedBirdID != "" && answer.BirdID == q.ExpectedBirdID
		keywordsFound := findKeywords(answer.Answer, q.RelevantKeywords)
		generationFailed := strings.HasPrefix(answer.Answer, services.RequestFailedMarker) ||
			strings.HasPrefix(answer.Answer, services.MalformedResponseMarker)
		fScore := CalculateFScore(answer.Answer, q.GroundTruth, q.RelevantKeywords)

		// a question succeeds when the right bird was retrieved and the answer came back from the model
		success := !generationFailed && (hit || q.ExpectedBirdID == "")

		results = append(results, EvaluationResult{
			QuestionID:     q.ID,
			Question:       q.Question,
			Answer:         answer.Answer,
			ExpectedBirdID: q.ExpectedBirdID,
			MatchedBirdID:  answer.BirdID,
			Similarity:     answer.Similarity,
			Hit:            hit,
			ResponseTimeMs: responseTime,
			KeywordsFound:  keywordsFound,
			Success:        success,
			FScore:         fScore,
		})

		totalResponseTime += responseTime
		totalSimilarity += answer.Similarity
		totalFScore += fScore
		if hit {
			hits++
		}
		if success {
			successful++
		}

		e.logger.Info("evaluated",
			zap.Int("id", q.ID),
			zap.String("matched", answer.BirdID),
			zap.Bool("hit", hit),
			zap.Float64("f_score", fScore),
			zap.Int64("ms", responseTime))
	}

	answered := len(results) - failed
	metrics := Metrics{
		TotalQuestions:    len(results),
		SuccessfulQueries: successful,
		FailedQueries:     failed,
		Timestamp:         time.Now().Format(time.RFC3339),
		Configuration:     e.configuration,
	}
	if len(results) > 0 {
		metrics.HitAtOne = float64(hits) / float64(len(results))
	}
	if answered > 0 {
		metrics.AvgSimilarity = totalSimilarity / float64(answered)
		metrics.AvgResponseTime = float64(totalResponseTime) / float64(answered)
		metrics.AvgFScore = totalFScore / float64(answered)
	}

	return &EvaluationReport{
		Metrics: metrics,
		Results: results,
	}, nil
}

// keywords that appear in the answer, case-insensitive
func findKeywords(text string, keywords []string) []string {
	found := []string{}
	for _, keyword := range keywords {
		if containsKeyword(text, keyword) {
			found = append(found, keyword)
		}
	}
	return found
}

func containsKeyword(text, keyword string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// calculate F1 score based on keyword matching
// F-Score combines Precision and Recall into a single metric
// Formula: F1 = 2 * (Precision * Recall) / (Precision + Recall)
func CalculateFScore(predictedAnswer string, groundTruth string, keywords []string) float64 {
	predictedLower := strings.ToLower(predictedAnswer)
	groundTruthLower := strings.ToLower(groundTruth)

	// true positive: keyword appears in both predicted and ground truth
	// false positive: keyword appears in predicted but not in ground truth
	// false negative: keyword appears in ground truth but not in predicted
	truePositives := 0
	falsePositives := 0
	falseNegatives := 0

	for _, keyword := range keywords {
		keywordLower := strings.ToLower(keyword)
		inPredicted := strings.Contains(predictedLower, keywordLower)
		inGroundTruth := strings.Contains(groundTruthLower, keywordLower)

		switch {
		case inPredicted && inGroundTruth:
			truePositives++
		case inPredicted:
			falsePositives++
		case inGroundTruth:
			falseNegatives++
		}
	}

	precision := 0.0
	if truePositives+falsePositives > 0 {
		precision = float64(truePositives) / float64(truePositives+falsePositives)
	}

	recall := 0.0
	if truePositives+falseNegatives > 0 {
		recall = float64(truePositives) / float64(truePositives+falseNegatives)
	}

	if precision+recall == 0 {
		return 0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// save the evaluation report to a JSON file, creating its directory
func SaveReport(report *EvaluationReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}

func PrintSummary(w io.Writer, report *EvaluationReport) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "EVALUATION SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total Questions:      %d\n", report.Metrics.TotalQuestions)
	fmt.Fprintf(w, "Successful Queries:   %d\n", report.Metrics.SuccessfulQueries)
	fmt.Fprintf(w, "Failed Queries:       %d\n", report.Metrics.FailedQueries)
	fmt.Fprintf(w, "Hit@1:                %.2f%%\n", report.Metrics.HitAtOne*100)
	fmt.Fprintf(w, "Avg Similarity:       %.3f\n", report.Metrics.AvgSimilarity)
	fmt.Fprintf(w, "Avg F-Score:          %.3f\n", report.Metrics.AvgFScore)
	fmt.Fprintf(w, "Avg Response Time:    %.0f ms\n", report.Metrics.AvgResponseTime)
	fmt.Fprintln(w, rule)

	fmt.Fprintln(w, "\nConfiguration:")
	for key, value := range report.Metrics.Configuration {
		fmt.Fprintf(w, "  %s: %v\n", key, value)
	}
	fmt.Fprintln(w, rule+"\n")
}
