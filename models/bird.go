package models

import (
	"encoding/json"
	"time"
)

// VectorRow is one line of the pre-vectorized bird table.
type VectorRow struct {
	BirdID      string    `json:"bird_id"`
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"-"`
	Line        int       `json:"-"`
}

type SearchResult struct {
	Row   VectorRow `json:"row"`
	Score float64   `json:"score"`
}

const (
	ModeTable      = "table"
	ModeLiterature = "literature"
)

// AnswerRecord is what the archive keeps for every generated answer.
type AnswerRecord struct {
	ID         string    `bson:"_id" json:"id"`
	Mode       string    `bson:"mode" json:"mode"`
	Query      string    `bson:"query" json:"query"`
	Answer     string    `bson:"answer" json:"answer"`
	BirdID     string    `bson:"bird_id,omitempty" json:"bird_id,omitempty"`
	Similarity float64   `bson:"similarity,omitempty" json:"similarity,omitempty"`
	Passages   []string  `bson:"passages,omitempty" json:"passages,omitempty"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

type QueryRequest struct {
	Question string `json:"question" binding:"required"`
	Mode     string `json:"mode,omitempty"`
}

// AnswerQuery is the optional JSON body of the two answer routes.
type AnswerQuery struct {
	Query string `json:"query" form:"query"`
}

type QueryResponse struct {
	Answer           string         `json:"answer"`
	Mode             string         `json:"mode"`
	Sources          []SourceRecord `json:"sources"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}

type SourceRecord struct {
	BirdID string          `json:"bird_id,omitempty"`
	Score  float64         `json:"score,omitempty"`
	Text   string          `json:"text,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

type SearchHit struct {
	BirdID      string  `json:"bird_id"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}
