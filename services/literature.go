package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blavejr/birdRAG/config"

	"github.com/tidwall/gjson"
)

// LiteratureClient queries the external literature top-k search API.
type LiteratureClient struct {
	URL      string
	APIKey   string
	PathList []string
	IsTeam   bool
	IsChina  bool
	TopK     int
	Client   *http.Client
}

func NewLiteratureClient(cfg *config.Config) *LiteratureClient {
	return &LiteratureClient{
		URL:      cfg.LiteratureURL,
		APIKey:   cfg.LiteratureAPIKey,
		PathList: cfg.LiteraturePaths,
		IsTeam:   cfg.LiteratureIsTeam,
		IsChina:  cfg.LiteratureIsChina,
		TopK:     cfg.LiteratureTopK,
		Client: &http.Client{
			Timeout: cfg.LiteratureTimeout,
		},
	}
}

type literatureRequest struct {
	Query    string   `json:"query"`
	PathList []string `json:"pathList"`
	IsTeam   bool     `json:"isTeam"`
	IsChina  bool     `json:"isChina"`
	TopK     int      `json:"topK"`
}

// Search returns the page_content of every passage the API retrieved for query.
func (l *LiteratureClient) Search(ctx context.Context, query string) ([]string, error) {
	if l.URL == "" {
		return nil, errors.New("literature URL is not configured")
	}

	jsonData, err := json.Marshal(literatureRequest{
		Query:    query,
		PathList: l.PathList,
		IsTeam:   l.IsTeam,
		IsChina:  l.IsChina,
		TopK:     l.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.APIKey)
	}

	startTime := time.Now()
	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call literature API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("literature API error (status %d, after %v): %s", resp.StatusCode, time.Since(startTime), truncateBody(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: literature response is not JSON", ErrMalformedResponse)
	}

	return ExtractPageContents(body), nil
}

// ExtractPageContents pulls data.final[i][0].page_content out of a search response.
// Entries that are not non-empty lists, or lack page_content, are skipped.
func ExtractPageContents(body []byte) []string {
	contents := []string{}
	gjson.GetBytes(body, "data.final").ForEach(func(_, item gjson.Result) bool {
		if !item.IsArray() {
			return true
		}
		content := item.Get("0.page_content")
		if content.Exists() {
			contents = append(contents, content.String())
		}
		return true
	})
	return contents
}
