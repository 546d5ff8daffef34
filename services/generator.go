package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blavejr/birdRAG/config"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

var (
	ErrMalformedResponse = errors.New("malformed response")
	ErrEmptyQuery        = errors.New("query is empty")
)

// markers put in front of an answer when generation failed
const (
	RequestFailedMarker     = "request failed:"
	MalformedResponseMarker = "malformed response:"
)

// Turn is one earlier exchange passed along as conversation history.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Generator produces the final answer text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []Turn) (string, error)
	Name() string
}

// NewGenerator builds the generator selected by GENERATE_PROVIDER.
func NewGenerator(cfg *config.Config, systemPrompt string) (Generator, error) {
	switch cfg.GenerateProvider {
	case config.GenerateProviderGeoGPT:
		return NewGeoGPTGenerator(cfg.GenerateURL, systemPrompt, cfg.GenerateTemperature, cfg.GenerateMaxOutput, cfg.GenerateTimeout), nil
	case config.GenerateProviderOllama:
		return NewOllamaGenerator(cfg.GenerateURL, cfg.GenerateModel, systemPrompt, cfg.GenerateTemperature, cfg.GenerateTimeout), nil
	case config.GenerateProviderOpenAI:
		return NewOpenAIGenerator(cfg.GenerateURL, cfg.GenerateAPIKey, cfg.GenerateModel, systemPrompt, cfg.GenerateTemperature, cfg.GenerateTimeout), nil
	default:
		return nil, fmt.Errorf("unknown generate provider %q", cfg.GenerateProvider)
	}
}

// AnswerOrError turns a generation failure into the answer text shown to the caller.
func AnswerOrError(err error) string {
	if errors.Is(err, ErrMalformedResponse) {
		return MalformedResponseMarker + " could not extract output from the generation service"
	}
	return fmt.Sprintf("%s %v", RequestFailedMarker, err)
}

// GeoGPTGenerator posts to the hosted chat-generation endpoint with its fixed request shape.
type GeoGPTGenerator struct {
	URL          string
	SystemPrompt string
	Temperature  float64
	MaxOutput    int
	Client       *http.Client
}

func NewGeoGPTGenerator(url, systemPrompt string, temperature float64, maxOutput int, timeout time.Duration) *GeoGPTGenerator {
	return &GeoGPTGenerator{
		URL:          url,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
		MaxOutput:    maxOutput,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type geoGPTRequest struct {
	Input         string              `json:"input"`
	History       []Turn              `json:"history"`
	ServiceParams geoGPTServiceParams `json:"serviceParams"`
	ModelParams   geoGPTModelParams   `json:"modelParams"`
}

type geoGPTServiceParams struct {
	MaxContentRound    int    `json:"maxContentRound"`
	MaxOutputLength    int    `json:"maxOutputLength"`
	MaxWindowSize      int    `json:"maxWindowSize"`
	Stream             bool   `json:"stream"`
	System             string `json:"system"`
	PromptTemplateName string `json:"promptTemplateName"`
	GenerateStyle      string `json:"generateStyle"`
}

type geoGPTModelParams struct {
	BestOf           int     `json:"best_of"`
	Temperature      float64 `json:"temperature"`
	UseBeamSearch    bool    `json:"use_beam_search"`
	PresencePenalty  float64 `json:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	TopP             float64 `json:"top_p"`
	TopK             int     `json:"top_k"`
	LengthPenalty    float64 `json:"length_penalty"`
}

func (g *GeoGPTGenerator) Name() string { return config.GenerateProviderGeoGPT }

func (g *GeoGPTGenerator) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	if g.URL == "" {
		return "", errors.New("generation URL is not configured")
	}
	if history == nil {
		history = []Turn{}
	}

	jsonData, err := json.Marshal(geoGPTRequest{
		Input:   prompt,
		History: history,
		ServiceParams: geoGPTServiceParams{
			MaxContentRound:    0,
			MaxOutputLength:    g.MaxOutput,
			MaxWindowSize:      500,
			Stream:             false,
			System:             g.SystemPrompt,
			PromptTemplateName: "geogpt",
			GenerateStyle:      "chat",
		},
		ModelParams: geoGPTModelParams{
			BestOf:           1,
			Temperature:      g.Temperature,
			UseBeamSearch:    false,
			PresencePenalty:  0,
			FrequencyPenalty: 0,
			TopP:             1,
			TopK:             -1,
			LengthPenalty:    1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call generation API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("generation API error (status %d): %s", resp.StatusCode, truncateBody(body))
	}

	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: response is not JSON", ErrMalformedResponse)
	}
	output := gjson.GetBytes(body, "data.output")
	if !output.Exists() {
		return "", fmt.Errorf("%w: no data.output field", ErrMalformedResponse)
	}

	return output.String(), nil
}

// handle LLM text generation via Ollama
type OllamaGenerator struct {
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	Client       *http.Client
}

func NewOllamaGenerator(baseURL, model, systemPrompt string, temperature float64, timeout time.Duration) *OllamaGenerator {
	return &OllamaGenerator{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Model:        model,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *OllamaGenerator) Name() string { return config.GenerateProviderOllama }

func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	jsonData, err := json.Marshal(ollamaGenerateRequest{
		Model:   g.Model,
		Prompt:  withHistory(prompt, history),
		System:  g.SystemPrompt,
		Stream:  false,
		Options: map[string]any{"temperature": g.Temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, truncateBody(body))
	}

	var genResp ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if genResp.Response == "" {
		return "", fmt.Errorf("%w: empty response from Ollama", ErrMalformedResponse)
	}

	return strings.TrimSpace(genResp.Response), nil
}

func (g *OllamaGenerator) Ping(ctx context.Context) error {
	return pingOllama(ctx, g.Client, g.BaseURL)
}

// Ollama's generate endpoint has no history field, so earlier turns are folded into the prompt
func withHistory(prompt string, history []Turn) string {
	if len(history) == 0 {
		return prompt
	}
	var sb strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n\n", turn.Question, turn.Answer)
	}
	sb.WriteString(prompt)
	return sb.String()
}

// OpenAIGenerator answers through an OpenAI-compatible chat completion endpoint.
type OpenAIGenerator struct {
	client       openai.Client
	model        string
	systemPrompt string
	temperature  float64
}

func NewOpenAIGenerator(baseURL, apiKey, model, systemPrompt string, temperature float64, timeout time.Duration) *OpenAIGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}

	return &OpenAIGenerator{
		client:       openai.NewClient(opts...),
		model:        model,
		systemPrompt: systemPrompt,
		temperature:  temperature,
	}
}

func (g *OpenAIGenerator) Name() string { return config.GenerateProviderOpenAI }

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2+2*len(history))
	if g.systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(g.systemPrompt))
	}
	for _, turn := range history {
		messages = append(messages, openai.UserMessage(turn.Question), openai.AssistantMessage(turn.Answer))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    messages,
		Temperature: openai.Float(g.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
