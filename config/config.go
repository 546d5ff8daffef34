package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EmbedProviderSimple = "simple"
	EmbedProviderOllama = "ollama"
	EmbedProviderOpenAI = "openai"

	GenerateProviderGeoGPT = "geogpt"
	GenerateProviderOllama = "ollama"
	GenerateProviderOpenAI = "openai"

	ArchiveNone     = "none"
	ArchiveMarkdown = "markdown"
	ArchiveMongo    = "mongo"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// vector table + bird records
	DatasetCSV           string
	RecordsJSON          string
	CSVIDColumn          string
	CSVEmbeddingColumn   string
	CSVDescriptionColumn string
	DatasetWatch         bool

	EmbedProvider    string
	EmbedURL         string // "http://localhost:11434" for ollama
	EmbedModel       string
	EmbedAPIKey      string
	EmbedDimensions  int
	EmbedTimeout     time.Duration
	EmbedConcurrency int
	ChunkWords       int
	ChunkMaxTokens   int

	GenerateProvider    string
	GenerateURL         string
	GenerateModel       string
	GenerateAPIKey      string
	GenerateTimeout     time.Duration
	GenerateTemperature float64
	GenerateMaxOutput   int

	LiteratureURL     string
	LiteratureAPIKey  string
	LiteraturePaths   []string
	LiteratureIsTeam  bool
	LiteratureIsChina bool
	LiteratureTopK    int
	LiteratureTimeout time.Duration

	PromptsFile string

	ArchiveBackend  string
	ArchiveDir      string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	MetricsEnabled bool
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Load reads .env (when present) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8000"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Dataset
		DatasetCSV:           getEnv("DATASET_CSV", "data/bird_vector_database.csv"),
		RecordsJSON:          getEnv("RECORDS_JSON", "data/transformed_data.json"),
		CSVIDColumn:          getEnv("CSV_ID_COLUMN", "鸟名"),
		CSVEmbeddingColumn:   getEnv("CSV_EMBEDDING_COLUMN", "text"),
		CSVDescriptionColumn: getEnv("CSV_DESCRIPTION_COLUMN", "description"),
		DatasetWatch:         getEnvBool("DATASET_WATCH", true),

		// Embeddings
		EmbedProvider:    getEnv("EMBED_PROVIDER", EmbedProviderSimple),
		EmbedURL:         getEnv("EMBED_URL", "http://localhost:11434"),
		EmbedModel:       getEnv("EMBED_MODEL", "nomic-embed-text"),
		EmbedAPIKey:      getEnv("EMBED_API_KEY", ""),
		EmbedDimensions:  getEnvInt("EMBED_DIMENSIONS", 0),
		EmbedTimeout:     getEnvDuration("EMBED_TIMEOUT", 60*time.Second),
		EmbedConcurrency: getEnvInt("EMBED_CONCURRENCY", 4),
		ChunkWords:       getEnvInt("CHUNK_WORDS", 512),
		ChunkMaxTokens:   getEnvInt("CHUNK_MAX_TOKENS", 512),

		// Generation
		GenerateProvider:    getEnv("GENERATE_PROVIDER", GenerateProviderGeoGPT),
		GenerateURL:         getEnv("GENERATE_URL", "http://10.200.99.220:30638/llm/generate"),
		GenerateModel:       getEnv("GENERATE_MODEL", "llama3.2:3b"),
		GenerateAPIKey:      getEnv("GENERATE_API_KEY", ""),
		GenerateTimeout:     getEnvDuration("GENERATE_TIMEOUT", 120*time.Second),
		GenerateTemperature: getEnvFloat("GENERATE_TEMPERATURE", 0.2),
		GenerateMaxOutput:   getEnvInt("GENERATE_MAX_OUTPUT", 8192),

		// Literature search
		LiteratureURL:     getEnv("LITERATURE_URL", "https://geogpt.zero2x.org/be-api/service/api/rag/top_k"),
		LiteratureAPIKey:  getEnv("LITERATURE_API_KEY", ""),
		LiteraturePaths:   getEnvList("LITERATURE_PATHS", []string{"/birds in china/", "/birds in world/"}),
		LiteratureIsTeam:  getEnvBool("LITERATURE_IS_TEAM", true),
		LiteratureIsChina: getEnvBool("LITERATURE_IS_CHINA", false),
		LiteratureTopK:    getEnvInt("LITERATURE_TOP_K", 1),
		LiteratureTimeout: getEnvDuration("LITERATURE_TIMEOUT", 120*time.Second),

		PromptsFile: getEnv("PROMPTS_FILE", ""),

		// Answer archive
		ArchiveBackend:  getEnv("ARCHIVE_BACKEND", ArchiveNone),
		ArchiveDir:      getEnv("ARCHIVE_DIR", "answers"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "bird_rag"),
		MongoCollection: getEnv("MONGO_COLLECTION", "answers"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}
}

// Validate rejects provider and backend names nothing can be built from.
func (c *Config) Validate() error {
	switch c.EmbedProvider {
	case EmbedProviderSimple, EmbedProviderOllama, EmbedProviderOpenAI:
	default:
		return fmt.Errorf("unknown EMBED_PROVIDER %q", c.EmbedProvider)
	}

	switch c.GenerateProvider {
	case GenerateProviderGeoGPT, GenerateProviderOllama, GenerateProviderOpenAI:
	default:
		return fmt.Errorf("unknown GENERATE_PROVIDER %q", c.GenerateProvider)
	}

	switch c.ArchiveBackend {
	case ArchiveNone, ArchiveMarkdown, ArchiveMongo:
	default:
		return fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.ArchiveBackend)
	}

	if c.ChunkWords <= 0 {
		return fmt.Errorf("CHUNK_WORDS must be positive, got %d", c.ChunkWords)
	}
	if c.CSVIDColumn == "" || c.CSVEmbeddingColumn == "" {
		return fmt.Errorf("CSV_ID_COLUMN and CSV_EMBEDDING_COLUMN must not be empty")
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
