package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the knowledge chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	MemoryBackend      string
	DatabaseURL        string
	SQLitePath         string
	DynamoTable        string
	DynamoRegion       string
	DynamoEndpoint     string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	MemoryWindowSize   int

	ModelMode               string
	OpenAIAPIKey            string
	OpenAIBaseURL           string
	OpenAIModel             string
	ModelHTTPURL            string
	ModelHTTPStreamStrict   bool
	ModelTimeout            time.Duration
	StreamWritebackOnCancel bool
	StreamMinChars          int
	TokenEncoding           string

	VectorBackend       string
	VectorServiceURL    string
	VectorServiceAPIKey string
	EmbeddingBackend    string
	EmbeddingModel      string
	EmbeddingDim        int
	RetrievalTopK       int
	IngestBatchSize     int
	ChunkSize           int
	ChunkOverlap        int
	KnowledgeDir        string
	PDFServiceURL       string
	MaxUploadBytes      int

	PolicyFile string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "ragchat"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),

		MemoryBackend:      strings.ToLower(envOrDefault("MEMORY_BACKEND", "auto")),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		SQLitePath:         stringsTrimSpace("SQLITE_PATH"),
		DynamoTable:        envOrDefault("DYNAMO_TABLE", "ragchat_turns"),
		DynamoRegion:       envOrDefault("DYNAMO_REGION", "us-east-1"),
		DynamoEndpoint:     stringsTrimSpace("DYNAMO_ENDPOINT"),
		AWSAccessKeyID:     stringsTrimSpace("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: stringsTrimSpace("AWS_SECRET_ACCESS_KEY"),
		MemoryWindowSize:   10,

		ModelMode:     strings.ToLower(envOrDefault("MODEL_MODE", "auto")),
		OpenAIAPIKey:  stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL: stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:   envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		ModelHTTPURL:  stringsTrimSpace("MODEL_HTTP_URL"),
		// Partial answers the user already saw are worth keeping.
		StreamWritebackOnCancel: true,
		StreamMinChars:          24,
		TokenEncoding:           envOrDefault("TOKEN_ENCODING", "cl100k_base"),
		ModelTimeout:            60 * time.Second,

		VectorBackend:       strings.ToLower(envOrDefault("VECTOR_BACKEND", "auto")),
		VectorServiceURL:    stringsTrimSpace("VECTOR_SERVICE_URL"),
		VectorServiceAPIKey: stringsTrimSpace("VECTOR_SERVICE_API_KEY"),
		EmbeddingBackend:    strings.ToLower(envOrDefault("EMBEDDING_BACKEND", "auto")),
		EmbeddingModel:      stringsTrimSpace("EMBEDDING_MODEL"),
		EmbeddingDim:        1536,
		RetrievalTopK:       4,
		IngestBatchSize:     10,
		ChunkSize:           800,
		ChunkOverlap:        100,
		KnowledgeDir:        stringsTrimSpace("KNOWLEDGE_DIR"),
		PDFServiceURL:       stringsTrimSpace("PDF_SERVICE_URL"),
		MaxUploadBytes:      32 << 20,

		PolicyFile: stringsTrimSpace("POLICY_FILE"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"MODEL_TIMEOUT", &cfg.ModelTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"MEMORY_WINDOW_SIZE", &cfg.MemoryWindowSize},
		{"STREAM_MIN_CHARS", &cfg.StreamMinChars},
		{"EMBEDDING_DIM", &cfg.EmbeddingDim},
		{"RETRIEVAL_TOP_K", &cfg.RetrievalTopK},
		{"INGEST_BATCH_SIZE", &cfg.IngestBatchSize},
		{"CHUNK_SIZE", &cfg.ChunkSize},
		{"CHUNK_OVERLAP", &cfg.ChunkOverlap},
		{"MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"MODEL_HTTP_STREAM_STRICT", &cfg.ModelHTTPStreamStrict},
		{"STREAM_WRITEBACK_ON_CANCEL", &cfg.StreamWritebackOnCancel},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive")
	}
	if c.MemoryWindowSize <= 0 {
		return fmt.Errorf("MEMORY_WINDOW_SIZE must be positive")
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if c.RetrievalTopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	if c.IngestBatchSize <= 0 {
		return fmt.Errorf("INGEST_BATCH_SIZE must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE)")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.StreamMinChars < 0 {
		return fmt.Errorf("STREAM_MIN_CHARS must be >= 0")
	}
	if err := oneOf("MEMORY_BACKEND", c.MemoryBackend, "auto", "memory", "postgres", "sqlite", "dynamodb"); err != nil {
		return err
	}
	if err := oneOf("MODEL_MODE", c.ModelMode, "auto", "openai", "http", "mock"); err != nil {
		return err
	}
	if err := oneOf("VECTOR_BACKEND", c.VectorBackend, "auto", "memory", "pgvector", "http"); err != nil {
		return err
	}
	if err := oneOf("EMBEDDING_BACKEND", c.EmbeddingBackend, "auto", "openai", "hash"); err != nil {
		return err
	}
	if err := oneOf("LOG_FORMAT", c.LogFormat, "text", "json"); err != nil {
		return err
	}
	if err := oneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if c.VectorBackend == "http" && c.VectorServiceURL == "" {
		return fmt.Errorf("VECTOR_SERVICE_URL is required for VECTOR_BACKEND=http")
	}
	if c.VectorBackend == "pgvector" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for VECTOR_BACKEND=pgvector")
	}
	return nil
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), v)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
