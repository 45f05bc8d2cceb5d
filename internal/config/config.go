// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names accepted for embeddings and the LLM.
const (
	ProviderVoyage    = "voyage"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Store backends.
const (
	StoreMemory    = "memory"
	StoreSurrealDB = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	// Store selects the repository backend.
	Store string

	// SurrealDB connection
	SurrealDBURL           string
	SurrealDBNamespace     string
	SurrealDBDatabase      string
	SurrealDBUser          string
	SurrealDBPass          string
	SurrealDBAuthLevel     string
	SurrealDBDialTimeout   time.Duration
	SurrealDBMaxReconnects int

	// Embedding
	EmbedProvider   string
	EmbedModel      string
	EmbedImageModel string
	EmbedDimension  int
	EmbedCacheSize  int
	VoyageAPIKey    string
	VoyageBaseURL   string
	OllamaHost      string
	OpenAIAPIKey    string

	// Reranking
	RerankEnabled    bool
	RerankModel      string
	RerankMultiplier int
	RerankCap        int

	// LLM used by "recall ask"
	LLMProvider     string
	LLMModel        string
	AnthropicAPIKey string
	AWSRegion       string

	// Retrieval
	EpisodeWindow   int
	FrameWindow     int
	KeywordFallback bool
	EmbedTimeout    time.Duration
	RerankTimeout   time.Duration
	RepoTimeout     time.Duration
	Location        *time.Location

	// Indexer
	IndexWorkers     int
	IndexQueueSize   int
	IndexRate        float64
	IndexMaxAttempts int

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Server
	ServerAddr string
	ServerURL  string
}

// envFiles are tried in order; variables already set are never overridden.
var envFiles = []string{".env", "backend/.env"}

// Load reads configuration from the environment. A .env file is loaded first
// when present, and RECALL_CONFIG may point at a YAML file of KEY: value pairs
// that fill in variables the environment leaves unset.
func Load() (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	file := map[string]string{}
	if path := os.Getenv("RECALL_CONFIG"); path != "" {
		var err error
		file, err = readYAML(path)
		if err != nil {
			return Config{}, err
		}
	}

	return FromLookup(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return file[key]
	})
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v != nil {
			out[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	return out, nil
}

// FromLookup builds a Config from a key lookup function returning "" for
// unset keys.
func FromLookup(lookup func(string) string) (Config, error) {
	p := parser{lookup: lookup}
	cfg := Config{
		Store: strings.ToLower(p.str("RECALL_STORE", StoreSurrealDB)),

		SurrealDBURL:       p.str("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: p.str("SURREALDB_NAMESPACE", "recall"),
		SurrealDBDatabase:  p.str("SURREALDB_DATABASE", "activity"),
		SurrealDBUser:      p.str("SURREALDB_USER", "root"),
		SurrealDBPass:      p.str("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: p.str("SURREALDB_AUTH_LEVEL", "root"),

		SurrealDBDialTimeout:   p.duration("SURREALDB_DIAL_TIMEOUT", 5*time.Second),
		SurrealDBMaxReconnects: p.integer("SURREALDB_MAX_RECONNECTS", 10),

		EmbedProvider:   strings.ToLower(p.str("RECALL_EMBED_PROVIDER", ProviderVoyage)),
		EmbedModel:      p.str("RECALL_EMBED_MODEL", ""),
		EmbedImageModel: p.str("RECALL_EMBED_IMAGE_MODEL", ""),
		EmbedDimension:  p.integer("RECALL_EMBED_DIMENSION", 0),
		EmbedCacheSize:  p.integer("RECALL_EMBED_CACHE_SIZE", 512),
		VoyageAPIKey:    p.str("VOYAGE_API_KEY", ""),
		VoyageBaseURL:   p.str("VOYAGE_BASE_URL", "https://api.voyageai.com/v1"),
		OllamaHost:      p.str("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    p.str("OPENAI_API_KEY", ""),

		RerankEnabled:    p.flag("RECALL_RERANK", true),
		RerankModel:      p.str("RECALL_RERANK_MODEL", "rerank-2"),
		RerankMultiplier: p.integer("RECALL_RERANK_MULTIPLIER", 2),
		RerankCap:        p.integer("RECALL_RERANK_CAP", 20),

		LLMProvider:     strings.ToLower(p.str("RECALL_LLM_PROVIDER", ProviderAnthropic)),
		LLMModel:        p.str("RECALL_LLM_MODEL", "claude-sonnet-4-5"),
		AnthropicAPIKey: p.str("ANTHROPIC_API_KEY", ""),
		AWSRegion:       p.str("AWS_REGION", "us-east-1"),

		EpisodeWindow:   p.integer("RECALL_EPISODE_WINDOW", 50),
		FrameWindow:     p.integer("RECALL_FRAME_WINDOW", 30),
		KeywordFallback: p.flag("RECALL_KEYWORD_FALLBACK", true),
		EmbedTimeout:    p.duration("RECALL_EMBED_TIMEOUT", 10*time.Second),
		RerankTimeout:   p.duration("RECALL_RERANK_TIMEOUT", 5*time.Second),
		RepoTimeout:     p.duration("RECALL_REPO_TIMEOUT", 5*time.Second),

		IndexWorkers:     p.integer("RECALL_INDEX_WORKERS", 2),
		IndexQueueSize:   p.integer("RECALL_INDEX_QUEUE", 256),
		IndexRate:        p.number("RECALL_INDEX_RATE", 2),
		IndexMaxAttempts: p.integer("RECALL_INDEX_MAX_ATTEMPTS", 5),

		LogFile:  p.str("RECALL_LOG_FILE", "/tmp/recall.log"),
		LogLevel: parseLogLevel(p.str("RECALL_LOG_LEVEL", "INFO")),

		ServerAddr: p.str("RECALL_ADDR", ":8484"),
		ServerURL:  p.str("RECALL_SERVER_URL", "http://localhost:8484"),
	}

	cfg.Location = time.Local
	if tz := p.str("RECALL_TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			p.fail("RECALL_TIMEZONE", err)
		} else {
			cfg.Location = loc
		}
	}

	if err := p.err(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges that parsing alone cannot catch.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSurrealDB:
	default:
		return fmt.Errorf("RECALL_STORE: unknown store %q", c.Store)
	}
	switch c.EmbedProvider {
	case ProviderVoyage, ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("RECALL_EMBED_PROVIDER: unknown provider %q", c.EmbedProvider)
	}
	if c.EpisodeWindow < 0 || c.FrameWindow < 0 {
		return fmt.Errorf("candidate windows must not be negative")
	}
	if c.EpisodeWindow == 0 && c.FrameWindow == 0 {
		return fmt.Errorf("at least one candidate window must be positive")
	}
	if c.RerankMultiplier < 1 || c.RerankCap < 1 {
		return fmt.Errorf("rerank multiplier and cap must be positive")
	}
	if c.IndexWorkers < 1 || c.IndexQueueSize < 1 {
		return fmt.Errorf("indexer workers and queue size must be positive")
	}
	return nil
}

type parser struct {
	lookup func(string) string
	errs   []string
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
}

func (p *parser) str(key, defaultVal string) string {
	if val := strings.TrimSpace(p.lookup(key)); val != "" {
		return val
	}
	return defaultVal
}

func (p *parser) integer(key string, defaultVal int) int {
	s := p.str(key, "")
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, err)
		return defaultVal
	}
	return v
}

func (p *parser) number(key string, defaultVal float64) float64 {
	s := p.str(key, "")
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, err)
		return defaultVal
	}
	return v
}

func (p *parser) flag(key string, defaultVal bool) bool {
	s := p.str(key, "")
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key, err)
		return defaultVal
	}
	return v
}

func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	s := p.str(key, "")
	if s == "" {
		return defaultVal
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		p.fail(key, err)
		return defaultVal
	}
	return v
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
