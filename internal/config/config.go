// Package config provides configuration management for Stratum.
// It loads settings from environment variables with the STRATUM_ prefix
// and provides sensible defaults for all configuration options.
//
// Authority weights for fusion are fixed constants in pkg/types and are not
// part of the runtime configuration surface. Extraction rules live in an
// optional YAML file that can be hot-reloaded; see RulesWatcher.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings for the Stratum application.
type Config struct {
	Storage  StorageConfig
	Semantic SemanticConfig
	Analyzer AnalyzerConfig
	Fusion   FusionConfig
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	DataPath string // Path to data directory (default: ./data)
}

// DSN returns the SQLite data source name for the configured data path.
func (s StorageConfig) DSN() string {
	return filepath.Join(s.DataPath, "stratum.db")
}

// SemanticConfig contains settings for the optional semantic retrieval tier.
// The tier is disabled unless a PostgreSQL DSN is configured.
type SemanticConfig struct {
	PostgresDSN        string        // pgvector database DSN; empty disables the tier
	OllamaURL          string        // Ollama API URL for query embeddings (default: http://localhost:11434)
	EmbeddingModel     string        // Ollama embedding model (default: nomic-embed-text)
	BreakerMaxFailures int           // consecutive failures before the circuit opens (default: 3)
	BreakerTimeout     time.Duration // open-circuit cool-down (default: 30s)
	CallTimeout        time.Duration // per-search deadline (default: 2s)
}

// Enabled reports whether the semantic tier is configured.
func (s SemanticConfig) Enabled() bool {
	return s.PostgresDSN != ""
}

// AnalyzerConfig contains the write-gate thresholds and filters.
type AnalyzerConfig struct {
	MinFactConfidence       float64  // facts below this are rejected (default: 0.7)
	MinEpisodeConfidence    float64  // episodes below this are rejected (default: 0.6)
	DeduplicationWindowDays int      // dedup window in days (default: 7)
	SkipPatterns            []string // turns matching any pattern are skipped
	RulesPath               string   // optional YAML extraction-rules file
	AutoStorePerMinute      int      // per-scope auto-store rate (default: 30)
	AutoStoreBurst          int      // per-scope auto-store burst (default: 10)
}

// FusionConfig contains context fusion bounds and the per-tier floors.
// Items below a tier's floor are excluded from fusion entirely.
type FusionConfig struct {
	MaxResults        int     // final result cap (default: 20)
	SemanticTopK      int     // semantic retrieval depth (default: 10)
	MinFactConfidence float64 // symbolic tier floor (default: 0.3)
	MinEpisodeQuality float64 // episodic tier floor (default: 0.3)
	MinSemanticScore  float64 // semantic tier floor (default: 0.3)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the STRATUM_ prefix.
func LoadConfig() (*Config, error) {
	return &Config{
		Storage: StorageConfig{
			DataPath: getEnv("STRATUM_DATA_PATH", "./data"),
		},
		Semantic: SemanticConfig{
			PostgresDSN:        getEnv("STRATUM_SEMANTIC_DSN", ""),
			OllamaURL:          getEnv("STRATUM_OLLAMA_URL", "http://localhost:11434"),
			EmbeddingModel:     getEnv("STRATUM_EMBEDDING_MODEL", "nomic-embed-text"),
			BreakerMaxFailures: getEnvInt("STRATUM_SEMANTIC_BREAKER_FAILURES", 3),
			BreakerTimeout:     getEnvDuration("STRATUM_SEMANTIC_BREAKER_TIMEOUT", 30*time.Second),
			CallTimeout:        getEnvDuration("STRATUM_SEMANTIC_CALL_TIMEOUT", 2*time.Second),
		},
		Analyzer: AnalyzerConfig{
			MinFactConfidence:       getEnvFloat("STRATUM_MIN_FACT_CONFIDENCE", 0.7),
			MinEpisodeConfidence:    getEnvFloat("STRATUM_MIN_EPISODE_CONFIDENCE", 0.6),
			DeduplicationWindowDays: getEnvInt("STRATUM_DEDUP_WINDOW_DAYS", 7),
			SkipPatterns:            getEnvList("STRATUM_SKIP_PATTERNS", nil),
			RulesPath:               getEnv("STRATUM_RULES_PATH", ""),
			AutoStorePerMinute:      getEnvInt("STRATUM_AUTO_STORE_PER_MINUTE", 30),
			AutoStoreBurst:          getEnvInt("STRATUM_AUTO_STORE_BURST", 10),
		},
		Fusion: FusionConfig{
			MaxResults:        getEnvInt("STRATUM_MAX_RESULTS", 20),
			SemanticTopK:      getEnvInt("STRATUM_SEMANTIC_TOP_K", 10),
			MinFactConfidence: getEnvFloat("STRATUM_FUSION_MIN_FACT_CONFIDENCE", 0.3),
			MinEpisodeQuality: getEnvFloat("STRATUM_FUSION_MIN_EPISODE_QUALITY", 0.3),
			MinSemanticScore:  getEnvFloat("STRATUM_MIN_SEMANTIC_SCORE", 0.3),
		},
	}, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value on absence or parse failure.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated environment variable as a slice.
// Empty elements are dropped.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
