// Package config loads the agentcache configuration: YAML file with
// environment variable expansion, then a small set of AGENTCACHE_*
// overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agentcache configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Memory    MemoryConfig    `yaml:"memory"`
	Prefetch  PrefetchConfig  `yaml:"prefetch"`
	Quota     QuotaConfig     `yaml:"quota"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// RedisConfig selects the Warm tier backend. An empty Addr keeps the
// in-process store, which is fine for a single worker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the tiered store.
type CacheConfig struct {
	HotCapacity            int           `yaml:"hot_capacity"`
	HotStrategy            string        `yaml:"hot_strategy"` // lru, lfu, fifo
	WarmStrategy           string        `yaml:"warm_strategy"` // static, sliding
	WarmTTL                time.Duration `yaml:"warm_ttl"`
	VolatileTTL            time.Duration `yaml:"volatile_ttl"`
	OriginTimeout          time.Duration `yaml:"origin_timeout"`
	AdmissionThreshold     int           `yaml:"admission_threshold"`
	SketchWidth            int           `yaml:"sketch_width"`
	SketchDepth            int           `yaml:"sketch_depth"`
	SketchResetAt          uint64        `yaml:"sketch_reset_at"`
	ReasoningConfidenceMin float64       `yaml:"reasoning_confidence_min"`
	RecordTraces           bool          `yaml:"record_traces"`
}

// MemoryConfig controls the context memory controller.
type MemoryConfig struct {
	RecentTurns   int           `yaml:"recent_turns"`
	MaxTurns      int           `yaml:"max_turns"`
	TurnTTL       time.Duration `yaml:"turn_ttl"`
	HalfLife      time.Duration `yaml:"half_life"`
	RetentionMin  float64       `yaml:"retention_min"`
	SimilarityMin float64       `yaml:"similarity_min"`
	TopK          int           `yaml:"top_k"`
	SizeBudget    int           `yaml:"size_budget"`
}

// PrefetchConfig controls the transition learner.
type PrefetchConfig struct {
	Enabled    bool    `yaml:"enabled"`
	MinSupport int     `yaml:"min_support"`
	Confidence float64 `yaml:"confidence"`
	Depth      int     `yaml:"depth"`
}

// QuotaConfig controls per-namespace request quotas. Limit 0 disables
// enforcement.
type QuotaConfig struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// EmbeddingConfig selects the Cold tier embedder. Provider is "ollama",
// "hashing", or "none".
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	OllamaURL string `yaml:"ollama_url"`
	Model     string `yaml:"model"`
	Dims      int    `yaml:"dims"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8471,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Cache: CacheConfig{
			HotCapacity:            256,
			HotStrategy:            "lru",
			WarmStrategy:           "static",
			WarmTTL:                time.Hour,
			VolatileTTL:            5 * time.Minute,
			OriginTimeout:          30 * time.Second,
			AdmissionThreshold:     1,
			SketchWidth:            4096,
			SketchDepth:            4,
			SketchResetAt:          100_000,
			ReasoningConfidenceMin: 0.6,
		},
		Memory: MemoryConfig{
			RecentTurns:   10,
			MaxTurns:      64,
			TurnTTL:       24 * time.Hour,
			HalfLife:      7 * 24 * time.Hour,
			RetentionMin:  0.05,
			SimilarityMin: 0.92,
			TopK:          4,
			SizeBudget:    16 * 1024,
		},
		Prefetch: PrefetchConfig{
			Enabled:    true,
			MinSupport: 3,
			Confidence: 0.5,
			Depth:      1,
		},
		Quota: QuotaConfig{
			Limit:  0,
			Window: time.Hour,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hashing",
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dims:      256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expands environment variables in it,
// and applies AGENTCACHE_* overrides. An empty path returns defaults
// plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployments override the per-host values without
// touching the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTCACHE_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("AGENTCACHE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("AGENTCACHE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AGENTCACHE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("AGENTCACHE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
