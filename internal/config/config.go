// Package config loads the run configuration: a JSON file with
// ${VAR} / ${VAR:default} environment substitution, validated before
// anything is dialed or opened.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Model     ModelConfig      `json:"model"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Sim       SimConfig        `json:"sim"`
	Calls     CallsConfig      `json:"calls"`
	Memory    MemoryConfig     `json:"memory"`
	Logs      LogsConfig       `json:"logs"`
	Database  DatabaseConfig   `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"` // "gemini", "openai", "ollama"
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models,omitempty"`
}

// ModelConfig selects the generation model and its parameters.
type ModelConfig struct {
	Name              string   `json:"name"`
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	Temperature       float64  `json:"temperature"`
	MaxTokens         int      `json:"max_tokens"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// SimConfig shapes the run itself.
type SimConfig struct {
	PersonaFile  string   `json:"persona_file"`
	Personas     []string `json:"personas,omitempty"` // empty selects all
	NumTicks     int      `json:"num_ticks"`
	SimStartTime string   `json:"sim_start_time"` // "2006-01-02 15:04"
	TickMinutes  int      `json:"tick_minutes"`
	UseDrift     bool     `json:"use_drift"`
}

// CallsConfig bounds the external call layer.
type CallsConfig struct {
	ConcurrencyLimit int `json:"concurrency_limit"`
	RetryMaxAttempts int `json:"retry_max_attempts"`
	BackoffBaseMs    int `json:"backoff_base_ms"`
	BackoffMaxMs     int `json:"backoff_max_ms"`
}

// MemoryConfig tunes retrieval scoring.
type MemoryConfig struct {
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	RelevanceWeight  float64 `json:"relevance_weight"`
	HalfLifeHours    float64 `json:"half_life_hours"`
	RetrieveK        int     `json:"retrieve_k"`
	HistoryWindow    int     `json:"history_window"`
}

type LogsConfig struct {
	Dir string `json:"dir"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

// PostgresConfig mirrors the event log into a queryable table when a DSN
// is set.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig enables the tick event stream when a URL is set.
type RedisConfig struct {
	URL string `json:"url"`
}

// QdrantConfig enables the memory archive when a host is set.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 0.7
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 1024
	}
	if c.Sim.NumTicks == 0 {
		c.Sim.NumTicks = 10
	}
	if c.Sim.TickMinutes == 0 {
		c.Sim.TickMinutes = 15
	}
	if c.Sim.PersonaFile == "" {
		c.Sim.PersonaFile = "personas.json"
	}
	if c.Calls.ConcurrencyLimit == 0 {
		c.Calls.ConcurrencyLimit = 4
	}
	if c.Calls.RetryMaxAttempts == 0 {
		c.Calls.RetryMaxAttempts = 3
	}
	if c.Calls.BackoffBaseMs == 0 {
		c.Calls.BackoffBaseMs = 2000
	}
	if c.Calls.BackoffMaxMs == 0 {
		c.Calls.BackoffMaxMs = 60000
	}
	if c.Memory.RecencyWeight == 0 && c.Memory.ImportanceWeight == 0 && c.Memory.RelevanceWeight == 0 {
		c.Memory.RecencyWeight = 0.3
		c.Memory.ImportanceWeight = 0.4
		c.Memory.RelevanceWeight = 0.3
	}
	if c.Memory.HalfLifeHours == 0 {
		c.Memory.HalfLifeHours = 24
	}
	if c.Memory.RetrieveK == 0 {
		c.Memory.RetrieveK = 5
	}
	if c.Memory.HistoryWindow == 0 {
		c.Memory.HistoryWindow = 5
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = "logs"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
}

// Validate rejects configurations the run cannot start with.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Type {
		case "gemini", "openai", "openrouter":
			// Hosted providers need a key; an unset env var substitutes to
			// empty, which would otherwise surface as every call failing.
			if p.APIKey == "" {
				return fmt.Errorf("config: provider %q (%s) has no api_key", p.ID, p.Type)
			}
		case "ollama":
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.ID, p.Type)
		}
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config: model.name is required")
	}
	for _, fb := range c.Model.FallbackProviders {
		if !seen[fb] {
			return fmt.Errorf("config: fallback provider %q is not defined", fb)
		}
	}
	if c.Sim.NumTicks < 0 {
		return fmt.Errorf("config: sim.num_ticks must be non-negative")
	}
	if c.Sim.TickMinutes <= 0 {
		return fmt.Errorf("config: sim.tick_minutes must be positive")
	}
	if c.Sim.SimStartTime != "" {
		if _, err := time.Parse("2006-01-02 15:04", c.Sim.SimStartTime); err != nil {
			return fmt.Errorf("config: sim.sim_start_time: %w", err)
		}
	}
	if c.Calls.ConcurrencyLimit <= 0 {
		return fmt.Errorf("config: calls.concurrency_limit must be positive")
	}
	if c.Calls.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: calls.retry_max_attempts must be positive")
	}
	if w := c.Memory.RecencyWeight + c.Memory.ImportanceWeight + c.Memory.RelevanceWeight; w <= 0 {
		return fmt.Errorf("config: memory weights must sum to a positive value")
	}
	return nil
}

// StartTime parses the configured simulation start, defaulting to now
// truncated to the tick interval.
func (c *Config) StartTime() (time.Time, error) {
	if c.Sim.SimStartTime == "" {
		step := time.Duration(c.Sim.TickMinutes) * time.Minute
		return time.Now().Truncate(step), nil
	}
	return time.Parse("2006-01-02 15:04", c.Sim.SimStartTime)
}

// TickStep is the simulated duration of one tick.
func (c *Config) TickStep() time.Duration {
	return time.Duration(c.Sim.TickMinutes) * time.Minute
}
