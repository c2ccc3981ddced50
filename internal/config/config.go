// Package config loads the service configuration from TOML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pelletier/go-toml/v2"

	"github.com/agenthands/graphmerge/internal/apperr"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendMemgraph = "memgraph"
	BackendSQLite   = "sqlite"
)

// Log modes.
const (
	LogDevelopment = "development"
	LogProduction  = "production"
)

type LLMConfig struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	EmbeddingModel string `toml:"embedding_model"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
}

// Enabled reports whether an LLM provider is configured. Without one, document
// extraction and embeddings are off.
func (c *LLMConfig) Enabled() bool {
	return c.Provider != ""
}

func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Provider, validation.In("openai", "gemini", "claude", "ollama")),
		validation.Field(&c.Model, validation.When(c.Provider != "", validation.Required)),
	)
}

type MemgraphConfig struct {
	URI            string `toml:"uri"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	MaxPoolSize    int    `toml:"max_pool_size"`
	ConnectTimeout int    `toml:"connect_timeout_seconds"`
}

func (c *MemgraphConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URI, validation.Required),
		validation.Field(&c.MaxPoolSize, validation.Min(1)),
		validation.Field(&c.ConnectTimeout, validation.Min(1)),
	)
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// RedisConfig is optional; an empty Addr disables the Redis review sink.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

func (c *RedisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DB, validation.Min(0)),
	)
}

type StorageConfig struct {
	Backend string `toml:"backend"`
}

func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendMemgraph, BackendSQLite)),
	)
}

type MergeConfig struct {
	Catalog             string  `toml:"catalog"`
	AcceptanceThreshold float64 `toml:"acceptance_threshold"`
	CompositePenalty    float64 `toml:"composite_penalty"`
	RejectPolicy        string  `toml:"reject_policy"`
	Shards              int     `toml:"shards"`
	Workers             int     `toml:"workers"`
}

func (c *MergeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Catalog, validation.Required),
		validation.Field(&c.AcceptanceThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.CompositePenalty, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.RejectPolicy, validation.Required, validation.In("create", "skip")),
		validation.Field(&c.Shards, validation.Min(1)),
		validation.Field(&c.Workers, validation.Min(1)),
	)
}

type ExtractionConfig struct {
	// Prompt overrides the built-in extraction prompt. It receives the entity type
	// listing and the document text as its two %s verbs.
	Prompt      string `toml:"prompt"`
	Concurrency int    `toml:"concurrency"`
}

func (c *ExtractionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Min(1)),
	)
}

type ReviewConfig struct {
	Stream string `toml:"stream"`
	MaxLen int64  `toml:"max_len"`
}

func (c *ReviewConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Stream, validation.Required),
		validation.Field(&c.MaxLen, validation.Min(int64(0))),
	)
}

type ServerConfig struct {
	Port int `toml:"port"`
}

// Address returns the HTTP listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

type LogConfig struct {
	Mode string `toml:"mode"`
}

func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.In(LogDevelopment, LogProduction)),
	)
}

type Config struct {
	LLM        LLMConfig        `toml:"llm"`
	Memgraph   MemgraphConfig   `toml:"memgraph"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	Redis      RedisConfig      `toml:"redis"`
	Storage    StorageConfig    `toml:"storage"`
	Merge      MergeConfig      `toml:"merge"`
	Extraction ExtractionConfig `toml:"extraction"`
	Review     ReviewConfig     `toml:"review"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`
}

type section struct {
	name string
	v    validation.Validatable
}

// Validate checks every section. Backend sections are only checked when selected.
func (c *Config) Validate() error {
	sections := []section{
		{"storage", &c.Storage},
		{"merge", &c.Merge},
		{"llm", &c.LLM},
		{"redis", &c.Redis},
		{"extraction", &c.Extraction},
		{"review", &c.Review},
		{"server", &c.Server},
		{"log", &c.Log},
	}
	switch c.Storage.Backend {
	case BackendMemgraph:
		sections = append(sections, section{"memgraph", &c.Memgraph})
	case BackendSQLite:
		sections = append(sections, section{"sqlite", &c.SQLite})
	}

	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return apperr.NewConfigError(s.name, err, "invalid section")
		}
	}
	return nil
}

// Default returns a configuration that runs entirely in memory with the bundled catalog.
func Default() *Config {
	return &Config{
		Memgraph: MemgraphConfig{
			URI:            "bolt://localhost:7687",
			MaxPoolSize:    50,
			ConnectTimeout: 5,
		},
		SQLite:  SQLiteConfig{Path: "graphmerge.db"},
		Storage: StorageConfig{Backend: BackendMemory},
		Merge: MergeConfig{
			Catalog:             "configs/catalog.toml",
			AcceptanceThreshold: 0.8,
			CompositePenalty:    0.05,
			RejectPolicy:        "create",
			Shards:              4,
			Workers:             8,
		},
		Extraction: ExtractionConfig{Concurrency: 4},
		Review:     ReviewConfig{Stream: "graphmerge:near-miss", MaxLen: 10000},
		Server:     ServerConfig{Port: 8080},
		Log:        LogConfig{Mode: LogDevelopment},
	}
}

// Load reads path over the defaults, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.NewConfigError("", err, "failed to read config file '%s'", path)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.NewConfigError("", err, "failed to parse TOML in '%s'", path)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables when they are set.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"LLM_PROVIDER":        &c.LLM.Provider,
		"LLM_MODEL":           &c.LLM.Model,
		"LLM_EMBEDDING_MODEL": &c.LLM.EmbeddingModel,
		"LLM_API_KEY":         &c.LLM.APIKey,
		"LLM_BASE_URL":        &c.LLM.BaseURL,
		"MEMGRAPH_URI":        &c.Memgraph.URI,
		"MEMGRAPH_USER":       &c.Memgraph.User,
		"MEMGRAPH_PASSWORD":   &c.Memgraph.Password,
		"SQLITE_PATH":         &c.SQLite.Path,
		"REDIS_ADDR":          &c.Redis.Addr,
		"REDIS_PASSWORD":      &c.Redis.Password,
		"STORAGE_BACKEND":     &c.Storage.Backend,
		"CATALOG_PATH":        &c.Merge.Catalog,
		"REJECT_POLICY":       &c.Merge.RejectPolicy,
		"LOG_MODE":            &c.Log.Mode,
	}
	for name, field := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"PORT":          &c.Server.Port,
		"MERGE_SHARDS":  &c.Merge.Shards,
		"MERGE_WORKERS": &c.Merge.Workers,
	}
	for name, field := range ints {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.NewConfigError("env", err, "%s must be an integer", name)
		}
		*field = n
	}

	if v, ok := os.LookupEnv("ACCEPTANCE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return apperr.NewConfigError("env", err, "ACCEPTANCE_THRESHOLD must be a number")
		}
		c.Merge.AcceptanceThreshold = f
	}
	return nil
}
