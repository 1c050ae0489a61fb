package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultCollection is the collection used when a request names none.
const DefaultCollection = "mysql_crash_analysis"

// Config holds all application configuration.
type Config struct {
	LLM       LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Embedding LLMConfig      `mapstructure:"embedding" yaml:"embedding"`
	Vector    VectorConfig   `mapstructure:"vector" yaml:"vector"`
	RAG       RAGConfig      `mapstructure:"rag" yaml:"rag"`
	Server    ServerConfig   `mapstructure:"server" yaml:"server"`
	Graph     GraphConfig    `mapstructure:"graph" yaml:"graph"`
	Temporal  TemporalConfig `mapstructure:"temporal" yaml:"temporal"`
	Tracing   TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Secrets   SecretsConfig  `mapstructure:"secrets" yaml:"secrets"`
	Log       LogConfig      `mapstructure:"log" yaml:"log"`
}

type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider,omitempty"`
	Model       string        `mapstructure:"model" yaml:"model,omitempty"`
	EmbedModel  string        `mapstructure:"embed_model" yaml:"embed_model,omitempty"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay,omitempty"`
	// RequestsPerMinute throttles calls to the provider; 0 disables throttling.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute,omitempty"`
}

// Merge fills unset fields of c from base. The embedding section uses it
// to inherit the completion provider's credentials.
func (c LLMConfig) Merge(base LLMConfig) LLMConfig {
	resolved := c
	if resolved.Provider == "" {
		resolved.Provider = base.Provider
	}
	if resolved.Model == "" {
		resolved.Model = base.Model
	}
	if resolved.EmbedModel == "" {
		resolved.EmbedModel = base.EmbedModel
	}
	if resolved.APIKey == "" {
		resolved.APIKey = base.APIKey
	}
	if resolved.BaseURL == "" {
		resolved.BaseURL = base.BaseURL
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = base.Timeout
	}
	if resolved.MaxRetries == 0 {
		resolved.MaxRetries = base.MaxRetries
	}
	if resolved.RetryDelay == 0 {
		resolved.RetryDelay = base.RetryDelay
	}
	if resolved.RequestsPerMinute == 0 {
		resolved.RequestsPerMinute = base.RequestsPerMinute
	}
	return resolved
}

type VectorConfig struct {
	// Backend selects the vector store: "qdrant", "chromem" or "pgvector".
	Backend           string `mapstructure:"backend" yaml:"backend"`
	Host              string `mapstructure:"host" yaml:"host,omitempty"`
	Port              int    `mapstructure:"port" yaml:"port,omitempty"`
	APIKey            string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	UseTLS            bool   `mapstructure:"use_tls" yaml:"use_tls,omitempty"`
	Path              string `mapstructure:"path" yaml:"path,omitempty"`
	DSN               string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Debug             bool   `mapstructure:"debug" yaml:"debug,omitempty"`
	DefaultCollection string `mapstructure:"default_collection" yaml:"default_collection"`
	MaxRetries        int    `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
}

// RAGConfig tunes chunking, batching and prompt assembly.
type RAGConfig struct {
	ChunkSize          int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap       int     `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	EmbedBatchSize     int     `mapstructure:"embed_batch_size" yaml:"embed_batch_size"`
	EmbedConcurrency   int     `mapstructure:"embed_concurrency" yaml:"embed_concurrency"`
	UpsertBatchSize    int     `mapstructure:"upsert_batch_size" yaml:"upsert_batch_size"`
	DefaultK           int     `mapstructure:"default_k" yaml:"default_k"`
	MaxContextChars    int     `mapstructure:"max_context_chars" yaml:"max_context_chars"`
	SourcePreviewChars int     `mapstructure:"source_preview_chars" yaml:"source_preview_chars"`
	Temperature        float64 `mapstructure:"temperature" yaml:"temperature"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type GraphConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host" yaml:"host,omitempty"`
	Namespace string `mapstructure:"namespace" yaml:"namespace,omitempty"`
	TaskQueue string `mapstructure:"task_queue" yaml:"task_queue,omitempty"`
	// SpoolDir holds large async uploads until a worker ingests them. It
	// must be shared by the server and the workers.
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir,omitempty"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate,omitempty"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure,omitempty"`
	Environment string  `mapstructure:"environment" yaml:"environment,omitempty"`
}

type SecretsConfig struct {
	// Provider is "env" or "file".
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	File     string `mapstructure:"file" yaml:"file,omitempty"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			EmbedModel:  "text-embedding-3-small",
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  time.Second,
		},
		Vector: VectorConfig{
			Backend:           "qdrant",
			Host:              "localhost",
			Port:              6334,
			DefaultCollection: DefaultCollection,
			MaxRetries:        3,
		},
		RAG: RAGConfig{
			ChunkSize:          1000,
			ChunkOverlap:       200,
			EmbedBatchSize:     64,
			EmbedConcurrency:   4,
			UpsertBatchSize:    100,
			DefaultK:           6,
			MaxContextChars:    12000,
			SourcePreviewChars: 500,
			Temperature:        0.2,
		},
		Server: ServerConfig{
			Addr:            ":8000",
			MaxUploadBytes:  32 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "default",
			TaskQueue: "lograg-ingest",
		},
		Tracing: TracingConfig{SampleRate: 1.0, Environment: "development"},
		Secrets: SecretsConfig{Provider: "env"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	// Check for empty API key with active provider (skip "none" and local providers)
	if c.LLM.Provider != "" && c.LLM.Provider != "none" && c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("LLM provider '%s' is configured but api_key is empty", c.LLM.Provider))
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2.0 {
		warnings = append(warnings, fmt.Sprintf("LLM temperature %.2f is outside recommended range [0.0, 2.0]", c.LLM.Temperature))
	}
	if c.RAG.Temperature > 0.5 {
		warnings = append(warnings, fmt.Sprintf("rag temperature %.2f is high for diagnostic analysis", c.RAG.Temperature))
	}

	if c.LLM.MaxTokens < 0 {
		warnings = append(warnings, fmt.Sprintf("LLM max_tokens %d is negative", c.LLM.MaxTokens))
	}

	if c.RAG.ChunkSize > 0 && c.RAG.MaxContextChars > 0 && c.RAG.MaxContextChars < c.RAG.ChunkSize {
		warnings = append(warnings, fmt.Sprintf("rag max_context_chars %d is smaller than chunk_size %d; sources will be truncated", c.RAG.MaxContextChars, c.RAG.ChunkSize))
	}

	switch c.Vector.Backend {
	case "", "qdrant", "chromem", "pgvector":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown vector backend %q", c.Vector.Backend))
	}
	if c.Vector.Backend == "pgvector" && c.Vector.DSN == "" {
		warnings = append(warnings, "vector backend 'pgvector' is configured but dsn is empty")
	}

	return warnings
}

// Check returns an error for settings that make the pipeline unusable.
func (c *Config) Check() error {
	var errs []error
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap must be in [0, chunk_size), got %d", c.RAG.ChunkOverlap))
	}
	if c.RAG.DefaultK <= 0 {
		errs = append(errs, fmt.Errorf("rag.default_k must be positive, got %d", c.RAG.DefaultK))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.embed_model", d.LLM.EmbedModel)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.max_retries", d.LLM.MaxRetries)
	v.SetDefault("llm.retry_delay", d.LLM.RetryDelay)
	v.SetDefault("vector.backend", d.Vector.Backend)
	v.SetDefault("vector.host", d.Vector.Host)
	v.SetDefault("vector.port", d.Vector.Port)
	v.SetDefault("vector.default_collection", d.Vector.DefaultCollection)
	v.SetDefault("vector.max_retries", d.Vector.MaxRetries)
	v.SetDefault("rag.chunk_size", d.RAG.ChunkSize)
	v.SetDefault("rag.chunk_overlap", d.RAG.ChunkOverlap)
	v.SetDefault("rag.embed_batch_size", d.RAG.EmbedBatchSize)
	v.SetDefault("rag.embed_concurrency", d.RAG.EmbedConcurrency)
	v.SetDefault("rag.upsert_batch_size", d.RAG.UpsertBatchSize)
	v.SetDefault("rag.default_k", d.RAG.DefaultK)
	v.SetDefault("rag.max_context_chars", d.RAG.MaxContextChars)
	v.SetDefault("rag.source_preview_chars", d.RAG.SourcePreviewChars)
	v.SetDefault("rag.temperature", d.RAG.Temperature)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("temporal.host", d.Temporal.Host)
	v.SetDefault("temporal.namespace", d.Temporal.Namespace)
	v.SetDefault("temporal.task_queue", d.Temporal.TaskQueue)
	v.SetDefault("temporal.spool_dir", d.Temporal.SpoolDir)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.environment", d.Tracing.Environment)
	v.SetDefault("secrets.provider", d.Secrets.Provider)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads configuration from file and environment. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOGRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}

// Save writes cfg as YAML to path, refusing to overwrite an existing file
// unless force is set.
func Save(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
