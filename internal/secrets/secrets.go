// Package secrets resolves credentials from the environment or a local
// secrets file and fills them into the loaded configuration.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/efebarandurmaz/lograg/internal/config"
)

// SecretKey identifies a credential.
type SecretKey string

const (
	SecretLLMAPIKey       SecretKey = "llm_api_key"
	SecretEmbeddingAPIKey SecretKey = "embedding_api_key"
	SecretQdrantAPIKey    SecretKey = "qdrant_api_key"
	SecretPostgresDSN     SecretKey = "postgres_dsn"
	SecretNeo4jPassword   SecretKey = "neo4j_password"
)

// ErrNotFound is returned when no provider has the secret.
var ErrNotFound = errors.New("secret not found")

// Provider is the interface for secret backends.
type Provider interface {
	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (string, error)
	// Name returns the provider name.
	Name() string
}

// Config configures the secrets manager.
type Config struct {
	// Provider is "env" or "file".
	Provider string
	// File is the JSON secrets file for the file provider.
	File string
	// EnvPrefix for environment variable names (default: "LOGRAG_")
	EnvPrefix string
}

// Manager looks secrets up in the primary provider, then the environment.
type Manager struct {
	primary  Provider
	fallback Provider
	mu       sync.RWMutex
	cache    map[string]string
}

// NewManager creates a secrets manager.
func NewManager(cfg Config) (*Manager, error) {
	env := NewEnvProvider(cfg.EnvPrefix)
	m := &Manager{primary: env, cache: make(map[string]string)}

	switch cfg.Provider {
	case "file":
		fp, err := NewFileProvider(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		m.primary = fp
		m.fallback = env
	case "env", "":
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
	return m, nil
}

// Get retrieves a secret, trying primary then fallback.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	val, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return val, nil
	}

	for _, p := range []Provider{m.primary, m.fallback} {
		if p == nil {
			continue
		}
		if val, err := p.Get(ctx, key); err == nil && val != "" {
			m.mu.Lock()
			m.cache[key] = val
			m.mu.Unlock()
			return val, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// GetOrDefault retrieves a secret or returns a default value.
func (m *Manager) GetOrDefault(ctx context.Context, key, defaultVal string) string {
	val, err := m.Get(ctx, key)
	if err != nil {
		return defaultVal
	}
	return val
}

// Apply fills credentials left empty in cfg. Values already set in the
// config file or LOGRAG_* environment keep precedence.
func (m *Manager) Apply(ctx context.Context, cfg *config.Config) {
	fill := func(dst *string, key SecretKey) {
		if *dst == "" {
			*dst = m.GetOrDefault(ctx, string(key), "")
		}
	}
	fill(&cfg.LLM.APIKey, SecretLLMAPIKey)
	fill(&cfg.Embedding.APIKey, SecretEmbeddingAPIKey)
	fill(&cfg.Vector.APIKey, SecretQdrantAPIKey)
	fill(&cfg.Vector.DSN, SecretPostgresDSN)
	fill(&cfg.Graph.Password, SecretNeo4jPassword)
}

// Apply builds a Manager from cfg.Secrets and applies it to cfg.
func Apply(ctx context.Context, cfg *config.Config) error {
	m, err := NewManager(Config{Provider: cfg.Secrets.Provider, File: cfg.Secrets.File})
	if err != nil {
		return err
	}
	m.Apply(ctx, cfg)
	return nil
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based secrets provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "LOGRAG_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

// Get tries the prefixed variable first, then the bare upper-cased key
// (OPENAI_API_KEY style).
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
}
