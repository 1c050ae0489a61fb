// Package app assembles the pipeline and its dependencies from the loaded
// configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/embed"
	"github.com/efebarandurmaz/lograg/internal/graph"
	"github.com/efebarandurmaz/lograg/internal/graph/neo4j"
	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/llm/anthropic"
	"github.com/efebarandurmaz/lograg/internal/llm/langchain"
	"github.com/efebarandurmaz/lograg/internal/llm/openai"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/rag"
	"github.com/efebarandurmaz/lograg/internal/retry"
	"github.com/efebarandurmaz/lograg/internal/server"
	"github.com/efebarandurmaz/lograg/internal/vector"
	"github.com/efebarandurmaz/lograg/internal/vector/chromem"
	"github.com/efebarandurmaz/lograg/internal/vector/pgvector"
	"github.com/efebarandurmaz/lograg/internal/vector/qdrant"
)

// Version is reported by /health and the CLI.
const Version = "0.1.0"

// NewFactory returns a factory with every linked provider registered.
func NewFactory() *llm.ProviderFactory {
	f := llm.NewFactory()
	f.Register("anthropic", func(c llm.ProviderConfig) (llm.Provider, error) {
		return anthropic.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	f.Register("openai", openai.NewFromConfig)
	// OpenAI-compatible endpoints
	for _, p := range []struct{ name, url string }{
		{"groq", llm.KnownProviders["groq"]},
		{"together", llm.KnownProviders["together"]},
		{"deepseek", llm.KnownProviders["deepseek"]},
		{"custom", ""},
	} {
		f.Register(p.name, func(c llm.ProviderConfig) (llm.Provider, error) {
			base := c.BaseURL
			if base == "" {
				base = p.url
			}
			return openai.New(c.APIKey, c.Model, base, c.EmbedModel), nil
		})
	}
	f.Register("ollama", langchain.NewOllama)
	f.Register("langchain-openai", langchain.NewOpenAI)
	return f
}

// ProviderConfig converts an llm config section.
func ProviderConfig(c config.LLMConfig) llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:          c.Provider,
		APIKey:            c.APIKey,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		EmbedModel:        c.EmbedModel,
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		RetryDelay:        c.RetryDelay,
		RequestsPerMinute: c.RequestsPerMinute,
	}
}

// EmbedRetryPolicy derives the embedder's retry policy from the embedding
// provider settings, falling back to the defaults for unset fields.
func EmbedRetryPolicy(c config.LLMConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.RetryDelay > 0 {
		p.InitialDelay = c.RetryDelay
	}
	if c.Timeout > 0 {
		p.Timeout = c.Timeout
	}
	return p
}

// OpenBackend connects to the configured vector store.
func OpenBackend(ctx context.Context, cfg config.VectorConfig) (vector.Backend, error) {
	switch cfg.Backend {
	case "", "qdrant":
		r, err := qdrant.New(qdrant.Config{
			Host:   cfg.Host,
			Port:   cfg.Port,
			APIKey: cfg.APIKey,
			UseTLS: cfg.UseTLS,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case "chromem":
		if cfg.Path == "" {
			return chromem.NewMemory(), nil
		}
		s, err := chromem.NewPersistent(cfg.Path, false)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "pgvector":
		s, err := pgvector.Open(ctx, pgvector.Config{DSN: cfg.DSN, Debug: cfg.Debug})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

// OpenCatalog connects to neo4j when graph.uri is set. Without it the
// catalog lives in process when inProcess is set, and is disabled
// otherwise.
func OpenCatalog(ctx context.Context, cfg config.GraphConfig, inProcess bool) (graph.Repository, error) {
	if cfg.URI == "" {
		if inProcess {
			return graph.NewMemory(), nil
		}
		return nil, nil
	}
	r, err := neo4j.New(ctx, cfg.URI, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// App is the assembled pipeline with the resources it owns.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Metrics  *observability.RAGMetrics
	Pipeline *rag.Pipeline
	Backend  vector.Backend
	Catalog  graph.Repository // nil when disabled

	completer llm.Provider // nil when llm.provider is "none"
	embedder  llm.Provider
	tracing   *observability.TracerProvider
}

// Options tweak Build.
type Options struct {
	// MemoryCatalog keeps an in-process catalog when no graph database is
	// configured. Long-running servers set it.
	MemoryCatalog bool
	// Backend overrides the configured vector store.
	Backend vector.Backend
	// Factory overrides the provider registry.
	Factory *llm.ProviderFactory
}

// Build assembles the pipeline described by cfg. Call Close when done.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: observability.NewRAGMetrics(),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    server.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.tracing = tp

	factory := opts.Factory
	if factory == nil {
		factory = NewFactory()
	}

	a.completer, err = factory.Create(ProviderConfig(cfg.LLM))
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}

	// The embedder retries batches itself, so the provider is created
	// without the factory's retry wrapper.
	embCfg := cfg.Embedding.Merge(cfg.LLM)
	pc := ProviderConfig(embCfg)
	pc.Timeout, pc.MaxRetries = 0, 0
	a.embedder, err = factory.Create(pc)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	if a.embedder == nil {
		return nil, errors.New("an embedding provider is required; set llm.provider or embedding.provider")
	}

	a.Backend = opts.Backend
	if a.Backend == nil {
		a.Backend, err = OpenBackend(ctx, cfg.Vector)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
	}

	a.Catalog, err = OpenCatalog(ctx, cfg.Graph, opts.MemoryCatalog)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	e := embed.New(a.embedder, embed.Config{
		BatchSize:   cfg.RAG.EmbedBatchSize,
		Concurrency: cfg.RAG.EmbedConcurrency,
		Retry:       EmbedRetryPolicy(embCfg),
	}, embed.WithLogger(log), embed.WithMetrics(a.Metrics))

	vp := retry.DefaultPolicy()
	vp.MaxRetries = cfg.Vector.MaxRetries
	ix := vector.NewIndex(a.Backend, vector.Config{
		UpsertBatchSize: cfg.RAG.UpsertBatchSize,
		Retry:           vp,
	}, vector.WithLogger(log), vector.WithMetrics(a.Metrics))

	var completer llm.Completer = a.completer
	model := cfg.LLM.Model
	if a.completer == nil {
		completer = noCompleter{}
		model = "none"
	}
	popts := []rag.Option{
		rag.WithLogger(log),
		rag.WithMetrics(a.Metrics),
		rag.WithModel(model),
	}
	if a.Catalog != nil {
		popts = append(popts, rag.WithCatalog(a.Catalog))
	}
	a.Pipeline, err = rag.NewPipeline(rag.Config{
		ChunkSize:       cfg.RAG.ChunkSize,
		ChunkOverlap:    cfg.RAG.ChunkOverlap,
		DefaultK:        cfg.RAG.DefaultK,
		MaxContextChars: cfg.RAG.MaxContextChars,
		Temperature:     cfg.RAG.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
	}, e, ix, completer, popts...)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("llm", providerName(a.completer)).
		Str("embedding", a.embedder.Name()).
		Str("vector", a.Backend.Name()).
		Bool("catalog", a.Catalog != nil).
		Msg("pipeline assembled")

	ok = true
	return a, nil
}

// ProviderName reports the completion provider, or "none".
func (a *App) ProviderName() string { return providerName(a.completer) }

func providerName(p llm.Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}

// RegisterHealthChecks adds a check per dependency.
func (a *App) RegisterHealthChecks(h *server.HealthServer) {
	h.RegisterCheck("vector", server.VectorStoreHealthChecker(a.Backend.Name(), a.vectorCheck()))
	h.RegisterCheck("llm", server.LLMHealthChecker(a.ProviderName(), func(ctx context.Context) error {
		if a.completer == nil {
			return errors.New("no completion provider configured")
		}
		return nil
	}))
	if p, ok := a.Catalog.(interface{ Ping(context.Context) error }); ok {
		h.RegisterCheck("catalog", server.CatalogHealthChecker(p.Ping))
	}
}

func (a *App) vectorCheck() func(ctx context.Context) error {
	if q, ok := a.Backend.(*qdrant.Repository); ok {
		return func(ctx context.Context) error {
			_, err := q.Health(ctx)
			return err
		}
	}
	return func(ctx context.Context) error {
		_, err := a.Backend.List(ctx)
		return err
	}
}

// RegisterShutdownHooks closes the owned resources when g shuts down.
func (a *App) RegisterShutdownHooks(g *server.GracefulServer) {
	if a.tracing != nil {
		g.Shutdown.Register(server.TracingShutdownHook(a.tracing.Shutdown))
	}
	if a.Backend != nil {
		g.Shutdown.Register(server.StoreShutdownHook("vector", func(context.Context) error {
			return a.Backend.Close()
		}))
	}
	if a.Catalog != nil {
		g.Shutdown.Register(server.StoreShutdownHook("catalog", a.Catalog.Close))
	}
}

// Close releases everything Build opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close(ctx))
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	if a.tracing != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, a.tracing.Shutdown(sctx))
	}
	return errors.Join(errs...)
}

// noCompleter stands in for the model when llm.provider is "none".
// Ingestion works; answering fails as a generation failure.
type noCompleter struct{}

func (noCompleter) Complete(context.Context, *llm.Prompt, *llm.RequestOptions) (*llm.Response, error) {
	return nil, errors.New("no completion provider configured (llm.provider is none)")
}
