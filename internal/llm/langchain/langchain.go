// Package langchain adapts langchaingo models (Ollama, OpenAI) to llm.Provider.
package langchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/efebarandurmaz/lograg/internal/llm"
)

const (
	defaultOllamaURL        = "http://localhost:11434"
	defaultOllamaModel      = "llama3.1"
	defaultOllamaEmbedModel = "nomic-embed-text"
)

// Client wraps a chat model and an embedder built from langchaingo clients.
type Client struct {
	name     string
	model    llms.Model
	embedder *embeddings.EmbedderImpl
}

// New builds a Client from an already constructed model and embedding client.
func New(name string, model llms.Model, embedClient embeddings.EmbedderClient) (*Client, error) {
	embedder, err := embeddings.NewEmbedder(embedClient, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &Client{name: name, model: model, embedder: embedder}, nil
}

// NewOllama talks to a local Ollama server. Chat and embeddings use separate
// models, so two clients are created.
func NewOllama(cfg llm.ProviderConfig) (llm.Provider, error) {
	serverURL := cfg.BaseURL
	if serverURL == "" {
		serverURL = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = defaultOllamaEmbedModel
	}

	chat, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("initializing ollama chat model: %w", err)
	}
	embed, err := ollama.New(ollama.WithServerURL(serverURL), ollama.WithModel(embedModel))
	if err != nil {
		return nil, fmt.Errorf("initializing ollama embedding model: %w", err)
	}
	return New("ollama", chat, embed)
}

// NewOpenAI uses langchaingo's OpenAI client, which also covers
// OpenRouter-style gateways that expect a "Bearer " prefixed key.
func NewOpenAI(cfg llm.ProviderConfig) (llm.Provider, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.APIKey, "Bearer ")),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.EmbedModel != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.EmbedModel))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing langchain openai client: %w", err)
	}
	return New("langchain-openai", client, client)
}

func (c *Client) Name() string { return c.name }

func (c *Client) Complete(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (*llm.Response, error) {
	resp, err := c.model.GenerateContent(ctx, toMessages(prompt), callOptions(opts)...)
	if err != nil {
		return nil, classify(ctx, c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProviderError{Kind: llm.KindUnavailable, Provider: c.name, Message: "response contained no choices"}
	}

	choice := resp.Choices[0]
	out := &llm.Response{Content: choice.Content, StopReason: choice.StopReason}
	if info := choice.GenerationInfo; info != nil {
		out.InputTokens = intFrom(info, "PromptTokens")
		out.OutputTokens = intFrom(info, "CompletionTokens")
	}
	return out, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classify(ctx, c.name, err)
	}
	if len(vecs) != len(texts) {
		return nil, &llm.ProviderError{
			Kind:     llm.KindUnavailable,
			Provider: c.name,
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(vecs)),
		}
	}
	return vecs, nil
}

func toMessages(prompt *llm.Prompt) []llms.MessageContent {
	var msgs []llms.MessageContent
	if prompt.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, prompt.SystemPrompt))
	}
	for _, m := range prompt.Messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case llm.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case llm.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}
	return msgs
}

func callOptions(opts *llm.RequestOptions) []llms.CallOption {
	if opts == nil {
		return nil
	}
	var out []llms.CallOption
	if opts.Temperature != nil {
		out = append(out, llms.WithTemperature(*opts.Temperature))
	}
	if opts.MaxTokens != nil {
		out = append(out, llms.WithMaxTokens(*opts.MaxTokens))
	}
	if opts.TopP != nil {
		out = append(out, llms.WithTopP(*opts.TopP))
	}
	if len(opts.StopSeqs) > 0 {
		out = append(out, llms.WithStopWords(opts.StopSeqs))
	}
	return out
}

// classify maps langchaingo's untyped errors onto llm error kinds.
func classify(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := strings.ToLower(err.Error())
	pe := &llm.ProviderError{Provider: provider, Cause: err}
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		pe.Kind = llm.KindRateLimited
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key"):
		pe.Kind = llm.KindAuth
	case strings.Contains(msg, "content_filter") || strings.Contains(msg, "content policy") || strings.Contains(msg, "safety"):
		pe.Kind = llm.KindContentRejected
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		pe.Kind = llm.KindInvalidInput
	default:
		pe.Kind = llm.KindUnavailable
	}
	return pe
}

func intFrom(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
