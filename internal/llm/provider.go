package llm

import "context"

// Completer generates text from a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error)
}

// Embedder maps texts to vectors, one per input and in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is the interface all LLM backends must implement.
type Provider interface {
	Completer
	Embedder
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}
