package rag

import "errors"

// Config holds pipeline settings. Embedding and index batching are
// configured on embed.Embedder and vector.Index.
type Config struct {
	ChunkSize    int // runes per chunk
	ChunkOverlap int // runes shared by consecutive chunks

	DefaultK        int // matches retrieved when the caller asks for 0
	MaxContextChars int // budget for source text in the prompt

	Temperature float64
	MaxTokens   int // 0 uses the provider default
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       1000,
		ChunkOverlap:    200,
		DefaultK:        6,
		MaxContextChars: 12000,
		Temperature:     0.2,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.DefaultK <= 0 {
		errs = append(errs, errors.New("default_k must be positive"))
	}
	if c.MaxContextChars <= 0 {
		errs = append(errs, errors.New("max_context_chars must be positive"))
	}
	if c.Temperature < 0 {
		errs = append(errs, errors.New("temperature must not be negative"))
	}
	return errors.Join(errs...)
}
